//go:build !windows
// +build !windows

package quarantine

import "golang.org/x/sys/unix"

// freeBytesOnVolume reports the bytes available to unprivileged
// writers on the volume holding path.
func freeBytesOnVolume(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}
