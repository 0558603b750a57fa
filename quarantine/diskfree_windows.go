//go:build windows
// +build windows

package quarantine

import "golang.org/x/sys/windows"

// freeBytesOnVolume reports the bytes available to the calling user on
// the volume holding path.
func freeBytesOnVolume(path string) (uint64, error) {
	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}
	var freeToCaller, total, totalFree uint64
	if err := windows.GetDiskFreeSpaceEx(pathPtr, &freeToCaller, &total, &totalFree); err != nil {
		return 0, err
	}
	return freeToCaller, nil
}
