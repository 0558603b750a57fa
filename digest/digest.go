// Package digest computes file hashes in a single pass over the file,
// feeding all three hash states at once and returning optional
// (present/absent) lowercase hex strings rather than errors.
package digest

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"os"
)

// chunkSize is the read granularity for hashing.
const chunkSize = 16 * 1024

// Digests holds the three hashes of a file. A zero-value field means
// the corresponding hash could not be computed; Digests never reports
// a failure via error, only via absence.
type Digests struct {
	MD5    string
	SHA1   string
	SHA256 string
	// OK is false only when the file could not be opened or read at all.
	OK bool
}

// Compute streams path once through MD5, SHA-1, and SHA-256 and
// returns the three lowercase hex digests. Compute never returns an
// error: a file that cannot be opened or read yields Digests{OK: false}.
func Compute(path string) Digests {
	f, err := os.Open(path)
	if err != nil {
		return Digests{}
	}
	defer f.Close()

	md5h := md5.New()
	sha1h := sha1.New()
	sha256h := sha256.New()

	if err := teeCopy(f, md5h, sha1h, sha256h); err != nil {
		return Digests{}
	}

	return Digests{
		MD5:    hex.EncodeToString(md5h.Sum(nil)),
		SHA1:   hex.EncodeToString(sha1h.Sum(nil)),
		SHA256: hex.EncodeToString(sha256h.Sum(nil)),
		OK:     true,
	}
}

// SHA256 computes just the SHA-256 digest of path, for callers that
// only ever need the one hash.
func SHA256(path string) (string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	h := sha256.New()
	if err := teeCopy(f, h); err != nil {
		return "", false
	}
	return hex.EncodeToString(h.Sum(nil)), true
}

// teeCopy reads r in chunkSize blocks and writes each block into every
// sink in a single pass, so MD5/SHA-1/SHA-256 share one read of the file
// instead of three.
func teeCopy(r io.Reader, sinks ...hash.Hash) error {
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, h := range sinks {
				h.Write(buf[:n])
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
