//go:build windows
// +build windows

package policy

import (
	"strings"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// trustedPublisherSubstrings is the allow-list of large vendors whose
// validly signed binaries are skipped. Matching is case-insensitive
// substring matching against the leaf signer's simple display name.
var trustedPublisherSubstrings = []string{
	"microsoft",
	"google",
	"apple",
	"intel",
	"amazon",
}

var (
	crypt32               = windows.NewLazySystemDLL("crypt32.dll")
	procCertGetNameString = crypt32.NewProc("CertGetNameStringW")
)

const (
	certQueryObjectFile              = 1
	certQueryContentFlagPKCS7Signed  = 1 << 8
	certQueryContentFlagSignedEmbed  = 1 << 10
	certQueryFormatFlagBinary        = 1 << 1
	certNameSimpleDisplayType        = 4
)

// IsTrustedPublisher verifies the file's Authenticode signature with
// WinVerifyTrust (no UI, no revocation checks) and, when the signature
// is valid, checks the leaf signer's display name against the
// publisher allow-list. Any failure along the way means "not trusted".
func IsTrustedPublisher(path string) bool {
	pathPtr, err := syscall.UTF16PtrFromString(path)
	if err != nil {
		return false
	}

	fileInfo := windows.WinTrustFileInfo{
		Size:     uint32(unsafe.Sizeof(windows.WinTrustFileInfo{})),
		FilePath: pathPtr,
	}
	data := windows.WinTrustData{
		Size:             uint32(unsafe.Sizeof(windows.WinTrustData{})),
		UIChoice:         windows.WTD_UI_NONE,
		RevocationChecks: windows.WTD_REVOKE_NONE,
		UnionChoice:      windows.WTD_CHOICE_FILE,
		FileOrCatalogOrBlobOrSgnrOrCert: unsafe.Pointer(&fileInfo),
		StateAction:      windows.WTD_STATEACTION_VERIFY,
	}

	err = windows.WinVerifyTrustEx(windows.InvalidHWND, &windows.WINTRUST_ACTION_GENERIC_VERIFY_V2, &data)

	data.StateAction = windows.WTD_STATEACTION_CLOSE
	windows.WinVerifyTrustEx(windows.InvalidHWND, &windows.WINTRUST_ACTION_GENERIC_VERIFY_V2, &data)

	if err != nil {
		return false
	}

	signer := signerDisplayName(path)
	if signer == "" {
		return false
	}
	lower := strings.ToLower(signer)
	for _, s := range trustedPublisherSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// signerDisplayName extracts the simple display name of the leaf
// signing certificate from the file's embedded signature.
func signerDisplayName(path string) string {
	pathPtr, err := syscall.UTF16PtrFromString(path)
	if err != nil {
		return ""
	}

	var (
		encoding  uint32
		content   uint32
		format    uint32
		certStore windows.Handle
		msg       windows.Handle
	)
	err = windows.CryptQueryObject(
		certQueryObjectFile,
		unsafe.Pointer(pathPtr),
		certQueryContentFlagPKCS7Signed|certQueryContentFlagSignedEmbed,
		certQueryFormatFlagBinary,
		0,
		&encoding,
		&content,
		&format,
		&certStore,
		&msg,
		nil,
	)
	if err != nil {
		return ""
	}
	defer windows.CertCloseStore(certStore, 0)

	cert, err := windows.CertEnumCertificatesInStore(certStore, nil)
	if err != nil || cert == nil {
		return ""
	}
	defer windows.CertFreeCertificateContext(cert)

	// First call sizes the buffer, second fills it.
	n, _, _ := procCertGetNameString.Call(
		uintptr(unsafe.Pointer(cert)),
		certNameSimpleDisplayType,
		0, 0, 0, 0,
	)
	if n <= 1 {
		return ""
	}
	buf := make([]uint16, n)
	procCertGetNameString.Call(
		uintptr(unsafe.Pointer(cert)),
		certNameSimpleDisplayType,
		0, 0,
		uintptr(unsafe.Pointer(&buf[0])),
		n,
	)
	return syscall.UTF16ToString(buf)
}
