// Package pdkey maps passcodes onto the keys that storage backends address
// slots by.
//
// A passcode is an opaque string chosen by a client. It's never normalized or
// validated, but it can't be used as a storage name directly either because
// it may contain path separators, be `..`, or be longer than a backend allows
// for a single name. A slot key is instead the hex-encoded SHA-256 digest of
// the passcode, which is fixed length, safe as a directory or object name,
// and doesn't reveal the passcode to anyone browsing storage.
package pdkey

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"

	"golang.org/x/xerrors"
)

// Length of a slot key in hex characters.
const Length = sha256.Size * 2

var ErrKeyInvalid = xerrors.New("slot key is invalid")

var keyRE = regexp.MustCompile(`\A[0-9a-f]{64}\z`)

// FromPasscode produces the slot key for the given passcode. Any string is a
// valid passcode, including the empty string.
func FromPasscode(passcode string) string {
	sum := sha256.Sum256([]byte(passcode))
	return hex.EncodeToString(sum[:])
}

// IsKey checks whether s is a well-formed slot key. Backends use this to
// ignore foreign entries when listing storage, and to refuse to build paths
// from anything that didn't come out of FromPasscode.
func IsKey(s string) bool {
	return keyRE.MatchString(s)
}

// Check returns ErrKeyInvalid if key isn't a well-formed slot key.
func Check(key string) error {
	if !IsKey(key) {
		return xerrors.Errorf("%q: %w", key, ErrKeyInvalid)
	}
	return nil
}
