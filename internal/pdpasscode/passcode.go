// Package pdpasscode generates passcode suggestions. Clients are free to pick
// any passcode they like, but one that's easy to guess is also easy for
// somebody else to stumble into, so the CLI offers to generate one.
package pdpasscode

import (
	"golang.org/x/xerrors"

	"github.com/brandur/passdrop/internal/util/randutil"
)

const (
	// Alphabet used for generated passcodes. Characters that are easily
	// confused when read aloud or copied by hand (0/O, 1/l/I) are left out.
	Alphabet = "23456789abcdefghijkmnpqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ"

	DefaultLength = 12

	// Generated passcodes are grouped with a separator every GroupSize
	// characters to make them easier to read out.
	GroupSize = 4

	minLength = 4
)

var ErrLengthTooShort = xerrors.Errorf("passcode length should be at least %d", minLength)

// Generate produces a random passcode with length characters drawn from
// Alphabet, not counting group separators.
func Generate(length int) (string, error) {
	if length < minLength {
		return "", ErrLengthTooShort
	}

	return group(randutil.String(Alphabet, length), GroupSize), nil
}

// Inserts a dash every size characters.
func group(s string, size int) string {
	if size < 1 || len(s) <= size {
		return s
	}

	out := make([]byte, 0, len(s)+len(s)/size)
	for i := 0; i < len(s); i++ {
		if i > 0 && i%size == 0 {
			out = append(out, '-')
		}
		out = append(out, s[i])
	}
	return string(out)
}
