package pdpasscode

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	passcode, err := Generate(DefaultLength)
	require.NoError(t, err)
	require.Len(t, passcode, DefaultLength+DefaultLength/GroupSize-1)

	for _, r := range strings.ReplaceAll(passcode, "-", "") {
		require.True(t, strings.ContainsRune(Alphabet, r), "unexpected character %q", r)
	}

	// Two generated passcodes colliding is astronomically unlikely.
	other, err := Generate(DefaultLength)
	require.NoError(t, err)
	require.NotEqual(t, passcode, other)
}

func TestGenerateTooShort(t *testing.T) {
	_, err := Generate(minLength - 1)
	require.ErrorIs(t, err, ErrLengthTooShort)
}

func TestGroup(t *testing.T) {
	require.Equal(t, "", group("", 4))
	require.Equal(t, "abcd", group("abcd", 4))
	require.Equal(t, "abcd-e", group("abcde", 4))
	require.Equal(t, "abcd-efgh-ijkl", group("abcdefghijkl", 4))
	require.Equal(t, "abc", group("abc", 0))
}
