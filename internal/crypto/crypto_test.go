package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	s, err := New(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)

	a, err := s.Seal([]byte("+7 900 000 00 00"), []byte("req-1"))
	require.NoError(t, err)
	b, err := s.Seal([]byte("+7 900 000 00 00"), []byte("req-1"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "nonce must differ")

	pt, err := s.Open(a, []byte("req-1"))
	require.NoError(t, err)
	assert.Equal(t, "+7 900 000 00 00", string(pt))

	_, err = s.Open(a, []byte("req-2"))
	assert.Error(t, err, "wrong aad")

	_, err = s.Open("AAAA", nil)
	assert.ErrorIs(t, err, ErrCiphertext)
}

func TestSealJSON(t *testing.T) {
	s, err := New(bytes.Repeat([]byte{1}, 32))
	require.NoError(t, err)

	type guest struct{ Name string }
	sealed, err := s.SealJSON(guest{Name: "Anna"}, nil)
	require.NoError(t, err)

	var got guest
	require.NoError(t, s.OpenJSON(sealed, nil, &got))
	assert.Equal(t, "Anna", got.Name)
}

func TestKeySize(t *testing.T) {
	_, err := New([]byte("short"))
	assert.Error(t, err)
}
