package password

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestHasher_HashAndVerify(t *testing.T) {
	h := NewHasher(bcrypt.MinCost)

	for _, raw := range []string{"Abcd123!", "correct horse battery staple", "ÜberSicher#2024"} {
		hash, err := h.Hash(raw)
		require.NoError(t, err)
		assert.NotEqual(t, raw, hash)
		assert.True(t, h.Verify(raw, hash))
		assert.False(t, h.Verify(raw+"x", hash))
		assert.False(t, h.Verify("wrong", hash))
	}
}

func TestHasher_SaltedHashesDiffer(t *testing.T) {
	h := NewHasher(bcrypt.MinCost)

	a, err := h.Hash("Abcd123!")
	require.NoError(t, err)
	b, err := h.Hash("Abcd123!")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestHasher_Cost(t *testing.T) {
	hash, err := NewHasher(DefaultCost).Hash("Abcd123!")
	require.NoError(t, err)

	cost, err := bcrypt.Cost([]byte(hash))
	require.NoError(t, err)
	assert.Equal(t, DefaultCost, cost)

	assert.Equal(t, DefaultCost, NewHasher(0).cost)
	assert.Equal(t, DefaultCost, NewHasher(99).cost)
}

func TestHasher_Edges(t *testing.T) {
	h := NewHasher(bcrypt.MinCost)

	_, err := h.Hash("")
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = h.Hash(strings.Repeat("a", 73))
	assert.ErrorIs(t, err, ErrTooLong)

	assert.False(t, h.Verify("Abcd123!", ""))
	assert.False(t, h.Verify("Abcd123!", "not-a-bcrypt-hash"))
	assert.False(t, h.Verify("", h.Dummy()))
	assert.NotEmpty(t, h.Dummy())
}

func TestPolicy_Validate(t *testing.T) {
	p := DefaultPolicy()

	cases := []struct {
		name string
		raw  string
		want error
	}{
		{"ok", "Abcd123!", nil},
		{"ok unicode symbol", "Abcdefg1€", nil},
		{"too short", "Ab1!", ErrTooShort},
		{"too long", "Aa1!" + strings.Repeat("x", 69), ErrTooLong},
		{"no upper", "abcd123!", ErrMissingUpper},
		{"no lower", "ABCD123!", ErrMissingLower},
		{"no digit", "Abcdefg!", ErrMissingDigit},
		{"no symbol", "Abcd1234", ErrMissingSymbol},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := p.Validate(tc.raw)
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
			assert.True(t, IsPolicyViolation(err))
		})
	}
}
