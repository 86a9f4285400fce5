package database

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestEncryptor_Disabled(t *testing.T) {
	e, err := newEncryptor("")
	require.NoError(t, err)

	out, err := e.Encrypt("hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
	assert.False(t, e.enabled())
}

func TestEncryptor_RoundTrip(t *testing.T) {
	e, err := newEncryptor(testSecret)
	require.NoError(t, err)

	sealed, err := e.Encrypt("meet at the ridge")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, encryptedPrefix))
	assert.NotContains(t, sealed, "ridge")

	again, err := e.Encrypt("meet at the ridge")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonces must differ")

	plain, err := e.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "meet at the ridge", plain)
}

func TestEncryptor_LegacyPlaintextRows(t *testing.T) {
	e, err := newEncryptor(testSecret)
	require.NoError(t, err)

	plain, err := e.Decrypt("written before encryption")
	require.NoError(t, err)
	assert.Equal(t, "written before encryption", plain)
}

func TestEncryptor_Errors(t *testing.T) {
	_, err := newEncryptor("short")
	assert.Error(t, err)

	on, _ := newEncryptor(testSecret)
	sealed, _ := on.Encrypt("x")

	off, _ := newEncryptor("")
	_, err = off.Decrypt(sealed)
	assert.Error(t, err)

	other, _ := newEncryptor(strings.Repeat("z", 32))
	_, err = other.Decrypt(sealed)
	assert.Error(t, err)

	_, err = on.Decrypt(encryptedPrefix + "!!!")
	assert.Error(t, err)
}
