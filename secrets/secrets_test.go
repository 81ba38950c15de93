package secrets_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vorion/engine/secrets"
)

const testKey = "6368616e676520746869732070617373776f726420746f206120736563726574" // 32 bytes hex

func TestSealOpenRoundTrip(t *testing.T) {
	c, err := secrets.NewCipher(testKey)
	require.NoError(t, err)

	env, err := c.SealString("whsec_abc123")
	require.NoError(t, err)
	require.NotContains(t, env, "whsec")

	got, err := c.OpenString(env)
	require.NoError(t, err)
	require.Equal(t, "whsec_abc123", got)

	// Nonces are random, so sealing twice never repeats.
	env2, err := c.SealString("whsec_abc123")
	require.NoError(t, err)
	require.NotEqual(t, env, env2)
}

func TestOpenRejectsTampering(t *testing.T) {
	c, err := secrets.NewCipher(testKey)
	require.NoError(t, err)
	env, err := c.SealString("secret")
	require.NoError(t, err)

	tampered := strings.Replace(env, env[4:5], "A", 1)
	if tampered == env {
		tampered = "B" + env[1:]
	}
	_, err = c.OpenString(tampered)
	require.Error(t, err)
}

func TestSealMapEnvelope(t *testing.T) {
	c, err := secrets.NewCipher(testKey)
	require.NoError(t, err)

	plain := map[string]any{"card": "4111", "nested": map[string]any{"ssn": "x"}}
	sealed, err := c.SealMap(plain)
	require.NoError(t, err)
	require.True(t, secrets.Sealed(sealed))
	require.NotContains(t, sealed, "card")

	opened, err := c.OpenMap(sealed)
	require.NoError(t, err)
	require.Equal(t, "4111", opened["card"])

	// Plain maps pass through.
	passthrough, err := c.OpenMap(plain)
	require.NoError(t, err)
	require.Equal(t, plain, passthrough)
}

func TestNewCipherRejectsBadKeys(t *testing.T) {
	_, err := secrets.NewCipher("not-hex")
	require.Error(t, err)
	_, err = secrets.NewCipher("abcd")
	require.Error(t, err)
}
