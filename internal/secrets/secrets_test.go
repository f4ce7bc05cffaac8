package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptResolveRoundtrip(t *testing.T) {
	r, err := NewResolver("master-passphrase")
	require.NoError(t, err)

	ref, err := r.Encrypt("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", ref)

	got, err := r.Resolve(ref)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got)
}

func TestEncryptProducesFreshIV(t *testing.T) {
	r, err := NewResolver("master-passphrase")
	require.NoError(t, err)

	a, err := r.Encrypt("same-secret")
	require.NoError(t, err)
	b, err := r.Encrypt("same-secret")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestResolvePlaintextPassthrough(t *testing.T) {
	r, err := NewResolver("master-passphrase")
	require.NoError(t, err)

	for _, ref := range []string{"plain-password", "with:colon", "bm90IGEgc2VjcmV0"} {
		got, err := r.Resolve(ref)
		require.NoError(t, err)
		assert.Equal(t, ref, got)
	}
}

func TestResolveEncryptedWithoutKey(t *testing.T) {
	withKey, err := NewResolver("master-passphrase")
	require.NoError(t, err)
	ref, err := withKey.Encrypt("hunter2")
	require.NoError(t, err)

	noKey, err := NewResolver("")
	require.NoError(t, err)
	_, err = noKey.Resolve(ref)
	assert.Error(t, err)
}

func TestResolveWrongKeyFails(t *testing.T) {
	a, err := NewResolver("passphrase-a")
	require.NoError(t, err)
	ref, err := a.Encrypt("hunter2")
	require.NoError(t, err)

	b, err := NewResolver("passphrase-b")
	require.NoError(t, err)
	got, err := b.Resolve(ref)
	if err == nil {
		// padding can decode by chance; the plaintext must still differ
		assert.NotEqual(t, "hunter2", got)
	}
}

func TestEncryptWithoutKey(t *testing.T) {
	r, err := NewResolver("")
	require.NoError(t, err)
	_, err = r.Encrypt("hunter2")
	assert.Error(t, err)
}
