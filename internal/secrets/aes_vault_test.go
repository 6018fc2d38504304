package secrets

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/seqflow/internal/store"
	"github.com/rendis/seqflow/pkg/schema"
)

func newTestVault(t *testing.T) (*AESVault, *store.LibSQLStore) {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "vault.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	key := bytes.Repeat([]byte{0x42}, 32)
	v, err := NewAESVault(s, VaultConfig{MasterKey: key})
	require.NoError(t, err)
	return v, s
}

func TestAESVault_RoundTrip(t *testing.T) {
	v, s := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "ica-api-key", []byte("apikey-0123456789")))

	val, err := v.Resolve(ctx, "ica-api-key")
	require.NoError(t, err)
	assert.Equal(t, []byte("apikey-0123456789"), val)

	// The persisted bytes must be ciphertext, not the value.
	sealed, err := s.GetSecret(ctx, "ica-api-key")
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "apikey-0123456789")
	assert.Greater(t, len(sealed), len("apikey-0123456789"))

	// Re-sealing the same plaintext yields fresh ciphertext.
	require.NoError(t, v.Store(ctx, "ica-api-key-copy", []byte("apikey-0123456789")))
	sealed2, err := s.GetSecret(ctx, "ica-api-key-copy")
	require.NoError(t, err)
	assert.False(t, bytes.Equal(sealed, sealed2))
}

func TestAESVault_Overwrite(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "token", []byte("v1")))
	require.NoError(t, v.Store(ctx, "token", []byte("v2")))

	val, err := v.Resolve(ctx, "token")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), val)
}

func TestAESVault_DeleteAndList(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, v.Store(ctx, k, []byte(k)))
	}
	require.NoError(t, v.Delete(ctx, "b"))

	keys, err := v.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, keys)

	_, err = v.Resolve(ctx, "b")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestAESVault_ResolveUnknownKey(t *testing.T) {
	v, _ := newTestVault(t)
	_, err := v.Resolve(context.Background(), "nope")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestAESVault_PassphraseDerivation(t *testing.T) {
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "vault.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	cfg := VaultConfig{
		Passphrase: "correct horse battery staple",
		Salt:       []byte("seqflow-test-salt"),
		Iterations: 1000, // low for test speed
	}
	v, err := NewAESVault(s, cfg)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, v.Store(ctx, "k", []byte("value")))

	// A second vault with the same passphrase opens the value.
	again, err := NewAESVault(s, cfg)
	require.NoError(t, err)
	val, err := again.Resolve(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), val)

	// A different passphrase cannot.
	wrong, err := NewAESVault(s, VaultConfig{Passphrase: "other", Salt: cfg.Salt, Iterations: 1000})
	require.NoError(t, err)
	_, err = wrong.Resolve(ctx, "k")
	assert.True(t, schema.IsCode(err, schema.ErrCodeVault))
}

func TestAESVault_EmptyValue(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "empty", []byte{}))
	val, err := v.Resolve(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, val)
}

func TestVaultConfig_Rejected(t *testing.T) {
	cases := []struct {
		name string
		cfg  VaultConfig
	}{
		{"short master key", VaultConfig{MasterKey: []byte("too-short")}},
		{"no key material", VaultConfig{}},
		{"passphrase without salt", VaultConfig{Passphrase: "pass"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewAESVault(nil, tc.cfg)
			assert.True(t, schema.IsCode(err, schema.ErrCodeVault))
		})
	}
}
