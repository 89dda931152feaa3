package secrets

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adsync/internal/config"
)

func envStore(prefix string, m map[string]string) *EnvStore {
	return &EnvStore{prefix: prefix, lookup: func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}}
}

func TestEnvStorePrefix(t *testing.T) {
	t.Parallel()
	st := envStore("ADSYNC_SECRET_", map[string]string{"ADSYNC_SECRET_ACCESS_TOKEN": "tok"})

	v, err := st.Get(context.Background(), "ACCESS_TOKEN")
	require.NoError(t, err)
	assert.Equal(t, "tok", v)

	_, err = st.Get(context.Background(), "SUPABASE_URL")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStore(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "SUPABASE_URL"), []byte("https://db.example.com\n"), 0o600))
	st := NewFileStore(dir)

	v, err := st.Get(context.Background(), "SUPABASE_URL")
	require.NoError(t, err)
	assert.Equal(t, "https://db.example.com", v)

	_, err = st.Get(context.Background(), "MISSING")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = st.Get(context.Background(), "../escape")
	assert.ErrorContains(t, err, "invalid secret name")
}

func TestDotenvStore(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("ACCESS_TOKEN=abc123\nSUPABASE_SERVICE_ROLE_KEY=\"role key\"\n"), 0o600))
	st := NewDotenvStore(path)

	v, err := st.Get(context.Background(), "SUPABASE_SERVICE_ROLE_KEY")
	require.NoError(t, err)
	assert.Equal(t, "role key", v)

	_, err = NewDotenvStore(filepath.Join(t.TempDir(), "none")).Get(context.Background(), "ACCESS_TOKEN")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChainFirstHitWins(t *testing.T) {
	t.Parallel()
	first := envStore("", map[string]string{"A": "one"})
	second := envStore("", map[string]string{"A": "two", "B": "bee"})
	c := NewChain(first, second)

	v, err := c.Get(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, "one", v)

	v, err = c.Get(context.Background(), "B")
	require.NoError(t, err)
	assert.Equal(t, "bee", v)

	_, err = c.Get(context.Background(), "C")
	assert.ErrorIs(t, err, ErrNotFound)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Get(ctx, "A")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResolveReportsAllMissing(t *testing.T) {
	t.Parallel()
	st := envStore("", map[string]string{"ACCESS_TOKEN": "tok"})
	_, err := Resolve(context.Background(), st, map[string]string{
		"ACCESS_TOKEN":              "ACCESS_TOKEN",
		"SUPABASE_URL":              "SUPABASE_URL",
		"SUPABASE_SERVICE_ROLE_KEY": "SUPABASE_SERVICE_ROLE_KEY",
	})
	require.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "SUPABASE_SERVICE_ROLE_KEY, SUPABASE_URL")
}

func TestOpenUnknownProvider(t *testing.T) {
	t.Parallel()
	_, err := Open(config.SecretsConfig{Providers: []config.SecretProviderConfig{{Type: "vault"}}})
	assert.ErrorContains(t, err, "unknown type")

	st, err := Open(config.SecretsConfig{Providers: []config.SecretProviderConfig{{Type: "env"}, {Type: "file", Dir: t.TempDir()}}})
	require.NoError(t, err)
	assert.IsType(t, &Chain{}, st)
}

func TestRedactor(t *testing.T) {
	t.Parallel()
	r := NewRedactor()
	assert.Equal(t, "plain", r.Redact("plain"))
	assert.Equal(t, 0, r.Longest())

	r.Add("s3cr3t-token", "s3cr3t", "x")
	assert.Equal(t, "auth=*** and ***", r.Redact("auth=s3cr3t-token and s3cr3t"))
	assert.Equal(t, "x marks", r.Redact("x marks"))
	assert.Equal(t, len("s3cr3t-token"), r.Longest())
}
