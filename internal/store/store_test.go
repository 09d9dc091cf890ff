package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scriptmonkey/internal/config"
)

// exerciseStorage runs the behaviour every backend must share.
func exerciseStorage(t *testing.T, s Storage) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "s1:missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, SetValue(ctx, s, "s1:count", 1))
	require.NoError(t, SetValue(ctx, s, "s1:name", "bob"))
	require.NoError(t, SetValue(ctx, s, "s1:obj", map[string]interface{}{"a": []interface{}{true, nil}}))
	require.NoError(t, SetValue(ctx, s, "s2:count", 9))
	require.NoError(t, SetValue(ctx, s, "s1_other:x", 1))

	v, err := GetValue(ctx, s, "s1:count", nil)
	require.NoError(t, err)
	assert.Equal(t, float64(1), v)

	v, err = GetValue(ctx, s, "s1:obj", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"a": []interface{}{true, nil}}, v)

	v, err = GetValue(ctx, s, "s1:nope", "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", v)

	// Last writer wins.
	require.NoError(t, SetValue(ctx, s, "s1:count", 2))
	v, err = GetValue(ctx, s, "s1:count", nil)
	require.NoError(t, err)
	assert.Equal(t, float64(2), v)

	keys, err := s.ListKeys(ctx, "s1:")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1:count", "s1:name", "s1:obj"}, keys)

	require.NoError(t, s.Delete(ctx, "s1:name"))
	require.NoError(t, s.Delete(ctx, "s1:never-set"))
	keys, err = s.ListKeys(ctx, "s1:")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1:count", "s1:obj"}, keys)

	// LIKE and glob metacharacters in a prefix are literal.
	require.NoError(t, SetValue(ctx, s, "p%_*:a", 1))
	keys, err = s.ListKeys(ctx, "p%_*:")
	require.NoError(t, err)
	assert.Equal(t, []string{"p%_*:a"}, keys)
}

func TestMemory(t *testing.T) {
	m := NewMemory()
	exerciseStorage(t, m)

	require.NoError(t, m.Close())
	_, _, err := m.Get(context.Background(), "x")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, m.Set(context.Background(), "x", []byte("1")), ErrClosed)
}

func TestMemory_CopiesValues(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	buf := []byte(`"abc"`)
	require.NoError(t, m.Set(ctx, "k", buf))
	buf[1] = 'z'

	got, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `"abc"`, string(got))
}

func TestSQLite(t *testing.T) {
	logger := zaptest.NewLogger(t)
	path := filepath.Join(t.TempDir(), "nested", "values.db")

	s, err := OpenSQLite(context.Background(), path, logger)
	require.NoError(t, err)
	exerciseStorage(t, s)
	require.NoError(t, s.Close())

	// Values survive a reopen.
	s, err = OpenSQLite(context.Background(), path, logger)
	require.NoError(t, err)
	defer s.Close()
	v, err := GetValue(context.Background(), s, "s2:count", nil)
	require.NoError(t, err)
	assert.Equal(t, float64(9), v)
}

func TestSQLite_PrefixIsCaseSensitive(t *testing.T) {
	s, err := OpenSQLite(context.Background(), ":memory:", zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "abc:1", []byte("1")))
	require.NoError(t, s.Set(ctx, "ABC:2", []byte("2")))

	keys, err := s.ListKeys(ctx, "abc:")
	require.NoError(t, err)
	assert.Equal(t, []string{"abc:1"}, keys)
}

// TestRedis requires a running Redis; it is skipped when none answers.
func TestRedis(t *testing.T) {
	url := os.Getenv("SCRIPTMONKEY_TEST_REDIS_URL")
	if url == "" {
		t.Skip("SCRIPTMONKEY_TEST_REDIS_URL not set")
	}
	prefix := "scriptmonkey-test:" + t.Name() + ":"
	r, err := OpenRedis(context.Background(), url, prefix, zaptest.NewLogger(t))
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	defer r.Close()
	t.Cleanup(func() {
		keys, _ := r.ListKeys(context.Background(), "")
		for _, k := range keys {
			_ = r.Delete(context.Background(), k)
		}
	})
	exerciseStorage(t, r)
}

func TestGlobEscape(t *testing.T) {
	assert.Equal(t, `a\*b\?c\[d\]e\\f`, globEscape(`a*b?c[d]e\f`))
	assert.Equal(t, "plain:", globEscape("plain:"))
}

func TestLikePrefix(t *testing.T) {
	assert.Equal(t, `a\%b\_c\\d%`, likePrefix(`a%b_c\d`))
}

func TestOpen(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		s, err := Open(ctx, config.StorageConfig{Backend: config.StorageMemory}, logger)
		require.NoError(t, err)
		assert.IsType(t, &Memory{}, s)
		require.NoError(t, s.Close())
	})

	t.Run("sqlite is case insensitive", func(t *testing.T) {
		s, err := Open(ctx, config.StorageConfig{
			Backend: "SQLite",
			Path:    filepath.Join(t.TempDir(), "v.db"),
		}, logger)
		require.NoError(t, err)
		assert.IsType(t, &SQLite{}, s)
		require.NoError(t, s.Close())
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := Open(ctx, config.StorageConfig{Backend: "etcd"}, logger)
		assert.ErrorContains(t, err, "unknown storage backend")
	})

	t.Run("bad redis url", func(t *testing.T) {
		_, err := Open(ctx, config.StorageConfig{Backend: config.StorageRedis, RedisURL: "://nope"}, logger)
		assert.ErrorContains(t, err, "parse redis url")
	})
}

func TestEncodeDecode(t *testing.T) {
	_, err := Encode(func() {})
	assert.Error(t, err)

	_, err = Decode([]byte("{not json"))
	assert.Error(t, err)
}
