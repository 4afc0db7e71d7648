package reattach

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	krlib "github.com/99designs/keyring"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.olrik.dev/warden/internal/db"
	"go.olrik.dev/warden/internal/keyring"
	"go.olrik.dev/warden/internal/session"
)

func sampleInfo(t *testing.T) session.ReattachInfo {
	t.Helper()
	params, err := session.NewLaunchParameters(4000, 4001, session.Safe, session.Public, time.Minute, []string{"-close"})
	require.NoError(t, err)
	return session.ReattachInfo{
		InstanceID:  "main",
		PID:         4242,
		CreateTime:  1700000000000,
		Port:        4000,
		AccessToken: "secret-token",
		Launch:      params,
		Slot:        session.Secondary,
		Revision:    "r7",
		Directory:   "/srv/deployments/r7/B",
		DmbPath:     "/srv/deployments/r7/B/game.dmb",
		StartedAt:   time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
	}
}

func sqliteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return NewSQLiteStore(database)
}

func redisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	s, err := NewRedisStore(context.Background(), RedisConfig{Address: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

// exerciseStore checks the contract every backend must honour
func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()
	info := sampleInfo(t)

	got, err := s.Load(ctx, "main")
	require.NoError(t, err)
	assert.Nil(t, got, "empty store should load nothing")

	require.NoError(t, s.Save(ctx, info))

	got, err = s.Load(ctx, "main")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Equal(info), "loaded record differs: %+v", got)

	// Save replaces the whole record
	updated := info.Clone()
	updated.PID = 5151
	updated.Slot = session.Primary
	updated.Launch.AdditionalArgs = nil
	require.NoError(t, s.Save(ctx, updated))

	got, err = s.Load(ctx, "main")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Equal(updated), "record not replaced: %+v", got)

	other := info.Clone()
	other.InstanceID = "other"
	require.NoError(t, s.Save(ctx, other))

	require.NoError(t, s.Clear(ctx, "main"))
	require.NoError(t, s.Clear(ctx, "main"), "clearing twice is fine")

	got, err = s.Load(ctx, "main")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = s.Load(ctx, "other")
	require.NoError(t, err)
	assert.NotNil(t, got, "clear must be keyed by instance")
}

func TestSQLiteStore(t *testing.T) {
	exerciseStore(t, sqliteStore(t))
}

func TestRedisStore(t *testing.T) {
	s, _ := redisStore(t)
	exerciseStore(t, s)
}

func TestRedisStoreSingleKey(t *testing.T) {
	s, mr := redisStore(t)
	require.NoError(t, s.Save(context.Background(), sampleInfo(t)))

	assert.Equal(t, []string{DefaultRedisPrefix + ":main"}, mr.Keys())
	raw, err := mr.Get(DefaultRedisPrefix + ":main")
	require.NoError(t, err)
	assert.Contains(t, raw, `"slot":"secondary"`)
}

func TestRedisStoreFailureIsPersistenceError(t *testing.T) {
	s, mr := redisStore(t)
	mr.Close()

	err := s.Save(context.Background(), sampleInfo(t))
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "save", perr.Op)
	assert.Equal(t, "main", perr.InstanceID)
}

func TestRedisStoreConnectFailure(t *testing.T) {
	_, err := NewRedisStore(context.Background(), RedisConfig{Address: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond})
	assert.Error(t, err)
}

func TestCorruptRecordIsPersistenceError(t *testing.T) {
	s, mr := redisStore(t)
	require.NoError(t, mr.Set(DefaultRedisPrefix+":main", "{not json"))

	_, err := s.Load(context.Background(), "main")
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "load", perr.Op)
}

type memVault struct {
	tokens map[string]string
	fail   error
}

func (v *memVault) SetToken(id, token string) error {
	if v.fail != nil {
		return v.fail
	}
	v.tokens[id] = token
	return nil
}

func (v *memVault) GetToken(id string) (string, error) { return v.tokens[id], v.fail }

func (v *memVault) DeleteToken(id string) error {
	delete(v.tokens, id)
	return v.fail
}

func TestVaultStoreKeepsTokenOutOfInnerStore(t *testing.T) {
	inner := sqliteStore(t)
	vault := &memVault{tokens: map[string]string{}}
	s := WithVault(inner, vault)
	ctx := context.Background()
	info := sampleInfo(t)

	require.NoError(t, s.Save(ctx, info))
	assert.Equal(t, "secret-token", vault.tokens["main:4242"])

	raw, err := inner.Load(ctx, "main")
	require.NoError(t, err)
	assert.Empty(t, raw.AccessToken, "token leaked into the record store")

	got, err := s.Load(ctx, "main")
	require.NoError(t, err)
	assert.True(t, got.Equal(info))

	require.NoError(t, s.Clear(ctx, "main"))
	assert.Empty(t, vault.tokens)
}

type failingSave struct {
	Store
	err error
}

func (f failingSave) Save(context.Context, session.ReattachInfo) error { return f.err }

func TestVaultStoreInterruptedSaveKeepsMatchingPair(t *testing.T) {
	inner := sqliteStore(t)
	vault := &memVault{tokens: map[string]string{}}
	s := WithVault(inner, vault)
	ctx := context.Background()

	first := sampleInfo(t)
	require.NoError(t, s.Save(ctx, first))

	next := first.Clone()
	next.PID = 5151
	next.AccessToken = "next-token"

	// Token written, record write lost
	broken := WithVault(failingSave{Store: inner, err: errors.New("disk full")}, vault)
	require.Error(t, broken.Save(ctx, next))

	got, err := s.Load(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, first.PID, got.PID)
	assert.Equal(t, "secret-token", got.AccessToken)

	require.NoError(t, s.Save(ctx, next))
	got, err = s.Load(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, "next-token", got.AccessToken)
	assert.NotContains(t, vault.tokens, "main:4242", "superseded token kept")
}

func TestVaultStoreFailures(t *testing.T) {
	vault := &memVault{tokens: map[string]string{}, fail: errors.New("locked")}
	s := WithVault(sqliteStore(t), vault)

	err := s.Save(context.Background(), sampleInfo(t))
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.ErrorContains(t, err, "locked")
}

func TestVaultStoreWithFileKeyring(t *testing.T) {
	vault, err := keyring.Open(keyring.Config{
		ServiceName:  "warden-test",
		Backends:     []krlib.BackendType{krlib.FileBackend},
		FileDir:      t.TempDir(),
		PasswordFunc: krlib.FixedStringPrompt("pw"),
	})
	require.NoError(t, err)

	exerciseStore(t, WithVault(sqliteStore(t), vault))
}
