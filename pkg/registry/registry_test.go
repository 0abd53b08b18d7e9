package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getfleetd/fleetd/pkg/config"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New(t.TempDir())
	require.NoError(t, r.Open(context.Background()))
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func testDefinition(name string) *config.ServerDefinition {
	return &config.ServerDefinition{
		Name:     name,
		Type:     config.TypeProcess,
		Protocol: config.ProtocolStdio,
		Command:  "echo-server",
	}
}

func TestCreate_AssignsIDAndVersion(t *testing.T) {
	r := newTestRegistry(t)

	created, err := r.Create(testDefinition("alpha"))
	require.NoError(t, err)

	assert.NotEmpty(t, created.ID)
	assert.Equal(t, 1, created.Version)
	assert.False(t, created.CreatedAt.IsZero())
}

func TestCreate_RejectsInvalid(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Create(&config.ServerDefinition{Name: "broken"})
	require.Error(t, err)

	var verrs config.ValidationErrors
	assert.ErrorAs(t, err, &verrs)
	assert.Empty(t, r.List())
}

func TestCreate_DuplicateName(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Create(testDefinition("alpha"))
	require.NoError(t, err)

	_, err = r.Create(testDefinition("Alpha")) // case-insensitive
	assert.ErrorIs(t, err, ErrDuplicateName)
}

func TestUpdate_BumpsVersion(t *testing.T) {
	r := newTestRegistry(t)

	created, err := r.Create(testDefinition("alpha"))
	require.NoError(t, err)

	created.Command = "other-server"
	updated, err := r.Update(created.ID, created)
	require.NoError(t, err)

	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, "other-server", updated.Command)
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)
}

func TestUpdate_NotFound(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Update("missing", testDefinition("x"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRoundTrip_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	r := New(dir)
	require.NoError(t, r.Open(context.Background()))

	def := testDefinition("alpha")
	def.Security = config.SecurityConfig{
		TokenBudget:       100,
		RequestsPerMinute: 60,
		BlockedCommands:   []string{"rm*", "drop_*"},
		RequireAuth:       true,
	}
	def.Env = map[string]config.EnvValue{
		"REGION":    {Value: "eu-west-1"},
		"API_TOKEN": {Value: "s3cret", Encrypted: true},
	}
	created, err := r.Create(def)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	// Fresh registry over the same data dir.
	r2 := New(dir)
	require.NoError(t, r2.Open(context.Background()))
	defer r2.Close()

	loaded, err := r2.Get(created.ID)
	require.NoError(t, err)

	assert.Equal(t, created.Name, loaded.Name)
	assert.Equal(t, created.Security, loaded.Security)
	assert.Equal(t, "eu-west-1", loaded.Env["REGION"].Value)

	// Sealed value never round-trips through the definition itself.
	assert.True(t, loaded.Env["API_TOKEN"].Encrypted)
	assert.Empty(t, loaded.Env["API_TOKEN"].Value)

	// But decrypts intact at spawn time.
	env, err := r2.SpawnEnv(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", env["API_TOKEN"])
	assert.Equal(t, "eu-west-1", env["REGION"])
}

func TestUpdate_PreservesSealedSecretWhenMasked(t *testing.T) {
	r := newTestRegistry(t)

	def := testDefinition("alpha")
	def.Env = map[string]config.EnvValue{
		"API_TOKEN": {Value: "s3cret", Encrypted: true},
	}
	created, err := r.Create(def)
	require.NoError(t, err)

	// A client echoing back the redacted listing keeps the stored secret.
	created.Env["API_TOKEN"] = config.EnvValue{Value: "********", Encrypted: true}
	_, err = r.Update(created.ID, created)
	require.NoError(t, err)

	env, err := r.SpawnEnv(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", env["API_TOKEN"])
}

func TestDelete_RunsHookFirst(t *testing.T) {
	r := newTestRegistry(t)

	created, err := r.Create(testDefinition("alpha"))
	require.NoError(t, err)

	var hookRan bool
	r.SetDeleteHook(func(ctx context.Context, defID string) error {
		hookRan = true
		assert.Equal(t, created.ID, defID)
		// The definition is still present while the hook runs.
		_, err := r.Get(defID)
		assert.NoError(t, err)
		return nil
	})

	require.NoError(t, r.Delete(context.Background(), created.ID))
	assert.True(t, hookRan)

	_, err = r.Get(created.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelete_HookFailureAborts(t *testing.T) {
	r := newTestRegistry(t)

	created, err := r.Create(testDefinition("alpha"))
	require.NoError(t, err)

	r.SetDeleteHook(func(ctx context.Context, defID string) error {
		return assert.AnError
	})

	err = r.Delete(context.Background(), created.ID)
	require.Error(t, err)

	// Delete was not applied.
	_, err = r.Get(created.ID)
	assert.NoError(t, err)
}

func TestFindByName(t *testing.T) {
	r := newTestRegistry(t)

	created, err := r.Create(testDefinition("alpha"))
	require.NoError(t, err)

	found, err := r.FindByName("ALPHA")
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)

	_, err = r.FindByName("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestList_SortedByCreation(t *testing.T) {
	r := newTestRegistry(t)

	for _, name := range []string{"one", "two", "three"} {
		_, err := r.Create(testDefinition(name))
		require.NoError(t, err)
	}

	defs := r.List()
	require.Len(t, defs, 3)
	assert.Equal(t, "one", defs[0].Name)
	assert.Equal(t, "two", defs[1].Name)
	assert.Equal(t, "three", defs[2].Name)
}

func TestSubscribe_ReceivesEvents(t *testing.T) {
	r := newTestRegistry(t)

	events := make(chan Event, 8)
	r.Subscribe(func(ev Event) { events <- ev })

	created, err := r.Create(testDefinition("alpha"))
	require.NoError(t, err)

	ev := <-events
	assert.Equal(t, OpCreate, ev.Op)
	assert.Equal(t, created.ID, ev.ID)
}

func TestCipher_SealOpenRoundTrip(t *testing.T) {
	c, err := LoadCipher(t.TempDir())
	require.NoError(t, err)

	sealed, err := c.Seal("hunter2")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "hunter2")

	plain, err := c.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plain)
}

func TestCipher_KeyFileReused(t *testing.T) {
	dir := t.TempDir()

	c1, err := LoadCipher(dir)
	require.NoError(t, err)
	sealed, err := c1.Seal("value")
	require.NoError(t, err)

	// Second load reads the same key file and can open prior output.
	c2, err := LoadCipher(dir)
	require.NoError(t, err)
	plain, err := c2.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "value", plain)
}
