package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MyAirVault/BruhMCP-sub018/internal/store"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "bruhmcp.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	require.NoError(t, db.Credentials().EnsureSchema(ctx))
	require.NoError(t, db.Instances().EnsureSchema(ctx))
	return db
}

func TestCredentialRoundTrip(t *testing.T) {
	db := openTestDB(t)
	cs := db.Credentials()
	ctx := context.Background()

	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	cred := store.Credential{
		InstanceID:   "inst-1",
		ServiceType:  "slack",
		AccessToken:  "at",
		RefreshToken: "rt",
		ExpiresAt:    exp,
		ClientID:     "cid",
		ClientSecret: "secret",
		TokenURL:     "https://slack.com/api/oauth.v2.access",
	}
	require.NoError(t, cs.Save(ctx, cred))

	got, err := cs.Load(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, "at", got.AccessToken)
	assert.Equal(t, "rt", got.RefreshToken)
	assert.Equal(t, "cid", got.ClientID)
	assert.True(t, exp.Equal(got.ExpiresAt.UTC()))
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestCredentialUpsertOverwrites(t *testing.T) {
	db := openTestDB(t)
	cs := db.Credentials()
	ctx := context.Background()

	require.NoError(t, cs.Save(ctx, store.Credential{InstanceID: "inst-1", ServiceType: "slack", AccessToken: "v1"}))
	first, err := cs.Load(ctx, "inst-1")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, cs.Save(ctx, store.Credential{InstanceID: "inst-1", ServiceType: "slack", AccessToken: "v2"}))
	second, err := cs.Load(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, "v2", second.AccessToken)
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))
}

func TestCredentialNotFoundAndDelete(t *testing.T) {
	db := openTestDB(t)
	cs := db.Credentials()
	ctx := context.Background()

	_, err := cs.Load(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, cs.Save(ctx, store.Credential{InstanceID: "inst-1", ServiceType: "slack", AccessToken: "at"}))
	require.NoError(t, cs.Delete(ctx, "inst-1"))
	_, err = cs.Load(ctx, "inst-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestInstanceLifecycle(t *testing.T) {
	db := openTestDB(t)
	ir := db.Instances()
	ctx := context.Background()

	require.NoError(t, ir.Save(ctx, store.InstanceMeta{
		ID:          "inst-1",
		ServiceType: "github",
		OwnerID:     "tenant-1",
		Status:      store.StatusPending,
	}))

	require.NoError(t, ir.UpdateProcess(ctx, "inst-1", 49123, 4242))
	require.NoError(t, ir.UpdateStatus(ctx, "inst-1", store.StatusActive))

	got, err := ir.Load(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, got.Status)
	assert.Equal(t, 49123, got.AssignedPort)
	assert.Equal(t, 4242, got.ProcessID)

	require.NoError(t, ir.UpdateProcess(ctx, "inst-1", 0, 0))
	require.NoError(t, ir.UpdateStatus(ctx, "inst-1", store.StatusInactive))
	got, err = ir.Load(ctx, "inst-1")
	require.NoError(t, err)
	assert.Zero(t, got.AssignedPort)
	assert.Zero(t, got.ProcessID)
}

func TestInstanceUpdatesReportNotFound(t *testing.T) {
	db := openTestDB(t)
	ir := db.Instances()
	ctx := context.Background()
	assert.ErrorIs(t, ir.UpdateStatus(ctx, "ghost", store.StatusFailed), store.ErrNotFound)
	assert.ErrorIs(t, ir.UpdateProcess(ctx, "ghost", 1, 2), store.ErrNotFound)
}

func TestActivePorts(t *testing.T) {
	db := openTestDB(t)
	ir := db.Instances()
	ctx := context.Background()

	rows := []store.InstanceMeta{
		{ID: "a", ServiceType: "slack", OwnerID: "t", Status: store.StatusActive, AssignedPort: 49100},
		{ID: "b", ServiceType: "slack", OwnerID: "t", Status: store.StatusActive, AssignedPort: 49101},
		{ID: "c", ServiceType: "slack", OwnerID: "t", Status: store.StatusInactive, AssignedPort: 49102},
		{ID: "d", ServiceType: "slack", OwnerID: "t", Status: store.StatusActive}, // no port
	}
	for _, m := range rows {
		require.NoError(t, ir.Save(ctx, m))
	}

	ports, err := ir.ActivePorts(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{49100, 49101}, ports)
}

func TestList(t *testing.T) {
	db := openTestDB(t)
	ir := db.Instances()
	ctx := context.Background()

	require.NoError(t, ir.Save(ctx, store.InstanceMeta{ID: "a", ServiceType: "slack", OwnerID: "t", Status: store.StatusActive}))
	require.NoError(t, ir.Save(ctx, store.InstanceMeta{ID: "b", ServiceType: "drive", OwnerID: "t", Status: store.StatusPending}))

	metas, err := ir.List(ctx)
	require.NoError(t, err)
	require.Len(t, metas, 2)
}
