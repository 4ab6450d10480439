package partitioning

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type registryFixture struct {
	main, ci *fakeConn
	registry *Registry
}

func newRegistryFixture(t *testing.T) *registryFixture {
	t.Helper()
	main := newFakeConn("main")
	ci := newFakeConn("ci")
	for _, conn := range []*fakeConn{main, ci} {
		conn.now = fixedClock(today)
		conn.addPartitionedTable("registry_events")
	}
	ci.addPartitionedTable("p_ci_builds")

	r, err := NewRegistry(
		[]Database{
			{Name: "main", Conn: main, Lease: newFakeLease()},
			{Name: "ci", Conn: ci, Lease: newFakeLease()},
		},
		[]StrategyConfig{
			monthlyConfig("registry_events", 0),
			ciBuildsConfig(Never(), Never()),
		},
		ManagerOptions{LockRetry: fastLockRetry(), Now: fixedClock(today)},
	)
	require.NoError(t, err)
	return &registryFixture{main: main, ci: ci, registry: r}
}

func TestRegistry_SyncEverywhere(t *testing.T) {
	f := newRegistryFixture(t)

	require.NoError(t, f.registry.SyncPartitions(context.Background(), "", false))

	assert.Len(t, f.main.partitionNames("registry_events"), 8)
	assert.Len(t, f.ci.partitionNames("registry_events"), 8, "copies on other databases are kept in sync")
	assert.Equal(t, []string{"partitions_dynamic.ci_builds_100"}, f.ci.partitionNames("p_ci_builds"))
	assert.Nil(t, f.main.table("p_ci_builds"))
}

func TestRegistry_SyncOnlyOn(t *testing.T) {
	f := newRegistryFixture(t)

	require.NoError(t, f.registry.SyncPartitions(context.Background(), "ci", false))

	assert.Empty(t, f.main.statements())
	assert.Len(t, f.ci.partitionNames("registry_events"), 8)
	assert.Len(t, f.ci.partitionNames("p_ci_builds"), 1)

	err := f.registry.SyncPartitions(context.Background(), "geo", false)
	assert.ErrorIs(t, err, ErrArgument)
}

func TestRegistry_IsolatesTables(t *testing.T) {
	f := newRegistryFixture(t)
	f.main.failOn = func(stmt string) error {
		if strings.HasPrefix(stmt, "CREATE TABLE") {
			return errors.New("out of shared memory")
		}
		return nil
	}

	require.NoError(t, f.registry.SyncPartitions(context.Background(), "", false))

	assert.Empty(t, f.main.partitionNames("registry_events"))
	assert.Len(t, f.ci.partitionNames("registry_events"), 8)
	assert.Len(t, f.ci.partitionNames("p_ci_builds"), 1)
}

func TestRegistry_ReturnsArgumentErrors(t *testing.T) {
	f := newRegistryFixture(t)
	f.main.addPartition("registry_events", "partitions_dynamic.registry_events_default", "DEFAULT")

	err := f.registry.SyncPartitions(context.Background(), "", false)
	assert.ErrorIs(t, err, ErrArgument)
}

func TestNewRegistry_Validation(t *testing.T) {
	_, err := NewRegistry(nil, nil, ManagerOptions{})
	assert.ErrorIs(t, err, ErrArgument)

	_, err = NewRegistry(
		[]Database{{Name: "main", Conn: newFakeConn("main"), Lease: newFakeLease()}},
		[]StrategyConfig{monthlyConfig("registry_events", 0)},
		ManagerOptions{},
	)
	require.NoError(t, err)

	cfg := monthlyConfig("registry_events", 0)
	cfg.Model.Database = "embedding"
	_, err = NewRegistry(
		[]Database{{Name: "main", Conn: newFakeConn("main"), Lease: newFakeLease()}},
		[]StrategyConfig{cfg},
		ManagerOptions{},
	)
	assert.ErrorIs(t, err, ErrArgument)
}

func TestRegistry_DropDetachedPartitions(t *testing.T) {
	ctx := context.Background()
	f := newRegistryFixture(t)
	detachedPartition(t, f.main, "partitions_dynamic.registry_events_201901", today.Add(-time.Minute))
	detachedPartition(t, f.ci, "partitions_dynamic.registry_events_201902", today.Add(-time.Minute))

	require.NoError(t, f.registry.DropDetachedPartitions(ctx))

	assert.Nil(t, f.main.table("partitions_dynamic.registry_events_201901"))
	assert.Nil(t, f.ci.table("partitions_dynamic.registry_events_201902"))
	assert.Empty(t, f.main.st().detached)
	assert.Empty(t, f.ci.st().detached)
}

func TestRegistry_EnsureSchema(t *testing.T) {
	f := newRegistryFixture(t)
	require.NoError(t, f.registry.EnsureSchema(context.Background()))

	for _, conn := range []*fakeConn{f.main, f.ci} {
		stmts := conn.statements()
		require.NotEmpty(t, stmts)
		assert.Equal(t, "CREATE SCHEMA IF NOT EXISTS partitions_dynamic", stmts[0])
	}
}
