package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func setupRegistry(t *testing.T) (*Registry, *clockwork.FakeClock, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	fc := clockwork.NewFakeClockAt(t0)
	return New(client, Config{Prefix: "test", TTL: 10 * time.Second}, fc, nil), fc, s
}

func TestAliveBrokersSortedAndExpired(t *testing.T) {
	r, fc, _ := setupRegistry(t)
	ctx := context.Background()

	b1 := types.Node{Host: "10.0.0.2", Port: 9000}
	b2 := types.Node{Host: "10.0.0.1", Port: 9001}
	b3 := types.Node{Host: "10.0.0.1", Port: 9000}
	for _, n := range []types.Node{b1, b2, b3} {
		require.NoError(t, r.HeartbeatBroker(ctx, n))
	}

	nodes, err := r.AliveBrokers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.Node{b3, b2, b1}, nodes)

	// b1 停止心跳
	fc.Advance(6 * time.Second)
	require.NoError(t, r.HeartbeatBroker(ctx, b2))
	require.NoError(t, r.HeartbeatBroker(ctx, b3))
	fc.Advance(6 * time.Second)

	nodes, err = r.AliveBrokers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.Node{b3, b2}, nodes)

	require.NoError(t, r.RemoveBroker(ctx, b2))
	nodes, err = r.AliveBrokers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.Node{b3}, nodes)
}

func TestHeartbeatPrunesExpiredMembers(t *testing.T) {
	r, fc, s := setupRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.HeartbeatBroker(ctx, types.Node{Host: "a", Port: 1}))
	fc.Advance(time.Minute)
	require.NoError(t, r.HeartbeatBroker(ctx, types.Node{Host: "b", Port: 1}))

	members, err := s.ZMembers("test:brokers")
	require.NoError(t, err)
	assert.Equal(t, []string{"b:1"}, members)
}

func TestAvailableWorkersFiltersGroupAndTags(t *testing.T) {
	r, _, _ := setupRegistry(t)
	ctx := context.Background()

	workers := []types.Worker{
		{ID: "w3", Group: "etl", Host: "h3", Port: 7000, Tags: []string{"gpu", "ssd"}},
		{ID: "w1", Group: "etl", Host: "h1", Port: 7000, Tags: []string{"ssd"}},
		{ID: "w2", Group: "web", Host: "h2", Port: 7000},
	}
	for _, w := range workers {
		require.NoError(t, r.HeartbeatWorker(ctx, w))
	}

	got, err := r.AvailableWorkers(ctx, "etl", nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "w1", got[0].ID)
	assert.Equal(t, "w3", got[1].ID)

	got, err = r.AvailableWorkers(ctx, "etl", []string{"gpu"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "h3:7000", got[0].Address())

	got, err = r.AvailableWorkers(ctx, "batch", nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	assert.Error(t, r.HeartbeatWorker(ctx, types.Worker{}))
}

func TestIsAlive(t *testing.T) {
	r, fc, _ := setupRegistry(t)
	ctx := context.Background()

	alive, err := r.IsAlive(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, alive)

	require.NoError(t, r.HeartbeatWorker(ctx, types.Worker{ID: "w1", Group: "g"}))
	alive, err = r.IsAlive(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, alive)

	fc.Advance(11 * time.Second)
	alive, err = r.IsAlive(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, alive)

	got, err := r.AvailableWorkers(ctx, "g", nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRemoveWorker(t *testing.T) {
	r, _, s := setupRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.HeartbeatWorker(ctx, types.Worker{ID: "w1", Group: "g"}))
	require.NoError(t, r.RemoveWorker(ctx, "w1"))

	assert.False(t, s.Exists("test:worker:w1"))
	alive, err := r.IsAlive(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestParseNode(t *testing.T) {
	n, err := ParseNode("127.0.0.1:9000")
	require.NoError(t, err)
	assert.Equal(t, types.Node{Host: "127.0.0.1", Port: 9000}, n)

	_, err = ParseNode("nope")
	assert.Error(t, err)
	_, err = ParseNode("host:abc")
	assert.Error(t, err)
}
