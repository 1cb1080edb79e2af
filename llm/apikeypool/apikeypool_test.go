package apikeypool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/gateway/llm"
)

func newTestCreds() []*Credential {
	return []*Credential{
		{ID: "k1", APIKey: "key1", Label: "primary", Priority: 10, Weight: 100, Enabled: true},
		{ID: "k2", APIKey: "key2", Label: "backup1", Priority: 50, Weight: 80, Enabled: true},
		{ID: "k3", APIKey: "key3", Label: "backup2", Priority: 100, Weight: 50, Enabled: true},
		{ID: "k4", APIKey: "key4", Label: "disabled", Priority: 200, Weight: 10, Enabled: false},
	}
}

func TestPool_SelectSkipsDisabled(t *testing.T) {
	for _, strategy := range []SelectionStrategy{StrategyRoundRobin, StrategyWeightedRandom, StrategyPriority, StrategyLeastUsed} {
		t.Run(string(strategy), func(t *testing.T) {
			pool := NewPool("p1", strategy, nil, newTestCreds()...)
			for i := 0; i < 10; i++ {
				cred, err := pool.Select()
				require.NoError(t, err)
				assert.NotEqual(t, "k4", cred.ID, "disabled credential must never be selected")
			}
		})
	}
}

func TestPool_PriorityAlwaysPicksLowestPriorityValue(t *testing.T) {
	pool := NewPool("p1", StrategyPriority, nil, newTestCreds()...)
	cred, err := pool.Select()
	require.NoError(t, err)
	assert.Equal(t, "k1", cred.ID)
}

func TestPool_RoundRobinCycles(t *testing.T) {
	creds := []*Credential{
		{ID: "a", Enabled: true, Weight: 1},
		{ID: "b", Enabled: true, Weight: 1},
	}
	pool := NewPool("p1", StrategyRoundRobin, nil, creds...)

	first, err := pool.Select()
	require.NoError(t, err)
	second, err := pool.Select()
	require.NoError(t, err)
	third, err := pool.Select()
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, first.ID, third.ID)
}

func TestPool_UnhealthyAfterHighFailureRate(t *testing.T) {
	cred := &Credential{ID: "only", Enabled: true, Weight: 1}
	pool := NewPool("p1", StrategyRoundRobin, nil, cred)

	for i := 0; i < 20; i++ {
		pool.RecordFailure("only")
	}

	_, err := pool.Select()
	assert.ErrorIs(t, err, ErrAllKeysUnhealthy)
}

func TestPool_NoCredentialsReturnsError(t *testing.T) {
	pool := NewPool("p1", StrategyRoundRobin, nil)
	_, err := pool.Select()
	assert.ErrorIs(t, err, ErrNoAvailableKey)
}

func TestRegistry_WithSelectedCredentialThreadsOverrideIntoContext(t *testing.T) {
	reg := NewRegistry()
	reg.Register("p1", NewPool("p1", StrategyRoundRobin, nil, &Credential{ID: "k1", APIKey: "secret", Enabled: true, Weight: 1}))

	ctx, credID, err := reg.WithSelectedCredential(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "k1", credID)

	override, ok := llm.CredentialOverrideFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "secret", override.APIKey)
}

func TestRegistry_NoPoolLeavesContextUnchanged(t *testing.T) {
	reg := NewRegistry()
	ctx := context.Background()

	out, credID, err := reg.WithSelectedCredential(ctx, "unregistered")
	require.NoError(t, err)
	assert.Empty(t, credID)
	assert.Equal(t, ctx, out)
}

func TestPool_Stats(t *testing.T) {
	pool := NewPool("p1", StrategyRoundRobin, nil, newTestCreds()...)
	pool.RecordSuccess("k1")
	pool.RecordFailure("k2")

	stats := pool.Stats()
	require.Len(t, stats, 4)

	byID := make(map[string]Stats, len(stats))
	for _, s := range stats {
		byID[s.ID] = s
	}
	assert.Equal(t, int64(1), byID["k1"].TotalRequests)
	assert.Equal(t, int64(1), byID["k2"].FailedRequests)
}
