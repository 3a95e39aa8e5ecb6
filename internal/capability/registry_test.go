package capability

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicholaskb/semant/internal/types"
)

func TestRegister_DuplicateFails(t *testing.T) {
	r := NewRegistry()
	tag := MustParseTag("generate@v1")

	require.NoError(t, r.Register("worker-1", []Tag{tag}))

	err := r.Register("worker-1", []Tag{tag})
	require.Error(t, err)
	assert.Equal(t, types.AGENT_DUPLICATE, types.CodeOf(err))
	assert.Equal(t, 1, r.Count())
}

func TestRegister_RejectsInvalidTag(t *testing.T) {
	r := NewRegistry()

	err := r.Register("worker-1", []Tag{{Name: "Bad Name", Version: 1}})
	require.Error(t, err)
	assert.Equal(t, types.CAPABILITY_INVALID, types.CodeOf(err))
	assert.False(t, r.IsRegistered("worker-1"))

	err = r.Register("worker-2", nil)
	require.Error(t, err)
	assert.Equal(t, types.CAPABILITY_INVALID, types.CodeOf(err))
}

func TestDeregister_Idempotent(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("worker-1", []Tag{MustParseTag("generate")}))

	r.Deregister("worker-1")
	assert.False(t, r.IsRegistered("worker-1"))

	// Second deregistration is a no-op.
	r.Deregister("worker-1")
	assert.Equal(t, 0, r.Count())
}

func TestDiscover_NoneCapableIsRetryable(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("worker-1", []Tag{MustParseTag("generate@v1")}))

	_, err := r.Discover(MustParseTag("assemble@v1"))
	require.Error(t, err)
	assert.Equal(t, types.AGENT_NONE_CAPABLE, types.CodeOf(err))
	assert.True(t, types.IsRetryable(err))

	// An offered version below the requirement is not a match either.
	_, err = r.Discover(MustParseTag("generate@v2"))
	require.Error(t, err)
	assert.Equal(t, types.AGENT_NONE_CAPABLE, types.CodeOf(err))
}

func TestDiscover_VersionCompatibility(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("worker-v3", []Tag{MustParseTag("generate@v3")}))

	ids, err := r.Discover(MustParseTag("generate@v1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"worker-v3"}, ids)
}

func TestDiscover_IdleBeforeBusy(t *testing.T) {
	r := NewRegistry()
	tag := MustParseTag("generate@v1")
	require.NoError(t, r.Register("worker-a", []Tag{tag}))
	require.NoError(t, r.Register("worker-b", []Tag{tag}))

	require.True(t, r.Claim("worker-a"))

	ids, err := r.Discover(tag)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, "worker-b", ids[0], "idle agent must come first")
}

func TestDiscover_LeastRecentlyReleasedFirst(t *testing.T) {
	r := NewRegistry()
	tag := MustParseTag("generate@v1")
	require.NoError(t, r.Register("worker-a", []Tag{tag}))
	require.NoError(t, r.Register("worker-b", []Tag{tag}))

	// Release worker-a after worker-b: worker-b becomes least recently
	// released and should be preferred.
	require.True(t, r.Claim("worker-b"))
	r.Release("worker-b")
	time.Sleep(5 * time.Millisecond)
	require.True(t, r.Claim("worker-a"))
	r.Release("worker-a")

	ids, err := r.Discover(tag)
	require.NoError(t, err)
	assert.Equal(t, []string{"worker-b", "worker-a"}, ids)
}

func TestDiscover_SkipsUnreachable(t *testing.T) {
	r := NewRegistry(WithUnreachableThreshold(1))
	tag := MustParseTag("generate@v1")
	require.NoError(t, r.Register("worker-1", []Tag{tag}))

	r.MarkTimeout("worker-1")

	_, err := r.Discover(tag)
	require.Error(t, err)
	assert.Equal(t, types.AGENT_NONE_CAPABLE, types.CodeOf(err))
}

func TestClaim_AtMostOneWinner(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("worker-1", []Tag{MustParseTag("generate")}))

	const racers = 32
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if r.Claim("worker-1") {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one concurrent claim may succeed")
}

func TestClaim_FailsForBusyOrUnknown(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("worker-1", []Tag{MustParseTag("generate")}))

	assert.False(t, r.Claim("ghost"))
	assert.True(t, r.Claim("worker-1"))
	assert.False(t, r.Claim("worker-1"))

	r.Release("worker-1")
	assert.True(t, r.Claim("worker-1"))
}

func TestRelease_InvokesHook(t *testing.T) {
	released := make(chan string, 1)
	r := NewRegistry(WithReleaseHook(func(agentID string) {
		released <- agentID
	}))
	require.NoError(t, r.Register("worker-1", []Tag{MustParseTag("generate")}))

	require.True(t, r.Claim("worker-1"))
	r.Release("worker-1")

	select {
	case agentID := <-released:
		assert.Equal(t, "worker-1", agentID)
	case <-time.After(time.Second):
		t.Fatal("release hook was not invoked")
	}
}

func TestRelease_IdleAgentIsNoOp(t *testing.T) {
	hookCalls := make(chan string, 1)
	r := NewRegistry(WithReleaseHook(func(agentID string) {
		hookCalls <- agentID
	}))
	require.NoError(t, r.Register("worker-1", []Tag{MustParseTag("generate")}))

	r.Release("worker-1")

	select {
	case <-hookCalls:
		t.Fatal("hook must not fire for an idle agent")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMarkTimeout_StrikesToUnreachable(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("worker-1", []Tag{MustParseTag("generate")}))

	assert.Equal(t, 1, r.MarkTimeout("worker-1"))
	assert.Equal(t, 2, r.MarkTimeout("worker-1"))
	assert.Equal(t, 3, r.MarkTimeout("worker-1"))

	desc, err := r.Get("worker-1")
	require.NoError(t, err)
	assert.Equal(t, AvailabilityUnreachable, desc.Availability)
}

func TestHeartbeat_RecoversUnreachable(t *testing.T) {
	r := NewRegistry(WithUnreachableThreshold(1))
	tag := MustParseTag("generate")
	require.NoError(t, r.Register("worker-1", []Tag{tag}))

	r.MarkTimeout("worker-1")
	desc, err := r.Get("worker-1")
	require.NoError(t, err)
	require.Equal(t, AvailabilityUnreachable, desc.Availability)

	require.NoError(t, r.Heartbeat("worker-1"))

	desc, err = r.Get("worker-1")
	require.NoError(t, err)
	assert.Equal(t, AvailabilityIdle, desc.Availability)
	assert.Equal(t, 0, desc.TimeoutStrikes)

	ids, err := r.Discover(tag)
	require.NoError(t, err)
	assert.Equal(t, []string{"worker-1"}, ids)
}

func TestHeartbeat_UnknownAgent(t *testing.T) {
	r := NewRegistry()
	err := r.Heartbeat("ghost")
	require.Error(t, err)
	assert.Equal(t, types.AGENT_NOT_FOUND, types.CodeOf(err))
}

func TestHealth_DegradedWithUnreachableAgents(t *testing.T) {
	r := NewRegistry(WithUnreachableThreshold(1))
	require.NoError(t, r.Register("worker-1", []Tag{MustParseTag("generate")}))
	require.NoError(t, r.Register("worker-2", []Tag{MustParseTag("assemble")}))

	assert.Equal(t, types.HealthStateHealthy, r.Health(context.Background()).State)

	r.MarkTimeout("worker-2")
	assert.Equal(t, types.HealthStateDegraded, r.Health(context.Background()).State)
}

func TestList_SortedCopies(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("worker-b", []Tag{MustParseTag("generate")}))
	require.NoError(t, r.Register("worker-a", []Tag{MustParseTag("assemble")}))

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "worker-a", list[0].AgentID)
	assert.Equal(t, "worker-b", list[1].AgentID)

	// Mutating the returned descriptor must not touch registry state.
	list[0].Capabilities[0] = MustParseTag("other")
	desc, err := r.Get("worker-a")
	require.NoError(t, err)
	assert.Equal(t, "assemble", desc.Capabilities[0].Name)
}
