package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/agentmesh/agentmesh/internal/broker/fake"
	"github.com/agentmesh/agentmesh/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(fake.New(), "proj1", logger.Default(), 30*time.Second, 3)
}

func TestSendAndReadDirectRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	err := m.SendDirect(ctx, "agent-a", "agent-b", "text", "hi there", nil)
	require.NoError(t, err)

	msgs, hasMore, err := m.ReadDirect(ctx, "agent-b", 10, ReadFilters{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "agent-a", msgs[0].SenderAgentID)
	assert.Equal(t, "hi there", msgs[0].Body)
	assert.False(t, hasMore)
}

func TestReadDirectIsConsumeOnce(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	require.NoError(t, m.SendDirect(ctx, "agent-a", "agent-b", "text", "once", nil))

	msgs1, _, err := m.ReadDirect(ctx, "agent-b", 10, ReadFilters{})
	require.NoError(t, err)
	require.Len(t, msgs1, 1)

	msgs2, _, err := m.ReadDirect(ctx, "agent-b", 10, ReadFilters{})
	require.NoError(t, err)
	assert.Empty(t, msgs2)
}

func TestReadDirectAppliesMessageTypeFilter(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	require.NoError(t, m.SendDirect(ctx, "agent-a", "agent-b", "work-offer", "take this", nil))
	require.NoError(t, m.SendDirect(ctx, "agent-a", "agent-b", "text", "hello", nil))

	msgs, _, err := m.ReadDirect(ctx, "agent-b", 10, ReadFilters{MessageType: "text"})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Body)
}

func TestReadDirectFilteredOutMessagesAreStillConsumed(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	require.NoError(t, m.SendDirect(ctx, "agent-a", "agent-b", "work-offer", "take this", nil))

	msgs, _, err := m.ReadDirect(ctx, "agent-b", 10, ReadFilters{MessageType: "text"})
	require.NoError(t, err)
	assert.Empty(t, msgs)

	msgs2, _, err := m.ReadDirect(ctx, "agent-b", 10, ReadFilters{})
	require.NoError(t, err)
	assert.Empty(t, msgs2, "filtered-out message should have been consumed, not left pending")
}

func TestReadDirectAppliesSenderFilter(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	require.NoError(t, m.SendDirect(ctx, "agent-a", "agent-c", "text", "from a", nil))
	require.NoError(t, m.SendDirect(ctx, "agent-b", "agent-c", "text", "from b", nil))

	msgs, _, err := m.ReadDirect(ctx, "agent-c", 10, ReadFilters{SenderAgentID: "agent-b"})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "from b", msgs[0].Body)
}

func TestReadDirectOfflineRecipientQueuesMessage(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	require.NoError(t, m.SendDirect(ctx, "agent-a", "agent-offline", "text", "see you later", nil))

	msgs, _, err := m.ReadDirect(ctx, "agent-offline", 10, ReadFilters{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "see you later", msgs[0].Body)
}

func TestSendDirectRejectsEmptyBody(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	err := m.SendDirect(ctx, "agent-a", "agent-b", "text", "", nil)
	require.Error(t, err)
}

func TestEnsureInboxIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	require.NoError(t, m.EnsureInbox(ctx, "agent-z"))
	require.NoError(t, m.EnsureInbox(ctx, "agent-z"))
}
