package channel

import (
	"context"
	"testing"

	"github.com/agentmesh/agentmesh/internal/broker/fake"
	"github.com/agentmesh/agentmesh/internal/logger"
	"github.com/agentmesh/agentmesh/internal/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(fake.New(), "proj1", logger.Default(), DefaultChannels)
}

func TestSendAndReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	seq, _, err := m.Send(ctx, "roadmap", "agentA", "dev", "hello")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	msgs, total, err := m.Read(ctx, "roadmap", pagination.Page{Offset: 0, Limit: 50})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Body)
	assert.Equal(t, "dev", msgs[0].SenderHandle)
	assert.Equal(t, uint64(1), msgs[0].Seq)
	assert.Equal(t, uint64(1), total)
}

func TestReadEmptyChannelReturnsEmptyNotError(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	msgs, total, err := m.Read(ctx, "roadmap", pagination.Page{Offset: 0, Limit: 50})
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, uint64(0), total)
}

func TestStatusUninitializedChannel(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	st, err := m.Status(ctx, "roadmap")
	require.NoError(t, err)
	assert.False(t, st.Initialized)
}

func TestStatusMonotonicLastSeq(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	_, _, err := m.Send(ctx, "roadmap", "a", "dev", "one")
	require.NoError(t, err)
	s1, err := m.Status(ctx, "roadmap")
	require.NoError(t, err)

	_, _, err = m.Send(ctx, "roadmap", "a", "dev", "two")
	require.NoError(t, err)
	s2, err := m.Status(ctx, "roadmap")
	require.NoError(t, err)

	assert.Equal(t, uint64(1), s2.LastSeq-s1.LastSeq)
}

func TestPaginationConsistencyNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	for i := 1; i <= 12; i++ {
		_, _, err := m.Send(ctx, "parallel-work", "a", "dev", "msg")
		require.NoError(t, err)
	}

	filters := map[string]string{}
	page1, err := pagination.Resolve("", 5, 50, 1000, filters)
	require.NoError(t, err)
	msgs1, total, err := m.Read(ctx, "parallel-work", page1)
	require.NoError(t, err)
	require.Len(t, msgs1, 5)
	assert.Equal(t, uint64(12), total)
	assert.Equal(t, uint64(8), msgs1[0].Seq)
	assert.Equal(t, uint64(12), msgs1[4].Seq)

	meta1 := pagination.BuildMeta(page1, len(msgs1), filters)
	require.True(t, meta1.HasMore)

	page2, err := pagination.Resolve(meta1.NextCursor, 5, 50, 1000, filters)
	require.NoError(t, err)
	msgs2, _, err := m.Read(ctx, "parallel-work", page2)
	require.NoError(t, err)
	require.Len(t, msgs2, 5)
	assert.Equal(t, uint64(3), msgs2[0].Seq)
	assert.Equal(t, uint64(7), msgs2[4].Seq)

	meta2 := pagination.BuildMeta(page2, len(msgs2), filters)
	require.True(t, meta2.HasMore)

	page3, err := pagination.Resolve(meta2.NextCursor, 5, 50, 1000, filters)
	require.NoError(t, err)
	msgs3, _, err := m.Read(ctx, "parallel-work", page3)
	require.NoError(t, err)
	require.Len(t, msgs3, 2)
	assert.Equal(t, uint64(1), msgs3[0].Seq)
	assert.Equal(t, uint64(2), msgs3[1].Seq)

	meta3 := pagination.BuildMeta(page3, len(msgs3), filters)
	assert.False(t, meta3.HasMore)

	seen := map[uint64]bool{}
	for _, m := range append(append(msgs1, msgs2...), msgs3...) {
		assert.False(t, seen[m.Seq], "message seq %d seen twice", m.Seq)
		seen[m.Seq] = true
	}
	assert.Len(t, seen, 12)
}

func TestInvalidChannelNameRejected(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	_, _, err := m.Send(ctx, "Not Valid!", "a", "dev", "hi")
	require.Error(t, err)
}

func TestListReturnsDefaultChannelsSorted(t *testing.T) {
	m := newTestManager(t)
	specs := m.List()
	require.Len(t, specs, 3)
	assert.Equal(t, "errors", specs[0].Name)
	assert.Equal(t, "parallel-work", specs[1].Name)
	assert.Equal(t, "roadmap", specs[2].Name)
}
