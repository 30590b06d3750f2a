// Package workqueue implements per-capability work distribution:
// broadcast, non-destructive preview, at-most-once claim under
// competing-consumer semantics, and routing exhausted items to the
// dead-letter queue.
package workqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/agentmesh/agentmesh/internal/apperr"
	"github.com/agentmesh/agentmesh/internal/broker"
	"github.com/agentmesh/agentmesh/internal/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const claimConsumerName = "work-claimant"

var sanitizePattern = regexp.MustCompile(`[^A-Za-z0-9]`)

// WorkItem is one unit of distributable work.
type WorkItem struct {
	ID                 string                 `json:"id"`
	TaskID             string                 `json:"task_id"`
	Description        string                 `json:"description"`
	RequiredCapability string                 `json:"required_capability"`
	Priority           int                    `json:"priority"`
	Deadline           *time.Time             `json:"deadline,omitempty"`
	ContextData        map[string]interface{} `json:"context_data,omitempty"`
	Scope              string                 `json:"scope,omitempty"`
	Attempts           int                    `json:"attempts"`
	OfferedAt          time.Time              `json:"offered_at"`
}

// Manager distributes WorkItems across capability-scoped work streams.
type Manager struct {
	br         broker.Broker
	dlq        *DLQ
	logger     *logger.Logger
	ackWait    time.Duration
	maxDeliver int

	mu    sync.Mutex
	known map[string]bool
}

// NewManager builds a work queue Manager. ackWait/maxDeliver configure
// every capability's shared claim consumer.
func NewManager(br broker.Broker, dlq *DLQ, log *logger.Logger, ackWait time.Duration, maxDeliver int) *Manager {
	return &Manager{br: br, dlq: dlq, logger: log, ackWait: ackWait, maxDeliver: maxDeliver, known: make(map[string]bool)}
}

// Capabilities lists every capability this Manager has ever ensured a
// stream for, sorted, used by work_queue_status when the caller omits
// a specific capability.
func (m *Manager) Capabilities() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.known))
	for c := range m.known {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func streamName(capability string) string {
	return fmt.Sprintf("WORKQUEUE_%s", sanitizePattern.ReplaceAllString(capability, "_"))
}

func subject(capability string) string {
	return fmt.Sprintf("global.workqueue.%s", capability)
}

func (m *Manager) ensureStream(ctx context.Context, capability string) error {
	err := m.br.EnsureStream(ctx, broker.StreamConfig{
		Name:      streamName(capability),
		Subjects:  []string{subject(capability)},
		Retention: broker.RetentionWorkQueue,
	})
	if err != nil {
		return apperr.BrokerUnavailable(fmt.Sprintf("ensuring work stream for capability %q", capability), err)
	}

	m.mu.Lock()
	alreadyKnown := m.known[capability]
	m.known[capability] = true
	m.mu.Unlock()
	if alreadyKnown {
		return nil
	}

	// Create the shared claim consumer here, at stream-ensure time, not
	// lazily on first Claim: it must use DeliverNew so a claimant never
	// replays a capability's full history, and creating it eagerly means
	// a broadcast published before the first claim is still seen rather
	// than skipped as "old" history.
	if _, err := m.claimConsumer(ctx, capability); err != nil {
		return err
	}
	return nil
}

func (m *Manager) claimConsumer(ctx context.Context, capability string) (broker.Consumer, error) {
	consumer, err := m.br.PullConsumer(ctx, streamName(capability), broker.ConsumerConfig{
		Durable:       claimConsumerName,
		DeliverPolicy: broker.DeliverNew,
		AckWait:       m.ackWait,
		MaxDeliver:    m.maxDeliver + 1,
	})
	if err != nil {
		return nil, apperr.BrokerUnavailable(fmt.Sprintf("opening claim consumer for capability %q", capability), err)
	}
	return consumer, nil
}

// BroadcastRequest carries the caller-supplied fields for Broadcast.
type BroadcastRequest struct {
	ID                 string
	TaskID             string
	Description        string
	RequiredCapability string
	Priority           int
	Deadline           *time.Time
	ContextData        map[string]interface{}
	Scope              string
}

// Broadcast validates and publishes a new WorkItem to its capability
// stream. The item's attempts field starts at 0.
func (m *Manager) Broadcast(ctx context.Context, req BroadcastRequest) (*WorkItem, error) {
	if req.RequiredCapability == "" {
		return nil, apperr.InvalidArgument("required_capability is required")
	}
	parsedID, err := uuid.Parse(req.ID)
	if err != nil || parsedID.Version() != 4 {
		return nil, apperr.InvalidArgument(fmt.Sprintf("work item id %q must be a UUID v4", req.ID))
	}
	if req.Priority == 0 {
		req.Priority = 5
	}
	if req.Priority < 1 || req.Priority > 10 {
		return nil, apperr.InvalidArgument("priority must be between 1 and 10")
	}

	item := &WorkItem{
		ID:                 req.ID,
		TaskID:             req.TaskID,
		Description:        req.Description,
		RequiredCapability: req.RequiredCapability,
		Priority:           req.Priority,
		Deadline:           req.Deadline,
		ContextData:        req.ContextData,
		Scope:              req.Scope,
		Attempts:           0,
		OfferedAt:          time.Now().UTC(),
	}

	if err := m.publish(ctx, item); err != nil {
		return nil, err
	}

	m.logger.Info("work item broadcast",
		zap.String("work_item_id", item.ID),
		zap.String("capability", item.RequiredCapability),
		zap.Int("priority", item.Priority),
	)
	return item, nil
}

func (m *Manager) publish(ctx context.Context, item *WorkItem) error {
	if err := m.ensureStream(ctx, item.RequiredCapability); err != nil {
		return err
	}
	data, err := json.Marshal(item)
	if err != nil {
		return apperr.Internal("encoding work item", err)
	}
	if _, err := m.br.Publish(ctx, subject(item.RequiredCapability), data); err != nil {
		return apperr.BrokerUnavailable(fmt.Sprintf("publishing work item to capability %q", item.RequiredCapability), err)
	}
	return nil
}

// ListFilters narrows work_list's preview.
type ListFilters struct {
	MinPriority    int
	MaxPriority    int
	DeadlineBefore *time.Time
	DeadlineAfter  *time.Time
}

func (f ListFilters) matches(item WorkItem) bool {
	if f.MinPriority != 0 && item.Priority < f.MinPriority {
		return false
	}
	if f.MaxPriority != 0 && item.Priority > f.MaxPriority {
		return false
	}
	if f.DeadlineBefore != nil && (item.Deadline == nil || !item.Deadline.Before(*f.DeadlineBefore)) {
		return false
	}
	if f.DeadlineAfter != nil && (item.Deadline == nil || !item.Deadline.After(*f.DeadlineAfter)) {
		return false
	}
	return true
}

// List previews the pending items of a capability queue without
// claiming or acknowledging anything. Repeated calls return the same
// set while no claims or broadcasts occur.
func (m *Manager) List(ctx context.Context, capability string, limit int, filters ListFilters) ([]WorkItem, int, error) {
	if limit <= 0 {
		limit = 50
	}

	info, err := m.br.StreamInfo(ctx, streamName(capability))
	if err != nil {
		if err == broker.ErrStreamNotFound {
			return nil, 0, nil
		}
		return nil, 0, apperr.BrokerUnavailable(fmt.Sprintf("reading work stream for capability %q", capability), err)
	}
	if info.Messages == 0 {
		return nil, 0, nil
	}

	var items []WorkItem
	for seq := info.FirstSeq; seq <= info.LastSeq && uint64(len(items)) < info.Messages; seq++ {
		raw, err := m.br.GetMessage(ctx, streamName(capability), seq)
		if err != nil {
			if err == broker.ErrMessageNotFound {
				continue
			}
			return nil, 0, apperr.BrokerUnavailable(fmt.Sprintf("previewing work stream for capability %q", capability), err)
		}
		var item WorkItem
		if jsonErr := json.Unmarshal(raw.Data, &item); jsonErr != nil {
			m.logger.Warn("skipping unparseable work item", zap.String("capability", capability), zap.Uint64("seq", seq))
			continue
		}
		items = append(items, item)
	}

	sortByPriorityThenOfferedAt(items)

	total := len(items)
	if len(items) > limit {
		items = items[:limit]
	}

	var out []WorkItem
	for _, item := range items {
		if filters.matches(item) {
			out = append(out, item)
		}
	}
	return out, total, nil
}

// Claim opens (or reuses) the shared durable consumer for capability
// and fetches exactly one WorkItem within timeout. Acknowledgement
// happens immediately on successful parse: claiming is the commit. If
// the delivered message has already exceeded max_deliver, it is routed
// to the DLQ instead of being returned, and the claim keeps trying
// within its remaining timeout budget. Returns apperr.NoWorkAvailable
// if nothing could be claimed before the deadline.
func (m *Manager) Claim(ctx context.Context, capability string, timeout time.Duration) (*WorkItem, error) {
	if timeout < time.Second {
		timeout = time.Second
	}
	if timeout > 60*time.Second {
		timeout = 60 * time.Second
	}

	if err := m.ensureStream(ctx, capability); err != nil {
		return nil, err
	}

	consumer, err := m.claimConsumer(ctx, capability)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, apperr.NoWorkAvailable(capability)
		}

		batch, err := consumer.Fetch(ctx, 1, remaining)
		if err != nil {
			return nil, apperr.BrokerUnavailable(fmt.Sprintf("claiming work for capability %q", capability), err)
		}
		if len(batch) == 0 {
			return nil, apperr.NoWorkAvailable(capability)
		}
		msg := batch[0]

		var item WorkItem
		if jsonErr := json.Unmarshal(msg.Data(), &item); jsonErr != nil {
			m.deadLetter(ctx, capability, nil, msg.Data(), fmt.Sprintf("unparseable work item: %v", jsonErr))
			_ = msg.Ack()
			continue
		}

		deliveries := int(msg.Deliveries())
		if deliveries > m.maxDeliver {
			// deliveries counts this extra detection fetch beyond the
			// max_deliver failed attempts the caller configured; report
			// the configured ceiling as the exhausted attempt count.
			item.Attempts = m.maxDeliver
			m.deadLetter(ctx, capability, &item, nil, "max delivery attempts exceeded")
			_ = msg.Ack()
			continue
		}

		// deliveries counts this delivery itself; report only the prior
		// failed attempts so a fresh claim reads attempts=0.
		item.Attempts = deliveries - 1
		if err := msg.Ack(); err != nil {
			return nil, apperr.BrokerUnavailable("acknowledging claimed work item", err)
		}

		m.logger.Info("work item claimed",
			zap.String("work_item_id", item.ID),
			zap.String("capability", capability),
			zap.Int("attempts", item.Attempts),
		)
		return &item, nil
	}
}

func (m *Manager) deadLetter(ctx context.Context, capability string, item *WorkItem, rawData []byte, lastError string) {
	if m.dlq == nil {
		return
	}
	if item == nil {
		item = &WorkItem{RequiredCapability: capability, OfferedAt: time.Now().UTC()}
		_ = json.Unmarshal(rawData, item)
	}
	if err := m.dlq.Write(ctx, *item, lastError); err != nil {
		m.logger.Error("failed to write dead-lettered work item",
			zap.String("work_item_id", item.ID), zap.Error(err))
	}
}

// QueueStatus reports a capability queue's stream metadata.
type QueueStatus struct {
	Capability   string `json:"capability"`
	PendingItems uint64 `json:"pending_items"`
	Bytes        uint64 `json:"bytes"`
}

// Status reports how many items are pending for capability.
func (m *Manager) Status(ctx context.Context, capability string) (*QueueStatus, error) {
	info, err := m.br.StreamInfo(ctx, streamName(capability))
	if err != nil {
		if err == broker.ErrStreamNotFound {
			return &QueueStatus{Capability: capability}, nil
		}
		return nil, apperr.BrokerUnavailable(fmt.Sprintf("reading status of capability %q", capability), err)
	}
	return &QueueStatus{Capability: capability, PendingItems: info.Messages, Bytes: info.Bytes}, nil
}
