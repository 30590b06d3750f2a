// Package messaging implements point-to-point agent communication: one
// durable inbox stream per agent, offline queueing, and consume-once
// pull reads with post-filters.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentmesh/agentmesh/internal/apperr"
	"github.com/agentmesh/agentmesh/internal/broker"
	"github.com/agentmesh/agentmesh/internal/logger"
	"go.uber.org/zap"
)

const inboxConsumerName = "inbox-reader"

// Message is one delivered direct message.
type Message struct {
	SenderAgentID    string                 `json:"sender_agent_id"`
	RecipientAgentID string                 `json:"recipient_agent_id"`
	MessageType      string                 `json:"message_type"`
	Timestamp        time.Time              `json:"timestamp"`
	Body             string                 `json:"body"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// Manager owns every agent's inbox within one project namespace.
type Manager struct {
	br         broker.Broker
	projectID  string
	logger     *logger.Logger
	ackWait    time.Duration
	maxDeliver int
}

// NewManager builds an inbox Manager. ackWait/maxDeliver size the pull
// consumer each agent's own reads create on its inbox.
func NewManager(br broker.Broker, projectID string, log *logger.Logger, ackWait time.Duration, maxDeliver int) *Manager {
	return &Manager{br: br, projectID: projectID, logger: log, ackWait: ackWait, maxDeliver: maxDeliver}
}

func (m *Manager) streamName(agentID string) string {
	return fmt.Sprintf("INBOX_%s_%s", m.projectID, agentID)
}

func (m *Manager) subject(agentID string) string {
	return fmt.Sprintf("project.%s.inbox.%s", m.projectID, agentID)
}

// EnsureInbox creates agentID's inbox stream if it doesn't exist yet.
// It implements registry.InboxProvisioner, letting register() ensure
// a recipient's inbox exists even before that agent ever sends or
// reads anything.
func (m *Manager) EnsureInbox(ctx context.Context, agentID string) error {
	err := m.br.EnsureStream(ctx, broker.StreamConfig{
		Name:     m.streamName(agentID),
		Subjects: []string{m.subject(agentID)},
	})
	if err != nil {
		return apperr.BrokerUnavailable(fmt.Sprintf("ensuring inbox for %q", agentID), err)
	}
	return nil
}

// SendDirect publishes one message to recipientAgentID's inbox. The
// recipient need not be online; the message remains queued in its
// durable stream until read.
func (m *Manager) SendDirect(ctx context.Context, senderAgentID, recipientAgentID, messageType, body string, metadata map[string]interface{}) error {
	if recipientAgentID == "" {
		return apperr.InvalidArgument("recipient_agent_id is required")
	}
	if body == "" {
		return apperr.InvalidArgument("message body must not be empty")
	}
	if messageType == "" {
		messageType = "text"
	}

	if err := m.EnsureInbox(ctx, recipientAgentID); err != nil {
		return err
	}

	payload, err := json.Marshal(Message{
		SenderAgentID:    senderAgentID,
		RecipientAgentID: recipientAgentID,
		MessageType:      messageType,
		Timestamp:        time.Now().UTC(),
		Body:             body,
		Metadata:         metadata,
	})
	if err != nil {
		return apperr.Internal("encoding direct message", err)
	}

	if _, err := m.br.Publish(ctx, m.subject(recipientAgentID), payload); err != nil {
		return apperr.BrokerUnavailable(fmt.Sprintf("delivering message to %q", recipientAgentID), err)
	}

	m.logger.Debug("direct message delivered",
		zap.String("sender_agent_id", senderAgentID),
		zap.String("recipient_agent_id", recipientAgentID),
		zap.String("message_type", messageType),
	)
	return nil
}

// ReadFilters narrows which pending messages ReadDirect returns. Messages
// that don't match are acknowledged and dropped just like ones that do:
// once delivered by the broker, a message is consumed regardless of
// whether it passes the caller's filters, matching the "read is
// consume-once" contract.
type ReadFilters struct {
	MessageType   string
	SenderAgentID string
}

func (f ReadFilters) matches(msg Message) bool {
	if f.MessageType != "" && msg.MessageType != f.MessageType {
		return false
	}
	if f.SenderAgentID != "" && msg.SenderAgentID != f.SenderAgentID {
		return false
	}
	return true
}

// ReadDirect fetches up to limit pending messages from callerAgentID's
// own inbox, acknowledging every message the broker hands back (so it
// is never redelivered) and returning only the subset matching
// filters. hasMore reports whether the fetch returned a full batch,
// a signal (not a guarantee) that another read may find more waiting.
func (m *Manager) ReadDirect(ctx context.Context, callerAgentID string, limit int, filters ReadFilters) ([]Message, bool, error) {
	if limit <= 0 {
		limit = 20
	}

	streamName := m.streamName(callerAgentID)
	if err := m.EnsureInbox(ctx, callerAgentID); err != nil {
		return nil, false, err
	}

	consumer, err := m.br.PullConsumer(ctx, streamName, broker.ConsumerConfig{
		Durable:       inboxConsumerName,
		DeliverPolicy: broker.DeliverAll,
		AckWait:       m.ackWait,
		MaxDeliver:    m.maxDeliver,
	})
	if err != nil {
		return nil, false, apperr.BrokerUnavailable(fmt.Sprintf("opening inbox reader for %q", callerAgentID), err)
	}

	batch, err := consumer.Fetch(ctx, limit, 500*time.Millisecond)
	if err != nil {
		return nil, false, apperr.BrokerUnavailable(fmt.Sprintf("reading inbox for %q", callerAgentID), err)
	}

	var out []Message
	for _, raw := range batch {
		var msg Message
		if jsonErr := json.Unmarshal(raw.Data(), &msg); jsonErr != nil {
			m.logger.Warn("skipping unparseable direct message", zap.String("agent_id", callerAgentID))
			_ = raw.Ack()
			continue
		}
		if ackErr := raw.Ack(); ackErr != nil {
			return out, false, apperr.BrokerUnavailable("acknowledging direct message", ackErr)
		}
		if filters.matches(msg) {
			out = append(out, msg)
		}
	}

	return out, len(batch) == limit, nil
}
