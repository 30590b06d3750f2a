// Package channel implements the append-only, per-project topic
// channels agents publish and read from: one broker stream per
// channel, newest-first windowed reads, and non-destructive status.
package channel

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
	"github.com/agentmesh/agentmesh/internal/pagination"
	"go.uber.org/zap"
)

var channelNamePattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// DefaultChannels are created automatically for every project. The
// channel set is not read from configuration; cmd/agentmesh passes this
// list to NewManager as is.
var DefaultChannels = []Spec{
	{Name: "roadmap", Description: "Plans and milestones for the current project"},
	{Name: "parallel-work", Description: "Coordination chatter between agents working concurrently"},
	{Name: "errors", Description: "Failures and anomalies worth the fleet's attention"},
}

// Spec describes a channel's identity and retention policy.
type Spec struct {
	Name        string
	Description string
	MaxMessages int64
	MaxAge      time.Duration
}

// Message is one published, immutable channel entry.
type Message struct {
	SenderAgentID string    `json:"sender_agent_id"`
	SenderHandle  string    `json:"sender_handle"`
	Timestamp     time.Time `json:"timestamp"`
	Body          string    `json:"body"`
	Seq           uint64    `json:"seq"`
}

// Status reports a channel's stream metadata without consuming it.
type Status struct {
	Channel     string `json:"channel"`
	Initialized bool   `json:"initialized"`
	Messages    uint64 `json:"messages"`
	Bytes       uint64 `json:"bytes"`
	FirstSeq    uint64 `json:"first_seq"`
	LastSeq     uint64 `json:"last_seq"`
}

// Manager owns the lifecycle and traffic of all channels within one
// project namespace.
type Manager struct {
	br        broker.Broker
	projectID string
	logger    *logger.Logger

	mu       sync.Mutex
	known    map[string]Spec
}

// NewManager builds a Manager and seeds it with the given channel
// specs (typically DefaultChannels plus any configured extras).
func NewManager(br broker.Broker, projectID string, log *logger.Logger, specs []Spec) *Manager {
	known := make(map[string]Spec, len(specs))
	for _, s := range specs {
		known[s.Name] = s
	}
	return &Manager{br: br, projectID: projectID, logger: log, known: known}
}

func (m *Manager) streamName(channel string) string {
	return fmt.Sprintf("CHANNEL_%s_%s", m.projectID, channel)
}

func (m *Manager) subject(channel string) string {
	return fmt.Sprintf("project.%s.channel.%s", m.projectID, channel)
}

// ValidateName checks a channel name against the lowercase-kebab
// identifier format.
func ValidateName(name string) error {
	if !channelNamePattern.MatchString(name) {
		return apperr.InvalidArgument(fmt.Sprintf("channel name %q must match [a-z0-9-]+", name))
	}
	return nil
}

// Ensure creates the channel's stream if it doesn't already exist and
// records it in the known-channels index.
func (m *Manager) Ensure(ctx context.Context, spec Spec) error {
	if err := ValidateName(spec.Name); err != nil {
		return err
	}

	m.mu.Lock()
	m.known[spec.Name] = spec
	m.mu.Unlock()

	err := m.br.EnsureStream(ctx, broker.StreamConfig{
		Name:     m.streamName(spec.Name),
		Subjects: []string{m.subject(spec.Name)},
		MaxAge:   spec.MaxAge,
		MaxMsgs:  spec.MaxMessages,
	})
	if err != nil {
		return apperr.BrokerUnavailable(fmt.Sprintf("ensuring channel %q", spec.Name), err)
	}
	return nil
}

// List returns every known channel, sorted by name.
func (m *Manager) List() []Spec {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Spec, 0, len(m.known))
	for _, s := range m.known {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type wireMessage struct {
	SenderAgentID string    `json:"sender_agent_id"`
	SenderHandle  string    `json:"sender_handle"`
	Timestamp     time.Time `json:"timestamp"`
	Body          string    `json:"body"`
}

// Send appends a message to channel, auto-creating its stream on first
// use, and returns the broker-assigned sequence number and timestamp.
func (m *Manager) Send(ctx context.Context, channelName, senderAgentID, senderHandle, body string) (uint64, time.Time, error) {
	if err := ValidateName(channelName); err != nil {
		return 0, time.Time{}, err
	}
	if body == "" {
		return 0, time.Time{}, apperr.InvalidArgument("message body must not be empty")
	}

	if err := m.ensureKnown(ctx, channelName); err != nil {
		return 0, time.Time{}, err
	}

	now := time.Now().UTC()
	payload, err := json.Marshal(wireMessage{
		SenderAgentID: senderAgentID,
		SenderHandle:  senderHandle,
		Timestamp:     now,
		Body:          body,
	})
	if err != nil {
		return 0, time.Time{}, apperr.Internal("encoding channel message", err)
	}

	seq, err := m.br.Publish(ctx, m.subject(channelName), payload)
	if err != nil {
		return 0, time.Time{}, apperr.BrokerUnavailable(fmt.Sprintf("publishing to channel %q", channelName), err)
	}
	return seq, now, nil
}

// ensureKnown lazily creates a channel stream the first time it is
// addressed, covering channels not in the configured default set.
func (m *Manager) ensureKnown(ctx context.Context, channelName string) error {
	m.mu.Lock()
	_, ok := m.known[channelName]
	m.mu.Unlock()
	if ok {
		return nil
	}
	return m.Ensure(ctx, Spec{Name: channelName})
}

// Status reports stream metadata for channel without creating a
// consumer or acknowledging anything. An uninitialized channel returns
// Initialized=false rather than an error.
func (m *Manager) Status(ctx context.Context, channelName string) (*Status, error) {
	info, err := m.br.StreamInfo(ctx, m.streamName(channelName))
	if err != nil {
		if err == broker.ErrStreamNotFound {
			return &Status{Channel: channelName, Initialized: false}, nil
		}
		return nil, apperr.BrokerUnavailable(fmt.Sprintf("reading status of channel %q", channelName), err)
	}
	return &Status{
		Channel:     channelName,
		Initialized: true,
		Messages:    info.Messages,
		Bytes:       info.Bytes,
		FirstSeq:    info.FirstSeq,
		LastSeq:     info.LastSeq,
	}, nil
}

// StatusAll reports status for every known channel.
func (m *Manager) StatusAll(ctx context.Context) ([]*Status, error) {
	specs := m.List()
	out := make([]*Status, 0, len(specs))
	for _, s := range specs {
		st, err := m.Status(ctx, s.Name)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// Read returns a newest-first window of messages from channel. offset
// counts back from the newest message (offset=0 starts at the newest);
// up to limit messages are returned, oldest-to-newest within the page.
func (m *Manager) Read(ctx context.Context, channelName string, page pagination.Page) ([]Message, uint64, error) {
	if err := ValidateName(channelName); err != nil {
		return nil, 0, err
	}

	status, err := m.Status(ctx, channelName)
	if err != nil {
		return nil, 0, err
	}
	if !status.Initialized || status.Messages == 0 {
		return nil, 0, nil
	}

	// The newest message is at LastSeq; offset 0 means "start there".
	startSeq := int64(status.LastSeq) - int64(page.Offset)
	if startSeq < int64(status.FirstSeq) {
		return nil, status.Messages, nil
	}

	var out []Message
	stream := m.streamName(channelName)
	for seq := startSeq; seq >= int64(status.FirstSeq) && len(out) < page.Limit; seq-- {
		raw, err := m.br.GetMessage(ctx, stream, uint64(seq))
		if err != nil {
			if err == broker.ErrMessageNotFound {
				continue
			}
			return nil, 0, apperr.BrokerUnavailable(fmt.Sprintf("reading channel %q", channelName), err)
		}
		var wm wireMessage
		if jsonErr := json.Unmarshal(raw.Data, &wm); jsonErr != nil {
			m.logger.Warn("skipping unparseable channel message", zap.String("channel", channelName), zap.Uint64("seq", uint64(seq)))
			continue
		}
		out = append(out, Message{
			SenderAgentID: wm.SenderAgentID,
			SenderHandle:  wm.SenderHandle,
			Timestamp:     wm.Timestamp,
			Body:          wm.Body,
			Seq:           uint64(seq),
		})
	}

	return out, status.Messages, nil
}
