// Package registry implements agent presence: registration, heartbeat,
// visibility-scoped discovery, and deregistration, all backed by one
// KV bucket of agent records keyed by AgentID.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/agentmesh/agentmesh/internal/apperr"
	"github.com/agentmesh/agentmesh/internal/broker"
	"github.com/agentmesh/agentmesh/internal/logger"
	"github.com/agentmesh/agentmesh/internal/pagination"
	"go.uber.org/zap"
)

const bucketName = "registry"

// Visibility controls who may see an agent record through discover or
// get_info.
type Visibility string

const (
	VisibilityPrivate     Visibility = "private"
	VisibilityProjectOnly Visibility = "project-only"
	VisibilityUserOnly    Visibility = "user-only"
	VisibilityPublic      Visibility = "public"
)

func validVisibility(v Visibility) bool {
	switch v {
	case VisibilityPrivate, VisibilityProjectOnly, VisibilityUserOnly, VisibilityPublic:
		return true
	}
	return false
}

// Status is an agent's liveness/workload state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// Record is one agent's presence entry.
type Record struct {
	AgentID            string                 `json:"agent_id"`
	Handle             string                 `json:"handle"`
	Hostname           string                 `json:"hostname"`
	Username           string                 `json:"username"`
	ProjectID          string                 `json:"project_id"`
	AgentType          string                 `json:"agent_type"`
	Capabilities       []string               `json:"capabilities"`
	Visibility         Visibility             `json:"visibility"`
	Status             Status                 `json:"status"`
	CurrentTaskCount   int                    `json:"current_task_count"`
	MaxConcurrentTasks int                    `json:"max_concurrent_tasks"`
	LastHeartbeat      time.Time              `json:"last_heartbeat"`
	LastActivity       time.Time              `json:"last_activity"`
	RegisteredAt       time.Time              `json:"registered_at"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
}

// InboxProvisioner is the narrow capability registration needs from
// the messaging component: ensure a durable inbox exists for a newly
// registered agent. Defined here, implemented by messaging.Manager, to
// avoid registry depending on messaging's full surface.
type InboxProvisioner interface {
	EnsureInbox(ctx context.Context, agentID string) error
}

// Self identifies the process calling into the registry: every
// mutating operation acts on this identity's own record.
type Self struct {
	AgentID   string
	Hostname  string
	Username  string
	ProjectID string
}

// Registry manages agent presence for one process's self-identity.
type Registry struct {
	br     broker.Broker
	self   Self
	inbox  InboxProvisioner
	logger *logger.Logger
}

// NewRegistry builds a Registry. inbox may be nil in tests that don't
// exercise messaging.
func NewRegistry(br broker.Broker, self Self, inbox InboxProvisioner, log *logger.Logger) *Registry {
	return &Registry{br: br, self: self, inbox: inbox, logger: log}
}

// EnsureBucket creates the registry KV bucket if it doesn't exist yet.
func (r *Registry) EnsureBucket(ctx context.Context) error {
	if err := r.br.EnsureKVBucket(ctx, bucketName); err != nil {
		return apperr.BrokerUnavailable("ensuring registry bucket", err)
	}
	return nil
}

func dedupeCapabilities(caps []string) []string {
	seen := make(map[string]bool, len(caps))
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// RegisterRequest carries the caller-supplied fields for Register.
type RegisterRequest struct {
	AgentType          string
	Capabilities       []string
	Visibility         Visibility
	Handle             string
	MaxConcurrentTasks int
	Metadata           map[string]interface{}
}

// Register creates or refreshes the caller's own agent record. It is
// idempotent on AgentID: calling it twice updates the same record
// rather than creating a duplicate, and RegisteredAt never regresses.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*Record, error) {
	if req.AgentType == "" {
		return nil, apperr.InvalidArgument("agent_type is required")
	}
	visibility := req.Visibility
	if visibility == "" {
		visibility = VisibilityProjectOnly
	}
	if !validVisibility(visibility) {
		return nil, apperr.InvalidArgument(fmt.Sprintf("unknown visibility %q", visibility))
	}

	now := time.Now().UTC()
	existing, _, err := r.getRaw(ctx, r.self.AgentID)
	if err != nil && apperr.Code(err) != apperr.CodeNotFound {
		return nil, err
	}

	handle := req.Handle
	registeredAt := now
	if existing != nil {
		registeredAt = existing.RegisteredAt
		if handle == "" {
			handle = existing.Handle
		}
	}
	if handle == "" {
		handle = fmt.Sprintf("%s-%s", req.AgentType, r.self.AgentID[:6])
	}

	maxConcurrent := req.MaxConcurrentTasks
	if maxConcurrent == 0 {
		maxConcurrent = 1
	}

	record := &Record{
		AgentID:            r.self.AgentID,
		Handle:             handle,
		Hostname:           r.self.Hostname,
		Username:           r.self.Username,
		ProjectID:          r.self.ProjectID,
		AgentType:          req.AgentType,
		Capabilities:       dedupeCapabilities(req.Capabilities),
		Visibility:         visibility,
		Status:             StatusOnline,
		CurrentTaskCount:   0,
		MaxConcurrentTasks: maxConcurrent,
		LastHeartbeat:      now,
		LastActivity:       now,
		RegisteredAt:       registeredAt,
		Metadata:           req.Metadata,
	}

	if err := r.put(ctx, record); err != nil {
		return nil, err
	}

	if r.inbox != nil {
		if err := r.inbox.EnsureInbox(ctx, r.self.AgentID); err != nil {
			return nil, apperr.Wrap(err, "ensuring inbox for newly registered agent")
		}
	}

	r.logger.Info("agent registered", zap.String("agent_id", r.self.AgentID), zap.String("agent_type", req.AgentType))
	return record, nil
}

func (r *Registry) put(ctx context.Context, record *Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return apperr.Internal("encoding agent record", err)
	}
	if _, err := r.br.KVPut(ctx, bucketName, record.AgentID, data); err != nil {
		return apperr.BrokerUnavailable("writing agent record", err)
	}
	return nil
}

// getRaw fetches a record and its KV revision, translating a missing
// key into apperr.NotFound.
func (r *Registry) getRaw(ctx context.Context, agentID string) (*Record, uint64, error) {
	entry, err := r.br.KVGet(ctx, bucketName, agentID)
	if err != nil {
		if err == broker.ErrKeyNotFound || err == broker.ErrBucketNotFound {
			return nil, 0, apperr.NotFound("agent", agentID)
		}
		return nil, 0, apperr.BrokerUnavailable("reading agent record", err)
	}
	var record Record
	if err := json.Unmarshal(entry.Value, &record); err != nil {
		return nil, 0, apperr.Internal("decoding agent record", err)
	}
	return &record, entry.Revision, nil
}

// canSee reports whether the caller's identity satisfies the record's
// visibility policy.
func (r *Registry) canSee(record *Record) bool {
	switch record.Visibility {
	case VisibilityPublic:
		return true
	case VisibilityPrivate:
		return record.AgentID == r.self.AgentID
	case VisibilityUserOnly:
		return record.Username == r.self.Username
	case VisibilityProjectOnly, "":
		return record.ProjectID == r.self.ProjectID
	default:
		return false
	}
}

// GetInfo fetches a single record by AgentID, subject to visibility.
func (r *Registry) GetInfo(ctx context.Context, agentID string) (*Record, error) {
	record, _, err := r.getRaw(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !r.canSee(record) {
		return nil, apperr.PermissionDenied(fmt.Sprintf("agent %q is not visible to caller", agentID))
	}
	return record, nil
}

// DiscoverFilters narrows the set of records Discover returns. Empty
// fields are not filtered on.
type DiscoverFilters struct {
	AgentType  string
	Capability string
	Status     Status
	Hostname   string
}

func matchesFilters(r *Record, f DiscoverFilters) bool {
	if f.AgentType != "" && r.AgentType != f.AgentType {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Hostname != "" && r.Hostname != f.Hostname {
		return false
	}
	if f.Capability != "" {
		found := false
		for _, c := range r.Capabilities {
			if c == f.Capability {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// FilterMap renders the filters into the string map pagination hashes
// cursors against.
func (f DiscoverFilters) FilterMap() map[string]string {
	m := map[string]string{}
	if f.AgentType != "" {
		m["agent_type"] = f.AgentType
	}
	if f.Capability != "" {
		m["capability"] = f.Capability
	}
	if f.Status != "" {
		m["status"] = string(f.Status)
	}
	if f.Hostname != "" {
		m["hostname"] = f.Hostname
	}
	return m
}

// Discover scans the registry for records matching every provided
// filter and visible to the caller, ordered by LastHeartbeat
// descending, with total reflecting the unfiltered-by-pagination match
// count.
func (r *Registry) Discover(ctx context.Context, filters DiscoverFilters, page pagination.Page) ([]*Record, int, error) {
	return r.discover(ctx, filters, page, false)
}

// DiscoverAdmin scans the registry like Discover but bypasses
// per-record visibility, including private records. It exists only
// for the operator-facing admin surface, which gates its use behind a
// configured admin token.
func (r *Registry) DiscoverAdmin(ctx context.Context, filters DiscoverFilters, page pagination.Page) ([]*Record, int, error) {
	return r.discover(ctx, filters, page, true)
}

func (r *Registry) discover(ctx context.Context, filters DiscoverFilters, page pagination.Page, bypassVisibility bool) ([]*Record, int, error) {
	keys, err := r.br.KVKeys(ctx, bucketName)
	if err != nil {
		if err == broker.ErrBucketNotFound {
			return nil, 0, nil
		}
		return nil, 0, apperr.BrokerUnavailable("listing registry keys", err)
	}

	var matches []*Record
	for _, key := range keys {
		record, _, err := r.getRaw(ctx, key)
		if err != nil {
			continue
		}
		if !bypassVisibility && !r.canSee(record) {
			continue
		}
		if !matchesFilters(record, filters) {
			continue
		}
		matches = append(matches, record)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].LastHeartbeat.After(matches[j].LastHeartbeat)
	})

	total := len(matches)
	start := page.Offset
	if start > total {
		start = total
	}
	end := start + page.Limit
	if end > total {
		end = total
	}
	return matches[start:end], total, nil
}

// UpdatePresenceRequest carries the fields Caller may update on its
// own record.
type UpdatePresenceRequest struct {
	Status           Status
	CurrentTaskCount *int
}

// UpdatePresence mutates status and/or current_task_count on the
// caller's own record, and always refreshes last_activity.
func (r *Registry) UpdatePresence(ctx context.Context, req UpdatePresenceRequest) (*Record, error) {
	record, _, err := r.getRaw(ctx, r.self.AgentID)
	if err != nil {
		if apperr.Code(err) == apperr.CodeNotFound {
			return nil, apperr.NotRegistered(r.self.AgentID)
		}
		return nil, err
	}

	if req.Status != "" {
		record.Status = req.Status
	}
	if req.CurrentTaskCount != nil {
		record.CurrentTaskCount = *req.CurrentTaskCount
	}
	record.LastActivity = time.Now().UTC()

	if err := r.put(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// Heartbeat refreshes the caller's own LastHeartbeat and LastActivity
// without otherwise mutating the record. Most tool calls implicitly
// heartbeat; this is the explicit path.
func (r *Registry) Heartbeat(ctx context.Context) error {
	record, _, err := r.getRaw(ctx, r.self.AgentID)
	if err != nil {
		if apperr.Code(err) == apperr.CodeNotFound {
			return apperr.NotRegistered(r.self.AgentID)
		}
		return err
	}
	now := time.Now().UTC()
	record.LastHeartbeat = now
	record.LastActivity = now
	return r.put(ctx, record)
}

// SetHandle updates the caller's own display handle.
func (r *Registry) SetHandle(ctx context.Context, handle string) (*Record, error) {
	if handle == "" {
		return nil, apperr.InvalidArgument("handle is required")
	}
	record, _, err := r.getRaw(ctx, r.self.AgentID)
	if err != nil {
		if apperr.Code(err) == apperr.CodeNotFound {
			return nil, apperr.NotRegistered(r.self.AgentID)
		}
		return nil, err
	}
	record.Handle = handle
	record.LastActivity = time.Now().UTC()
	if err := r.put(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// Deregister deletes the caller's own record.
func (r *Registry) Deregister(ctx context.Context) error {
	if err := r.br.KVDelete(ctx, bucketName, r.self.AgentID); err != nil {
		if err == broker.ErrKeyNotFound {
			return apperr.NotRegistered(r.self.AgentID)
		}
		return apperr.BrokerUnavailable("deregistering agent", err)
	}
	r.logger.Info("agent deregistered", zap.String("agent_id", r.self.AgentID))
	return nil
}

// RequireRegistered returns NotRegistered if the caller has not
// registered yet; other components call this as a precondition before
// operations that assume a live presence record.
func (r *Registry) RequireRegistered(ctx context.Context) error {
	_, _, err := r.getRaw(ctx, r.self.AgentID)
	if err != nil {
		if apperr.Code(err) == apperr.CodeNotFound {
			return apperr.NotRegistered(r.self.AgentID)
		}
		return err
	}
	return nil
}

// Self exposes the registry's own identity, used by components that
// need to stamp the caller's AgentID/handle on records they create.
func (r *Registry) Self() Self {
	return r.self
}
