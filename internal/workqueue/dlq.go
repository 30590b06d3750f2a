package workqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/agentmesh/agentmesh/internal/apperr"
	"github.com/agentmesh/agentmesh/internal/broker"
	"github.com/agentmesh/agentmesh/internal/logger"
	"go.uber.org/zap"
)

const dlqBucket = "dlq"

// DefaultTTL is how long a DLQ entry is retained before it silently
// expires, absent an explicit retry or discard.
const DefaultTTL = 7 * 24 * time.Hour

// Entry is a dead-lettered WorkItem together with its failure context.
// DLQID is derived directly from the originating WorkItem's id: one
// DLQ entry ever exists per exhausted item.
type Entry struct {
	DLQID     string    `json:"dlq_id"`
	WorkItem  WorkItem  `json:"work_item"`
	LastError string    `json:"last_error"`
	FailedAt  time.Time `json:"failed_at"`
}

// DLQ stores and replays dead-lettered work items, keyed by the
// originating item's id in a single KV bucket shared across
// capabilities.
type DLQ struct {
	br     broker.Broker
	logger *logger.Logger
	ttl    time.Duration
}

// NewDLQ builds a DLQ backed by br. ttl of 0 uses DefaultTTL.
func NewDLQ(br broker.Broker, log *logger.Logger, ttl time.Duration) *DLQ {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &DLQ{br: br, logger: log, ttl: ttl}
}

// EnsureBucket creates the DLQ's KV bucket if it doesn't exist yet.
func (d *DLQ) EnsureBucket(ctx context.Context) error {
	if err := d.br.EnsureKVBucketTTL(ctx, dlqBucket, d.ttl); err != nil {
		return apperr.BrokerUnavailable("ensuring dlq bucket", err)
	}
	return nil
}

// Write records item as dead-lettered with the given failure reason.
func (d *DLQ) Write(ctx context.Context, item WorkItem, lastError string) error {
	entry := Entry{
		DLQID:     item.ID,
		WorkItem:  item,
		LastError: lastError,
		FailedAt:  time.Now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return apperr.Internal("encoding dlq entry", err)
	}
	if _, err := d.br.KVPut(ctx, dlqBucket, entry.DLQID, data); err != nil {
		return apperr.BrokerUnavailable("writing dlq entry", err)
	}
	d.logger.Warn("work item dead-lettered",
		zap.String("work_item_id", item.ID),
		zap.String("capability", item.RequiredCapability),
		zap.String("last_error", lastError),
	)
	return nil
}

// ListDLQFilters narrows dlq_list.
type ListDLQFilters struct {
	Capability string
}

// List previews DLQ entries, optionally filtered by capability,
// newest-failure-first.
func (d *DLQ) List(ctx context.Context, filters ListDLQFilters, offset, limit int) ([]Entry, int, error) {
	keys, err := d.br.KVKeys(ctx, dlqBucket)
	if err != nil {
		if err == broker.ErrBucketNotFound {
			return nil, 0, nil
		}
		return nil, 0, apperr.BrokerUnavailable("listing dlq entries", err)
	}

	var entries []Entry
	for _, key := range keys {
		entry, err := d.get(ctx, key)
		if err != nil {
			continue
		}
		if filters.Capability != "" && entry.WorkItem.RequiredCapability != filters.Capability {
			continue
		}
		entries = append(entries, *entry)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].FailedAt.After(entries[j].FailedAt)
	})

	total := len(entries)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return entries[offset:end], total, nil
}

func (d *DLQ) get(ctx context.Context, dlqID string) (*Entry, error) {
	kvEntry, err := d.br.KVGet(ctx, dlqBucket, dlqID)
	if err != nil {
		if err == broker.ErrKeyNotFound || err == broker.ErrBucketNotFound {
			return nil, apperr.NotFound("dlq entry", dlqID)
		}
		return nil, apperr.BrokerUnavailable("reading dlq entry", err)
	}
	var entry Entry
	if err := json.Unmarshal(kvEntry.Value, &entry); err != nil {
		return nil, apperr.Internal("decoding dlq entry", err)
	}
	return &entry, nil
}

// Retry re-publishes the DLQ entry's WorkItem to its originating
// capability stream and removes the entry. If resetAttempts is set,
// the republished item's Attempts field is zeroed.
func (d *DLQ) Retry(ctx context.Context, manager *Manager, itemID string, resetAttempts bool) (*WorkItem, error) {
	entry, err := d.get(ctx, itemID)
	if err != nil {
		return nil, err
	}

	item := entry.WorkItem
	if resetAttempts {
		item.Attempts = 0
	}
	item.OfferedAt = time.Now().UTC()

	if err := manager.publish(ctx, &item); err != nil {
		return nil, err
	}

	if err := d.delete(ctx, itemID); err != nil {
		return nil, err
	}

	d.logger.Info("dlq entry retried", zap.String("work_item_id", itemID))
	return &item, nil
}

// Discard removes a DLQ entry without re-publishing it.
func (d *DLQ) Discard(ctx context.Context, itemID string) error {
	if _, err := d.get(ctx, itemID); err != nil {
		return err
	}
	if err := d.delete(ctx, itemID); err != nil {
		return err
	}
	d.logger.Info("dlq entry discarded", zap.String("work_item_id", itemID))
	return nil
}

func (d *DLQ) delete(ctx context.Context, itemID string) error {
	if err := d.br.KVDelete(ctx, dlqBucket, itemID); err != nil {
		if err == broker.ErrKeyNotFound {
			// Two callers raced (retry vs discard); the loser sees a
			// benign not-found rather than a hard failure.
			return apperr.NotFound("dlq entry", itemID)
		}
		return apperr.BrokerUnavailable(fmt.Sprintf("deleting dlq entry %q", itemID), err)
	}
	return nil
}
