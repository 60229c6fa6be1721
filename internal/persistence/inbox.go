package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/organizer/internal/audit"
	"github.com/basket/organizer/internal/bus"
)

type InboxStatus string

const (
	InboxNew     InboxStatus = "NEW"
	InboxClaimed InboxStatus = "CLAIMED"
	InboxDone    InboxStatus = "DONE"
	InboxFailed  InboxStatus = "FAILED"
	InboxDead    InboxStatus = "DEAD"
)

// Inbox item kinds written by the adapters.
const (
	KindText     = "text"
	KindCommand  = "command"
	KindCallback = "callback"
)

const (
	defaultInboxPriority = 100
	DefaultMaxAttempts   = 5
)

type InboxItem struct {
	ID         int64           `json:"id"`
	Source     string          `json:"source"`
	ChatID     int64           `json:"origin_chat_id"`
	UpdateID   int64           `json:"origin_update_id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	Status     InboxStatus     `json:"status"`
	Priority   int             `json:"priority"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error,omitempty"`
	ClaimedBy  string          `json:"claimed_by,omitempty"`
	ClaimedAt  *time.Time      `json:"claimed_at,omitempty"`
	LeaseUntil *time.Time      `json:"lease_until,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// SourceMsgID is the idempotency key derived from the delivery identity.
func (i InboxItem) SourceMsgID() string {
	return fmt.Sprintf("%s:%d:%d", i.Source, i.ChatID, i.UpdateID)
}

type EnqueueParams struct {
	Source   string
	ChatID   int64
	UpdateID int64
	Kind     string
	Payload  json.RawMessage
	// Priority orders claims, lowest first. Zero means the default (100),
	// so explicit priorities start at 1.
	Priority int
}

type EnqueueResult struct {
	Inserted bool  `json:"inserted"`
	ItemID   int64 `json:"item_id"`
	DepthNew int   `json:"depth_new"`
}

// FailureDecision describes what Fail did with an item.
type FailureDecision struct {
	Outcome          InboxStatus `json:"outcome"`
	Attempt          int         `json:"attempt"`
	MaxAttempts      int         `json:"max_attempts"`
	ReasonCode       string      `json:"reason_code"`
	ErrorFingerprint string      `json:"error_fingerprint"`
}

// QueueDepth counts inbox items per status.
type QueueDepth struct {
	New     int `json:"new"`
	Claimed int `json:"claimed"`
	Failed  int `json:"failed"`
	Done    int `json:"done"`
	Dead    int `json:"dead"`
}

// Active counts items that still need processing. This is the "total" the
// backpressure threshold is compared against; DONE and DEAD rows are retained
// forever and would otherwise eventually lock the queue.
func (d QueueDepth) Active() int {
	return d.New + d.Claimed + d.Failed
}

// Backpressure holds the admission thresholds for producers.
type Backpressure struct {
	MaxNew   int
	MaxTotal int
	Mode     string // "reject" or "off"
}

const inboxColumns = `id, source, origin_chat_id, origin_update_id, kind, payload, status, priority,
	attempts, COALESCE(last_error, ''), COALESCE(claimed_by, ''), claimed_at, lease_until,
	created_at, updated_at`

func scanInboxItem(scanFn func(dest ...any) error, item *InboxItem) error {
	var payload string
	var claimedAt, leaseUntil sql.NullString
	var createdAt, updatedAt string
	if err := scanFn(
		&item.ID,
		&item.Source,
		&item.ChatID,
		&item.UpdateID,
		&item.Kind,
		&payload,
		&item.Status,
		&item.Priority,
		&item.Attempts,
		&item.LastError,
		&item.ClaimedBy,
		&claimedAt,
		&leaseUntil,
		&createdAt,
		&updatedAt,
	); err != nil {
		return err
	}
	item.Payload = json.RawMessage(payload)
	var err error
	if item.ClaimedAt, err = scanNullTime(claimedAt); err != nil {
		return err
	}
	if item.LeaseUntil, err = scanNullTime(leaseUntil); err != nil {
		return err
	}
	if item.CreatedAt, err = parseTime(createdAt); err != nil {
		return err
	}
	if item.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return err
	}
	return nil
}

// Enqueue inserts a NEW item. A repeated delivery identity is a no-op that
// returns the existing item id with Inserted=false.
func (s *Store) Enqueue(ctx context.Context, p EnqueueParams) (EnqueueResult, error) {
	p.Source = strings.TrimSpace(p.Source)
	if p.Source == "" {
		return EnqueueResult{}, fmt.Errorf("enqueue: source is required: %w", ErrInvalidInput)
	}
	if p.Kind == "" {
		p.Kind = KindText
	}
	if len(p.Payload) == 0 {
		p.Payload = json.RawMessage(`{}`)
	}
	if !json.Valid(p.Payload) {
		return EnqueueResult{}, fmt.Errorf("enqueue: payload is not valid JSON: %w", ErrInvalidInput)
	}
	if p.Priority < 0 {
		return EnqueueResult{}, fmt.Errorf("enqueue: priority %d is negative: %w", p.Priority, ErrInvalidInput)
	}
	if p.Priority == 0 {
		p.Priority = defaultInboxPriority
	}

	var result EnqueueResult
	err := s.withTx(ctx, "enqueue", func(tx *sql.Tx) error {
		result = EnqueueResult{}
		now := formatTime(s.Now())
		res, err := tx.ExecContext(ctx, `
			INSERT INTO inbox_queue (source, origin_chat_id, origin_update_id, kind, payload, status, priority, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(source, origin_chat_id, origin_update_id) DO NOTHING;
		`, p.Source, p.ChatID, p.UpdateID, p.Kind, string(p.Payload), InboxNew, p.Priority, now, now)
		if err != nil {
			return fmt.Errorf("insert inbox item: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("enqueue rows affected: %w", err)
		}
		if n == 1 {
			result.Inserted = true
			if result.ItemID, err = res.LastInsertId(); err != nil {
				return fmt.Errorf("enqueue last insert id: %w", err)
			}
		} else if err := tx.QueryRowContext(ctx, `
			SELECT id FROM inbox_queue
			WHERE source = ? AND origin_chat_id = ? AND origin_update_id = ?;
		`, p.Source, p.ChatID, p.UpdateID).Scan(&result.ItemID); err != nil {
			return fmt.Errorf("select existing inbox item: %w", err)
		}
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM inbox_queue WHERE status = ?;`, InboxNew).Scan(&result.DepthNew); err != nil {
			return fmt.Errorf("count new inbox items: %w", err)
		}
		return nil
	})
	if err != nil {
		return EnqueueResult{}, err
	}
	if result.Inserted {
		s.bus.Publish(bus.TopicInboxEnqueued, bus.InboxEnqueuedEvent{
			ItemID:   result.ItemID,
			Source:   p.Source,
			ChatID:   p.ChatID,
			Kind:     p.Kind,
			DepthNew: result.DepthNew,
		})
	}
	return result, nil
}

// Claim leases up to batchSize items to workerID. Eligible items are NEW,
// FAILED (immediate retry), or CLAIMED with an expired lease (abandoned by a
// dead worker). Items are ordered by priority then id. Each row is taken with
// an update guarded by the status and lease observed in the same transaction.
func (s *Store) Claim(ctx context.Context, workerID string, batchSize int, lease time.Duration) ([]InboxItem, error) {
	if workerID == "" {
		return nil, fmt.Errorf("claim: worker id is required: %w", ErrInvalidInput)
	}
	if batchSize <= 0 {
		batchSize = 1
	}
	if lease <= 0 {
		return nil, fmt.Errorf("claim: lease must be positive: %w", ErrInvalidInput)
	}

	var claimed []InboxItem
	err := s.withTx(ctx, "claim", func(tx *sql.Tx) error {
		claimed = nil
		now := s.Now()
		nowText := formatTime(now)

		rows, err := tx.QueryContext(ctx, `
			SELECT `+inboxColumns+`
			FROM inbox_queue
			WHERE status IN (?, ?)
			   OR (status = ? AND lease_until IS NOT NULL AND lease_until < ?)
			ORDER BY priority ASC, id ASC
			LIMIT ?;
		`, InboxNew, InboxFailed, InboxClaimed, nowText, batchSize)
		if err != nil {
			return fmt.Errorf("select claimable inbox items: %w", err)
		}
		var candidates []InboxItem
		for rows.Next() {
			var item InboxItem
			if err := scanInboxItem(rows.Scan, &item); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan claimable inbox item: %w", err)
			}
			candidates = append(candidates, item)
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("close claimable rows: %w", err)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate claimable inbox items: %w", err)
		}

		leaseUntil := now.Add(lease)
		leaseText := formatTime(leaseUntil)
		for _, item := range candidates {
			res, err := tx.ExecContext(ctx, `
				UPDATE inbox_queue
				SET status = ?, claimed_by = ?, claimed_at = ?, lease_until = ?, updated_at = ?
				WHERE id = ? AND status = ? AND lease_until IS ?;
			`, InboxClaimed, workerID, nowText, leaseText, nowText,
				item.ID, item.Status, nullTime(item.LeaseUntil))
			if err != nil {
				return fmt.Errorf("claim inbox item %d: %w", item.ID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("claim rows affected: %w", err)
			}
			if n != 1 {
				continue
			}
			claimedAt := now
			item.Status = InboxClaimed
			item.ClaimedBy = workerID
			item.ClaimedAt = &claimedAt
			item.LeaseUntil = &leaseUntil
			item.UpdatedAt = now
			claimed = append(claimed, item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Complete marks an item DONE. The caller must still hold the claim.
func (s *Store) Complete(ctx context.Context, itemID int64, workerID string) error {
	return s.withTx(ctx, "complete inbox", func(tx *sql.Tx) error {
		now := formatTime(s.Now())
		res, err := tx.ExecContext(ctx, `
			UPDATE inbox_queue
			SET status = ?, lease_until = NULL, updated_at = ?
			WHERE id = ? AND status = ? AND claimed_by = ?;
		`, InboxDone, now, itemID, InboxClaimed, workerID)
		if err != nil {
			return fmt.Errorf("complete inbox item: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("complete rows affected: %w", err)
		}
		if n != 1 {
			return fmt.Errorf("complete inbox item %d by %s: %w", itemID, workerID, ErrLeaseLost)
		}
		return nil
	})
}

// Fail records a processing error. attempts is incremented; at maxAttempts the
// item becomes DEAD, otherwise FAILED and immediately reclaimable.
func (s *Store) Fail(ctx context.Context, itemID int64, workerID, errMsg string, maxAttempts int) (FailureDecision, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	var (
		decision FailureDecision
		item     InboxItem
	)
	err := s.withTx(ctx, "fail inbox", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+inboxColumns+` FROM inbox_queue WHERE id = ?;`, itemID)
		if err := scanInboxItem(row.Scan, &item); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("fail inbox item %d: %w", itemID, ErrNotFound)
			}
			return fmt.Errorf("select inbox item for failure: %w", err)
		}
		if item.Status != InboxClaimed || item.ClaimedBy != workerID {
			return fmt.Errorf("fail inbox item %d by %s: %w", itemID, workerID, ErrLeaseLost)
		}

		next := item.Attempts + 1
		decision = FailureDecision{
			Outcome:          InboxFailed,
			Attempt:          next,
			MaxAttempts:      maxAttempts,
			ReasonCode:       ReasonRetryProcessorError,
			ErrorFingerprint: errorFingerprint(errMsg),
		}
		if next >= maxAttempts {
			decision.Outcome = InboxDead
			decision.ReasonCode = ReasonDeadLetterMaxAttempts
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE inbox_queue
			SET status = ?, attempts = ?, last_error = ?, lease_until = NULL, updated_at = ?
			WHERE id = ? AND status = ? AND claimed_by = ?;
		`, decision.Outcome, next, errMsg, formatTime(s.Now()), itemID, InboxClaimed, workerID)
		if err != nil {
			return fmt.Errorf("fail inbox item: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("fail rows affected: %w", err)
		}
		if n != 1 {
			return fmt.Errorf("fail inbox item %d by %s: %w", itemID, workerID, ErrLeaseLost)
		}
		return nil
	})
	if err != nil {
		return FailureDecision{}, err
	}
	if decision.Outcome == InboxDead {
		audit.Record(ctx, audit.DecisionDeny, "inbox.dead_letter", decision.ReasonCode,
			fmt.Sprintf("inbox item %d (%s) after %d attempts: %s", itemID, item.SourceMsgID(), decision.Attempt, errMsg))
		s.bus.Publish(bus.TopicInboxDead, bus.InboxDeadEvent{
			ItemID:   itemID,
			Source:   item.Source,
			ChatID:   item.ChatID,
			Attempts: decision.Attempt,
			Error:    errMsg,
		})
	}
	return decision, nil
}

// ReapExpiredLeases returns abandoned CLAIMED items to NEW. Claim already
// treats expired leases as eligible; reaping makes them visible as NEW to
// depth counters and clears the stale owner.
func (s *Store) ReapExpiredLeases(ctx context.Context) (int64, error) {
	var reaped int64
	err := s.withTx(ctx, "reap expired leases", func(tx *sql.Tx) error {
		now := formatTime(s.Now())
		res, err := tx.ExecContext(ctx, `
			UPDATE inbox_queue
			SET status = ?, claimed_by = NULL, claimed_at = NULL, lease_until = NULL, updated_at = ?
			WHERE status = ? AND lease_until IS NOT NULL AND lease_until < ?;
		`, InboxNew, now, InboxClaimed, now)
		if err != nil {
			return fmt.Errorf("reap expired leases: %w", err)
		}
		reaped, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("reap rows affected: %w", err)
		}
		return nil
	})
	return reaped, err
}

// RetryDead moves a DEAD item back to NEW with attempts reset. It is the
// manual triage path; nothing calls it automatically.
func (s *Store) RetryDead(ctx context.Context, itemID int64) error {
	return s.withTx(ctx, "retry dead", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE inbox_queue
			SET status = ?, attempts = 0, claimed_by = NULL, claimed_at = NULL, lease_until = NULL, updated_at = ?
			WHERE id = ? AND status = ?;
		`, InboxNew, formatTime(s.Now()), itemID, InboxDead)
		if err != nil {
			return fmt.Errorf("retry dead inbox item: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("retry dead rows affected: %w", err)
		}
		if n != 1 {
			return fmt.Errorf("retry dead inbox item %d: %w", itemID, ErrNotFound)
		}
		return nil
	})
}

func (s *Store) GetInboxItem(ctx context.Context, itemID int64) (InboxItem, error) {
	var item InboxItem
	row := s.db.QueryRowContext(ctx, `SELECT `+inboxColumns+` FROM inbox_queue WHERE id = ?;`, itemID)
	if err := scanInboxItem(row.Scan, &item); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return InboxItem{}, fmt.Errorf("inbox item %d: %w", itemID, ErrNotFound)
		}
		return InboxItem{}, fmt.Errorf("get inbox item: %w", err)
	}
	return item, nil
}

// ListInbox returns items in the given status, newest first.
func (s *Store) ListInbox(ctx context.Context, status InboxStatus, limit int) ([]InboxItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+inboxColumns+`
		FROM inbox_queue
		WHERE status = ?
		ORDER BY id DESC
		LIMIT ?;
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list inbox: %w", err)
	}
	defer rows.Close()

	var out []InboxItem
	for rows.Next() {
		var item InboxItem
		if err := scanInboxItem(rows.Scan, &item); err != nil {
			return nil, fmt.Errorf("scan inbox item: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate inbox: %w", err)
	}
	return out, nil
}

func (s *Store) QueueDepths(ctx context.Context) (QueueDepth, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM inbox_queue GROUP BY status;`)
	if err != nil {
		return QueueDepth{}, fmt.Errorf("queue depths: %w", err)
	}
	defer rows.Close()

	var d QueueDepth
	for rows.Next() {
		var status InboxStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return QueueDepth{}, fmt.Errorf("scan queue depth: %w", err)
		}
		switch status {
		case InboxNew:
			d.New = n
		case InboxClaimed:
			d.Claimed = n
		case InboxFailed:
			d.Failed = n
		case InboxDone:
			d.Done = n
		case InboxDead:
			d.Dead = n
		}
	}
	if err := rows.Err(); err != nil {
		return QueueDepth{}, fmt.Errorf("iterate queue depths: %w", err)
	}
	return d, nil
}

// Admit checks the backpressure thresholds before a producer enqueues.
// In "reject" mode it returns ErrOverloaded once either threshold is reached.
// The depth is returned either way so producers can report it.
func (s *Store) Admit(ctx context.Context, bp Backpressure) (QueueDepth, error) {
	d, err := s.QueueDepths(ctx)
	if err != nil {
		return QueueDepth{}, err
	}
	if !strings.EqualFold(bp.Mode, "reject") {
		return d, nil
	}
	if bp.MaxNew > 0 && d.New >= bp.MaxNew {
		return d, fmt.Errorf("%d new items (max %d): %w", d.New, bp.MaxNew, ErrOverloaded)
	}
	if bp.MaxTotal > 0 && d.Active() >= bp.MaxTotal {
		return d, fmt.Errorf("%d active items (max %d): %w", d.Active(), bp.MaxTotal, ErrOverloaded)
	}
	return d, nil
}
