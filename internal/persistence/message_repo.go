package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/skobkin/meshbot/internal/domain"
)

const messageColumns = `seq, id, interface_id, source, destination, channel, body, is_dm, status,
	revision, attempt_count, defer_count, last_attempt_at, next_retry_at, last_error, cancel_requested,
	created_at, updated_at`

// MessageRepo implements domain.MessageRepository using SQLite.
type MessageRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewMessageRepo(db *sql.DB) *MessageRepo {
	return &MessageRepo{db: db, now: time.Now}
}

func (r *MessageRepo) Insert(ctx context.Context, m domain.Message) (domain.Message, error) {
	now := r.now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO messages(id, interface_id, source, destination, channel, ordering_key, body, is_dm, status,
			attempt_count, defer_count, last_attempt_at, next_retry_at, last_error, cancel_requested, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.InterfaceID, m.Source, m.Destination, m.Channel, m.OrderingKey(), m.Text, boolToInt(m.IsDM), string(m.Status),
		m.AttemptCount, m.DeferCount, toUnixMillis(m.LastAttemptAt), toUnixMillis(m.NextRetryAt), m.LastError,
		boolToInt(m.CancelRequested), toUnixMillis(m.CreatedAt), toUnixMillis(m.UpdatedAt))
	if err != nil {
		return domain.Message{}, fmt.Errorf("insert message: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return domain.Message{}, fmt.Errorf("get message seq: %w", err)
	}
	m.Seq = seq

	return m, nil
}

// UpdateStatus moves the message from the status and revision held by
// current to the given status. It reports false when the stored row has moved
// on since current was read; the revision is bumped on every applied swap.
func (r *MessageRepo) UpdateStatus(
	ctx context.Context,
	current domain.Message,
	to domain.MessageStatus,
	upd domain.StatusUpdate,
) (bool, error) {
	from := current.Status
	if !domain.CanTransition(from, to) {
		return false, fmt.Errorf("update message status: illegal transition %s -> %s", from, to)
	}

	sets := []string{"status = ?", "revision = revision + 1", "updated_at = ?"}
	args := []any{string(to), toUnixMillis(r.now())}
	if upd.AttemptCount != nil {
		sets = append(sets, "attempt_count = ?")
		args = append(args, *upd.AttemptCount)
	}
	if upd.DeferCount != nil {
		sets = append(sets, "defer_count = ?")
		args = append(args, *upd.DeferCount)
	}
	if upd.LastAttemptAt != nil {
		sets = append(sets, "last_attempt_at = ?")
		args = append(args, toUnixMillis(*upd.LastAttemptAt))
	}
	if upd.NextRetryAt != nil {
		sets = append(sets, "next_retry_at = ?")
		args = append(args, toUnixMillis(*upd.NextRetryAt))
	}
	if upd.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, *upd.LastError)
	}
	if upd.CancelRequested != nil {
		sets = append(sets, "cancel_requested = ?")
		args = append(args, boolToInt(*upd.CancelRequested))
	}
	where := "id = ? AND status = ? AND revision = ?"
	args = append(args, current.ID, string(from), current.Revision)
	if upd.DueBy != nil {
		where += " AND next_retry_at <= ?"
		args = append(args, toUnixMillis(*upd.DueBy))
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE messages SET `+strings.Join(sets, ", ")+` WHERE `+where,
		args...,
	)
	if err != nil {
		return false, fmt.Errorf("update message status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update message status rows: %w", err)
	}

	return affected == 1, nil
}

// RequestCancel flags a message whose in-flight attempt should end in cancellation.
func (r *MessageRepo) RequestCancel(ctx context.Context, id string, status domain.MessageStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE messages SET cancel_requested = 1, updated_at = ?
		WHERE id = ? AND status = ?
	`, toUnixMillis(r.now()), id, string(status))
	if err != nil {
		return false, fmt.Errorf("request message cancel: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("request message cancel rows: %w", err)
	}

	return affected == 1, nil
}

// SelectDue returns the head of every ordering key whose head is queued or
// parked as undelivered and due. A key with an earlier unresolved message
// yields nothing.
func (r *MessageRepo) SelectDue(ctx context.Context, now time.Time, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 100
	}

	return r.query(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		WHERE m.status IN (?, ?) AND m.next_retry_at <= ?
		AND NOT EXISTS (
			SELECT 1 FROM messages p
			WHERE p.ordering_key = m.ordering_key
			AND p.seq < m.seq
			AND p.status IN (?, ?, ?)
		)
		ORDER BY m.next_retry_at, m.seq
		LIMIT ?
	`, string(domain.MessageStatusQueued), string(domain.MessageStatusUndelivered), toUnixMillis(now),
		string(domain.MessageStatusQueued), string(domain.MessageStatusSending), string(domain.MessageStatusUndelivered),
		limit)
}

func (r *MessageRepo) SelectByStatus(ctx context.Context, status domain.MessageStatus, interfaceID string) ([]domain.Message, error) {
	if interfaceID == "" {
		return r.query(ctx, `SELECT `+messageColumns+` FROM messages WHERE status = ? ORDER BY seq`, string(status))
	}

	return r.query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE status = ? AND interface_id = ?
		ORDER BY seq
	`, string(status), interfaceID)
}

func (r *MessageRepo) SelectStuck(ctx context.Context, status domain.MessageStatus, attemptedBefore time.Time) ([]domain.Message, error) {
	return r.query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE status = ? AND last_attempt_at < ?
		ORDER BY seq
	`, string(status), toUnixMillis(attemptedBefore))
}

func (r *MessageRepo) Get(ctx context.Context, id string) (domain.Message, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Message{}, fmt.Errorf("message %q: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Message{}, err
	}

	return m, nil
}

func (r *MessageRepo) List(ctx context.Context, filter domain.MessageFilter) ([]domain.Message, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Destination != "" {
		where = append(where, "destination = ?")
		args = append(args, filter.Destination)
	}
	if filter.InterfaceID != "" {
		where = append(where, "interface_id = ?")
		args = append(args, filter.InterfaceID)
	}

	query := `SELECT ` + messageColumns + ` FROM messages`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY seq DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	return r.query(ctx, query, args...)
}

func (r *MessageRepo) CountByStatus(ctx context.Context) (map[domain.MessageStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM messages GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count messages by status: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	out := make(map[domain.MessageStatus]int, len(domain.AllMessageStatuses))
	for _, status := range domain.AllMessageStatuses {
		out[status] = 0
	}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		out[domain.MessageStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	return out, nil
}

func (r *MessageRepo) query(ctx context.Context, query string, args ...any) ([]domain.Message, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return out, nil
}

func scanMessage(scanner rowScanner) (domain.Message, error) {
	var (
		m               domain.Message
		status          string
		isDM            int64
		cancelRequested int64
		lastAttemptMs   int64
		nextRetryMs     int64
		createdMs       int64
		updatedMs       int64
	)
	if err := scanner.Scan(
		&m.Seq, &m.ID, &m.InterfaceID, &m.Source, &m.Destination, &m.Channel, &m.Text, &isDM, &status,
		&m.Revision, &m.AttemptCount, &m.DeferCount, &lastAttemptMs, &nextRetryMs, &m.LastError, &cancelRequested,
		&createdMs, &updatedMs,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Message{}, err
		}
		return domain.Message{}, fmt.Errorf("scan message: %w", err)
	}
	m.Status = domain.MessageStatus(status)
	m.IsDM = isDM != 0
	m.CancelRequested = cancelRequested != 0
	m.LastAttemptAt = fromUnixMillis(lastAttemptMs)
	m.NextRetryAt = fromUnixMillis(nextRetryMs)
	m.CreatedAt = fromUnixMillis(createdMs)
	m.UpdatedAt = fromUnixMillis(updatedMs)

	return m, nil
}
