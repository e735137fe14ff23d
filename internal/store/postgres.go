package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/thrillee/smsrouter/internal/model"
)

// dbtx is satisfied by *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store on PostgreSQL. Claims use
// SELECT ... FOR UPDATE SKIP LOCKED inside a short transaction, so racing
// workers never lock the same row and never wait on one another.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const selectMessage = `
SELECT m.id, c.id, b.name, c.identity, m.text, m.direction, m.status,
       m.created_at, m.updated_at, m.sent_at, m.delivered_at,
       m.external_id, m.in_response_to, m.locked_by, m.locked_at
FROM messages m
JOIN connections c ON c.id = m.connection_id
JOIN backends b ON b.id = c.backend_id`

func scanMessage(row pgx.Row) (*model.Message, error) {
	var (
		m          model.Message
		direction  string
		status     string
		externalID *string
		lockedBy   *string
	)
	err := row.Scan(
		&m.ID, &m.Connection.ID, &m.Connection.Backend, &m.Connection.Identity,
		&m.Text, &direction, &status,
		&m.CreatedAt, &m.UpdatedAt, &m.SentAt, &m.DeliveredAt,
		&externalID, &m.InResponseTo, &lockedBy, &m.LockedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	m.Direction = model.Direction(direction)
	m.Status = model.Status(status)
	if externalID != nil {
		m.ExternalID = *externalID
	}
	if lockedBy != nil {
		m.LockedBy = *lockedBy
	}
	return &m, nil
}

func collectMessages(rows pgx.Rows) ([]*model.Message, error) {
	defer rows.Close()
	var out []*model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func getMessage(ctx context.Context, db dbtx, id int64) (*model.Message, error) {
	return scanMessage(db.QueryRow(ctx, selectMessage+` WHERE m.id = $1`, id))
}

func (s *PostgresStore) GetOrCreateConnection(ctx context.Context, backend, identity string) (model.Connection, error) {
	conn := model.Connection{Backend: backend, Identity: identity}

	var backendID int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO backends (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`, backend).Scan(&backendID)
	if err != nil {
		return conn, fmt.Errorf("get or create backend %q: %w", backend, err)
	}

	err = s.pool.QueryRow(ctx, `
		INSERT INTO connections (backend_id, identity) VALUES ($1, $2)
		ON CONFLICT (backend_id, identity) DO UPDATE SET identity = EXCLUDED.identity
		RETURNING id`, backendID, identity).Scan(&conn.ID)
	if err != nil {
		return conn, fmt.Errorf("get or create connection %s/%s: %w", backend, identity, err)
	}
	return conn, nil
}

func (s *PostgresStore) CreateMessage(ctx context.Context, nm model.NewMessage) (*model.Message, error) {
	if nm.InResponseTo != nil {
		var direction string
		err := s.pool.QueryRow(ctx, `SELECT direction FROM messages WHERE id = $1`, *nm.InResponseTo).Scan(&direction)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("check in_response_to: %w", err)
		}
		if model.Direction(direction) != model.DirectionIncoming {
			return nil, ErrInvalidReference
		}
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (connection_id, text, direction, status, in_response_to)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		nm.Connection.ID, nm.Text, string(nm.Direction), string(nm.Status), nm.InResponseTo,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return getMessage(ctx, s.pool, id)
}

func (s *PostgresStore) GetMessage(ctx context.Context, id int64) (*model.Message, error) {
	return getMessage(ctx, s.pool, id)
}

func (s *PostgresStore) FindByExternalID(ctx context.Context, externalID string) (*model.Message, error) {
	if externalID == "" {
		return nil, ErrNotFound
	}
	return scanMessage(s.pool.QueryRow(ctx,
		selectMessage+` WHERE m.external_id = $1 ORDER BY m.id DESC LIMIT 1`, externalID))
}

func (s *PostgresStore) ListMessages(ctx context.Context, p ListParams) ([]*model.Message, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if p.Status != "" {
		add("m.status = $%d", string(p.Status))
	}
	if p.Direction != "" {
		add("m.direction = $%d", string(p.Direction))
	}
	if p.Backend != "" {
		add("b.name = $%d", p.Backend)
	}

	q := selectMessage
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY m.id"
	if p.Limit > 0 {
		args = append(args, p.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if p.Offset > 0 {
		args = append(args, p.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return collectMessages(rows)
}

func (s *PostgresStore) Responses(ctx context.Context, id int64) ([]*model.Message, error) {
	rows, err := s.pool.Query(ctx, selectMessage+` WHERE m.in_response_to = $1 ORDER BY m.id`, id)
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	return collectMessages(rows)
}

func (s *PostgresStore) DeliveryErrors(ctx context.Context, id int64) ([]model.DeliveryError, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, message_id, log, created_at
		FROM delivery_errors WHERE message_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("list delivery errors: %w", err)
	}
	defer rows.Close()

	var out []model.DeliveryError
	for rows.Next() {
		var de model.DeliveryError
		if err := rows.Scan(&de.ID, &de.MessageID, &de.Log, &de.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, de)
	}
	return out, rows.Err()
}

// transition is the single conditional write used for every status change.
// A non-empty workerID additionally requires the row to be Locked by that
// worker when it is Locked at all.
func transition(ctx context.Context, db dbtx, id int64, to model.Status, externalID, workerID string) (*model.Message, error) {
	tag, err := db.Exec(ctx, `
		UPDATE messages SET
			status       = $2::text,
			updated_at   = now(),
			sent_at      = CASE WHEN $2::text = 'S' THEN now() ELSE sent_at END,
			delivered_at = CASE WHEN $2::text = 'D' THEN now() ELSE delivered_at END,
			external_id  = COALESCE(NULLIF($4::text, ''), external_id),
			locked_by    = NULL,
			locked_at    = NULL
		WHERE id = $1 AND status = ANY($3::text[])
		  AND ($5::text = '' OR status <> 'L' OR locked_by = $5::text)`,
		id, string(to), statusStrings(model.AllowedFrom(to)), externalID, workerID)
	if err != nil {
		return nil, fmt.Errorf("update message %d to %s: %w", id, to, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, rejected(ctx, db, id, to, workerID)
	}
	return getMessage(ctx, db, id)
}

// rejected explains why a conditional write touched no row.
func rejected(ctx context.Context, db dbtx, id int64, to model.Status, workerID string) error {
	current, err := getMessage(ctx, db, id)
	if err != nil {
		return err
	}
	if workerID != "" {
		if err := checkOwner(current, workerID); err != nil {
			return err
		}
	}
	return &TransitionError{ID: id, From: current.Status, To: to}
}

func (s *PostgresStore) Transition(ctx context.Context, id int64, to model.Status) (*model.Message, error) {
	if to == model.StatusLocked {
		return nil, fmt.Errorf("%w: use Claim to lock a message", ErrInvalidTransition)
	}
	return transition(ctx, s.pool, id, to, "", "")
}

func (s *PostgresStore) MarkSent(ctx context.Context, id int64, workerID, externalID string) (*model.Message, error) {
	return transition(ctx, s.pool, id, model.StatusSent, externalID, workerID)
}

func (s *PostgresStore) Release(ctx context.Context, id int64, workerID string, delay time.Duration) (*model.Message, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET
			status       = 'Q',
			updated_at   = now(),
			locked_by    = NULL,
			locked_at    = NULL,
			available_at = now() + make_interval(secs => $3)
		WHERE id = $1 AND status = 'L' AND locked_by = $2`,
		id, workerID, delay.Seconds())
	if err != nil {
		return nil, fmt.Errorf("release message %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, rejected(ctx, s.pool, id, model.StatusQueued, workerID)
	}
	return getMessage(ctx, s.pool, id)
}

func (s *PostgresStore) Claim(ctx context.Context, workerID string) (*model.Message, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id int64
	err = tx.QueryRow(ctx, `
		SELECT id FROM messages
		WHERE direction = 'O' AND status = 'Q'
		  AND (available_at IS NULL OR available_at <= now())
		ORDER BY created_at, id
		LIMIT 1
		FOR UPDATE SKIP LOCKED`).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoMessage
		}
		return nil, fmt.Errorf("select claimable message: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE messages
		SET status = 'L', locked_by = $2, locked_at = now(), updated_at = now(), available_at = NULL
		WHERE id = $1`, id, workerID)
	if err != nil {
		return nil, fmt.Errorf("lock message %d: %w", id, err)
	}

	m, err := getMessage(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) RecordFailure(ctx context.Context, id int64, workerID string, retryLimit int, buildLog FailureLogFunc) (*model.Message, int, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, 0, fmt.Errorf("begin record failure: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// row lock serialises concurrent failure bookkeeping for one message
	var (
		status   string
		lockedBy *string
	)
	err = tx.QueryRow(ctx, `SELECT status, locked_by FROM messages WHERE id = $1 FOR UPDATE`, id).Scan(&status, &lockedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("lock message %d: %w", id, err)
	}
	owner := model.Message{ID: id, Status: model.Status(status)}
	if lockedBy != nil {
		owner.LockedBy = *lockedBy
	}
	if err := checkOwner(&owner, workerID); err != nil {
		return nil, 0, err
	}

	var previous int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM delivery_errors WHERE message_id = $1`, id).Scan(&previous); err != nil {
		return nil, 0, fmt.Errorf("count delivery errors: %w", err)
	}
	attempt := previous + 1
	to := failureStatus(attempt, retryLimit)
	if !model.CanTransition(model.Status(status), to) {
		return nil, 0, &TransitionError{ID: id, From: model.Status(status), To: to}
	}

	_, err = tx.Exec(ctx, `INSERT INTO delivery_errors (message_id, log) VALUES ($1, $2)`,
		id, buildLog(attempt, to == model.StatusFailed))
	if err != nil {
		return nil, 0, fmt.Errorf("insert delivery error: %w", err)
	}

	m, err := transition(ctx, tx, id, to, "", workerID)
	if err != nil {
		return nil, 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, 0, fmt.Errorf("commit record failure: %w", err)
	}
	return m, attempt, nil
}

func (s *PostgresStore) CountDeliverable(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM messages WHERE direction = 'O' AND status = 'Q'`).Scan(&n)
	return n, err
}

func (s *PostgresStore) ReleaseStaleLocks(ctx context.Context, lockedBefore time.Time, limit int) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET status = 'Q', locked_by = NULL, locked_at = NULL, updated_at = now()
		WHERE id IN (
			SELECT id FROM messages
			WHERE status = 'L' AND locked_at < $1
			ORDER BY locked_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)`, lockedBefore, limit)
	if err != nil {
		return 0, fmt.Errorf("release stale locks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) RequeueErrored(ctx context.Context, limit int) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET status = 'Q', updated_at = now()
		WHERE id IN (
			SELECT id FROM messages
			WHERE direction = 'O' AND status = 'E'
			ORDER BY updated_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)`, limit)
	if err != nil {
		return 0, fmt.Errorf("requeue errored: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) TouchStaleQueued(ctx context.Context, updatedBefore time.Time, limit int) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET updated_at = now()
		WHERE id IN (
			SELECT id FROM messages
			WHERE direction = 'O' AND status = 'Q' AND updated_at <= $1
			ORDER BY id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)`, updatedBefore, limit)
	if err != nil {
		return 0, fmt.Errorf("touch stale queued: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) NormalizeConnections(ctx context.Context, normalize func(string) string) ([]Remap, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin normalize: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT c.id, c.backend_id, b.name, c.identity
		FROM connections c JOIN backends b ON b.id = c.backend_id
		ORDER BY c.id
		FOR UPDATE OF c`)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	type row struct {
		id, backendID int64
		backend       string
		identity      string
	}
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.backendID, &r.backend, &r.identity); err != nil {
			rows.Close()
			return nil, err
		}
		all = append(all, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []Remap
	for _, r := range all {
		normalized := normalize(r.identity)
		if normalized == r.identity {
			continue
		}
		remap := Remap{ConnectionID: r.id, Backend: r.backend, From: r.identity, To: normalized}

		var exists bool
		err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM connections WHERE backend_id = $1 AND identity = $2)`,
			r.backendID, normalized).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("check collision: %w", err)
		}
		remap.Collision = exists
		if !exists {
			if _, err := tx.Exec(ctx, `UPDATE connections SET identity = $2 WHERE id = $1`, r.id, normalized); err != nil {
				return nil, fmt.Errorf("remap connection %d: %w", r.id, err)
			}
		}
		out = append(out, remap)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit normalize: %w", err)
	}
	return out, nil
}

var _ Store = (*PostgresStore)(nil)
