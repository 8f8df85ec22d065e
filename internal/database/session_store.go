package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"VoiceCallRelay/internal/session"
)

const schema = `
CREATE TABLE IF NOT EXISTS call_sessions (
	call_sid                   TEXT PRIMARY KEY,
	stream_sid                 TEXT NOT NULL,
	from_number                TEXT NOT NULL,
	to_number                  TEXT NOT NULL DEFAULT '',
	status                     TEXT NOT NULL CHECK (status IN ('active', 'ended', 'expired', 'error')),
	started_at                 TIMESTAMPTZ NOT NULL,
	ended_at                   TIMESTAMPTZ,
	expires_at                 TIMESTAMPTZ NOT NULL,
	duration_seconds           DOUBLE PRECISION,
	decode_errors              INTEGER NOT NULL DEFAULT 0,
	last_error                 TEXT NOT NULL DEFAULT '',
	recording_sid              TEXT,
	recording_url              TEXT,
	recording_duration_seconds INTEGER
);
CREATE INDEX IF NOT EXISTS call_sessions_active_expiry_idx
	ON call_sessions (expires_at) WHERE status = 'active';
`

const selectColumns = `call_sid, stream_sid, from_number, to_number, status, started_at, ended_at,
	expires_at, duration_seconds, decode_errors, last_error,
	recording_sid, recording_url, recording_duration_seconds`

// SessionStore 基于PostgreSQL的会话存储
type SessionStore struct {
	pool *pgxpool.Pool
}

var _ session.Store = (*SessionStore)(nil)

// NewSessionStore 创建存储
func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

// EnsureSchema 建表
func (s *SessionStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create call_sessions schema: %w", err)
	}
	return nil
}

// Create 新建会话，call_sid已存在时不做任何修改
func (s *SessionStore) Create(ctx context.Context, cs *session.CallSession) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO call_sessions (call_sid, stream_sid, from_number, to_number, status, started_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (call_sid) DO NOTHING`,
		cs.CallSid, cs.StreamSid, cs.FromNumber, cs.ToNumber, string(cs.Status), cs.StartedAt, cs.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert call session %s: %w", cs.CallSid, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", session.ErrDuplicateCall, cs.CallSid)
	}
	return nil
}

// Get 读取会话
func (s *SessionStore) Get(ctx context.Context, callSid string) (*session.CallSession, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM call_sessions WHERE call_sid = $1`, callSid)
	cs, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", session.ErrNotFound, callSid)
	}
	if err != nil {
		return nil, fmt.Errorf("select call session %s: %w", callSid, err)
	}
	return cs, nil
}

// Finish 写入终态，只对active行生效
func (s *SessionStore) Finish(ctx context.Context, cs *session.CallSession) error {
	if !cs.Status.IsTerminal() {
		return fmt.Errorf("%w: finish with status %s", session.ErrInvalidTransition, cs.Status)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE call_sessions
		SET status = $2, ended_at = $3, duration_seconds = $4, decode_errors = $5, last_error = $6
		WHERE call_sid = $1 AND status = 'active'`,
		cs.CallSid, string(cs.Status), cs.EndedAt, cs.DurationSeconds, cs.DecodeErrors, cs.LastError)
	if err != nil {
		return fmt.Errorf("finish call session %s: %w", cs.CallSid, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	existing, err := s.Get(ctx, cs.CallSid)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s", session.ErrInvalidTransition, existing.Status, cs.Status)
}

// AttachRecording 追加录音信息，终态会话同样允许
func (s *SessionStore) AttachRecording(ctx context.Context, callSid string, rec session.Recording) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE call_sessions
		SET recording_sid = $2, recording_url = $3, recording_duration_seconds = $4
		WHERE call_sid = $1`,
		callSid, rec.Sid, rec.URL, rec.DurationSeconds)
	if err != nil {
		return fmt.Errorf("attach recording to %s: %w", callSid, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", session.ErrNotFound, callSid)
	}
	return nil
}

// ExpireStale 把超过expires_at仍为active的会话标记为expired
func (s *SessionStore) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE call_sessions
		SET status = 'expired',
			ended_at = GREATEST($1::timestamptz, started_at),
			duration_seconds = GREATEST(EXTRACT(EPOCH FROM ($1::timestamptz - started_at)), 0)
		WHERE status = 'active' AND expires_at < $1`,
		now)
	if err != nil {
		return 0, fmt.Errorf("expire stale sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Ping 检查连接
func (s *SessionStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanSession(row pgx.Row) (*session.CallSession, error) {
	var (
		cs          session.CallSession
		status      string
		endedAt     *time.Time
		duration    *float64
		recSid      *string
		recURL      *string
		recDuration *int32
	)
	err := row.Scan(
		&cs.CallSid, &cs.StreamSid, &cs.FromNumber, &cs.ToNumber, &status, &cs.StartedAt, &endedAt,
		&cs.ExpiresAt, &duration, &cs.DecodeErrors, &cs.LastError,
		&recSid, &recURL, &recDuration,
	)
	if err != nil {
		return nil, err
	}

	cs.Status = session.Status(status)
	cs.EndedAt = endedAt
	if duration != nil {
		cs.DurationSeconds = *duration
	}
	if recSid != nil {
		cs.Recording = &session.Recording{Sid: *recSid}
		if recURL != nil {
			cs.Recording.URL = *recURL
		}
		if recDuration != nil {
			cs.Recording.DurationSeconds = int(*recDuration)
		}
	}
	return &cs, nil
}
