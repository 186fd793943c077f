// Package store persists call summaries and intervention audits in Postgres.
// The gateway runs fine without it (NoopRecorder); configuring
// DISPATCH_DATABASE_URL turns on durable history.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for goose
	"github.com/pressly/goose/v3"

	"github.com/apexsec/dispatch/pkg/core/call"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Audit is one intervention attempt, accepted or failed.
type Audit struct {
	CallID     string
	RequestID  string
	Kind       call.InterventionKind
	ReasonCode string
	Detail     string
	OperatorID string
	Outcome    string // "acknowledged" or "failed"
	FailReason string
	IncidentID string
	CreatedAt  time.Time
}

// Recorder is what the intervention engine and registry write through.
type Recorder interface {
	RecordCallSummary(ctx context.Context, s *call.Session, transcript call.Transcript, endReason string) error
	RecordIntervention(ctx context.Context, a Audit) error
	// TranscriptHistory returns the stored transcript for an ended call.
	// Returns (nil, nil) when the call has no stored history.
	TranscriptHistory(ctx context.Context, callID string) (call.Transcript, error)
}

// NoopRecorder drops everything. Used when no database is configured.
type NoopRecorder struct{}

func (NoopRecorder) RecordCallSummary(context.Context, *call.Session, call.Transcript, string) error {
	return nil
}
func (NoopRecorder) RecordIntervention(context.Context, Audit) error { return nil }
func (NoopRecorder) TranscriptHistory(context.Context, string) (call.Transcript, error) {
	return nil, nil
}

// Store is the pgx-backed recorder.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects, pings, and runs pending migrations.
func Open(ctx context.Context, dsn string, connectTimeout time.Duration) (*Store, error) {
	if err := migrate(dsn); err != nil {
		return nil, err
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.ConnConfig.ConnectTimeout = connectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

func migrate(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open database for migrations: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) RecordCallSummary(ctx context.Context, sess *call.Session, transcript call.Transcript, endReason string) error {
	raw, err := json.Marshal(transcript)
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}

	var endedAt *time.Time
	var durationSeconds float64
	if sess.EndedAt != nil {
		endedAt = sess.EndedAt
		durationSeconds = sess.DurationSeconds(*sess.EndedAt)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO call_log (
			call_id, caller, property_id, final_state, end_reason,
			started_at, ended_at, duration_seconds, message_count,
			confidence_score, human_takeover, operator_id,
			escalation_reason, incident_id, transcript
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (call_id) DO UPDATE SET
			final_state = EXCLUDED.final_state,
			end_reason = EXCLUDED.end_reason,
			ended_at = EXCLUDED.ended_at,
			duration_seconds = EXCLUDED.duration_seconds,
			message_count = EXCLUDED.message_count,
			confidence_score = EXCLUDED.confidence_score,
			human_takeover = EXCLUDED.human_takeover,
			operator_id = EXCLUDED.operator_id,
			escalation_reason = EXCLUDED.escalation_reason,
			incident_id = EXCLUDED.incident_id,
			transcript = EXCLUDED.transcript`,
		sess.CallID, sess.Caller, nullable(sess.PropertyID), string(sess.State), nullable(endReason),
		sess.StartedAt, endedAt, durationSeconds, len(transcript),
		sess.ConfidenceScore, sess.HumanTakeover, nullable(sess.OperatorID),
		nullable(sess.EscalationReason), nullable(sess.IncidentID), raw,
	)
	if err != nil {
		return fmt.Errorf("insert call summary: %w", err)
	}
	return nil
}

func (s *Store) RecordIntervention(ctx context.Context, a Audit) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO intervention_audit (
			call_id, request_id, kind, reason_code, detail,
			operator_id, outcome, fail_reason, incident_id, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		a.CallID, a.RequestID, string(a.Kind), a.ReasonCode, nullable(a.Detail),
		nullable(a.OperatorID), a.Outcome, nullable(a.FailReason), nullable(a.IncidentID), a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert intervention audit: %w", err)
	}
	return nil
}

func (s *Store) TranscriptHistory(ctx context.Context, callID string) (call.Transcript, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT transcript FROM call_log WHERE call_id = $1`, callID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch transcript history: %w", err)
	}
	var t call.Transcript
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("decode transcript history: %w", err)
		}
	}
	return t, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var (
	_ Recorder = (*Store)(nil)
	_ Recorder = NoopRecorder{}
)
