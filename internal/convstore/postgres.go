package convstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists profile settings and transcripts in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS profile_settings (
			profile_id TEXT PRIMARY KEY,
			voice_id TEXT NOT NULL DEFAULT '',
			temperature DOUBLE PRECISION NOT NULL DEFAULT 0,
			top_p DOUBLE PRECISION NOT NULL DEFAULT 0,
			max_tokens INTEGER NOT NULL DEFAULT 0,
			system_prompt TEXT NOT NULL DEFAULT '',
			kickoff_prompt TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS transcript_items (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			profile_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_transcript_items_session_created ON transcript_items (session_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SettingsFor(ctx context.Context, profileID string) (ProfileSettings, error) {
	var out ProfileSettings
	err := s.pool.QueryRow(ctx,
		`SELECT profile_id, voice_id, temperature, top_p, max_tokens, system_prompt, kickoff_prompt, updated_at
		 FROM profile_settings WHERE profile_id=$1`,
		profileID,
	).Scan(&out.ProfileID, &out.VoiceID, &out.Temperature, &out.TopP, &out.MaxTokens,
		&out.SystemPrompt, &out.KickoffPrompt, &out.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ProfileSettings{}, ErrProfileNotFound
	}
	if err != nil {
		return ProfileSettings{}, fmt.Errorf("query profile settings: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) SaveSettings(ctx context.Context, settings ProfileSettings) error {
	if settings.UpdatedAt.IsZero() {
		settings.UpdatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO profile_settings (profile_id, voice_id, temperature, top_p, max_tokens, system_prompt, kickoff_prompt, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (profile_id) DO UPDATE SET
			voice_id=EXCLUDED.voice_id,
			temperature=EXCLUDED.temperature,
			top_p=EXCLUDED.top_p,
			max_tokens=EXCLUDED.max_tokens,
			system_prompt=EXCLUDED.system_prompt,
			kickoff_prompt=EXCLUDED.kickoff_prompt,
			updated_at=EXCLUDED.updated_at`,
		settings.ProfileID,
		settings.VoiceID,
		settings.Temperature,
		settings.TopP,
		settings.MaxTokens,
		settings.SystemPrompt,
		settings.KickoffPrompt,
		settings.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save profile settings: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveTranscript(ctx context.Context, record TranscriptRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO transcript_items (id, session_id, profile_id, role, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		record.ID,
		record.SessionID,
		record.ProfileID,
		record.Role,
		record.Text,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save transcript item: %w", err)
	}
	return nil
}

func (s *PostgresStore) SessionTranscript(ctx context.Context, sessionID string, limit int) ([]TranscriptRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, profile_id, role, content, created_at
		 FROM transcript_items WHERE session_id=$1 ORDER BY created_at DESC LIMIT $2`,
		sessionID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()

	items := make([]TranscriptRecord, 0, limit)
	for rows.Next() {
		var r TranscriptRecord
		if err := rows.Scan(&r.ID, &r.SessionID, &r.ProfileID, &r.Role, &r.Text, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transcript row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcript rows: %w", err)
	}

	// Reverse into chronological order for display.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}

	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
