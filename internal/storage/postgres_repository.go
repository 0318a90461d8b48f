package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mediagate/internal/models"
)

// PostgresConfig tunes the Postgres-backed repository.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	ConnectTimeout      time.Duration
	ApplicationName     string
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

var _ Repository = (*postgresRepository)(nil)

const sessionsSchema = `
CREATE TABLE IF NOT EXISTS upload_sessions (
    id TEXT PRIMARY KEY,
    admin_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    classification TEXT NOT NULL DEFAULT '',
    content_id TEXT NOT NULL DEFAULT '',
    file_name TEXT NOT NULL DEFAULT '',
    content_type TEXT NOT NULL DEFAULT '',
    size_bytes BIGINT NOT NULL DEFAULT 0,
    object_key TEXT NOT NULL UNIQUE,
    storage_uri TEXT NOT NULL DEFAULT '',
    cdn_base TEXT NOT NULL DEFAULT '',
    upload_url TEXT NOT NULL DEFAULT '',
    upload_fields JSONB NOT NULL DEFAULT '{}'::jsonb,
    credential_expires_at TIMESTAMPTZ NOT NULL,
    state TEXT NOT NULL,
    metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
    ready_metadata JSONB,
    failure_reason TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS upload_sessions_admin_idx ON upload_sessions (admin_id, created_at DESC);
CREATE INDEX IF NOT EXISTS upload_sessions_sweep_idx ON upload_sessions (state, credential_expires_at);
`

// NewPostgresRepository opens a Postgres-backed session repository and
// ensures the schema exists.
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig) (Repository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if _, err := pool.Exec(ctx, sessionsSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure sessions schema: %w", err)
	}
	return &postgresRepository{pool: pool}, nil
}

const sessionColumns = `id, admin_id, kind, classification, content_id, file_name, content_type,
size_bytes, object_key, storage_uri, cdn_base, upload_url, upload_fields,
credential_expires_at, state, metadata, ready_metadata, failure_reason,
created_at, updated_at, completed_at`

func (r *postgresRepository) CreateSession(ctx context.Context, params CreateSessionParams) (models.UploadSession, error) {
	adminID := strings.TrimSpace(params.AdminID)
	if adminID == "" {
		return models.UploadSession{}, fmt.Errorf("admin id is required")
	}
	objectKey := strings.TrimSpace(params.ObjectKey)
	if objectKey == "" {
		return models.UploadSession{}, fmt.Errorf("object key is required")
	}

	id, err := generateSessionID()
	if err != nil {
		return models.UploadSession{}, err
	}
	now := time.Now().UTC()

	metadata := params.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	fields := params.UploadFields
	if fields == nil {
		fields = map[string]string{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return models.UploadSession{}, fmt.Errorf("encode metadata: %w", err)
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return models.UploadSession{}, fmt.Errorf("encode upload fields: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
INSERT INTO upload_sessions (
    id, admin_id, kind, classification, content_id, file_name, content_type,
    size_bytes, object_key, storage_uri, cdn_base, upload_url, upload_fields,
    credential_expires_at, state, metadata, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		id, adminID, string(params.Kind), string(params.Classification),
		strings.TrimSpace(params.ContentID), strings.TrimSpace(params.FileName),
		strings.TrimSpace(params.ContentType), params.SizeBytes, objectKey,
		strings.TrimSpace(params.StorageURI), strings.TrimSpace(params.CDNBase),
		params.UploadURL, fieldsJSON, params.CredentialExp.UTC(),
		string(models.StateRequested), metadataJSON, now, now,
	)
	if err != nil {
		return models.UploadSession{}, fmt.Errorf("insert session: %w", err)
	}
	session, ok, err := r.GetSession(ctx, id)
	if err != nil {
		return models.UploadSession{}, err
	}
	if !ok {
		return models.UploadSession{}, fmt.Errorf("session %s vanished after insert", id)
	}
	return session, nil
}

func (r *postgresRepository) GetSession(ctx context.Context, id string) (models.UploadSession, bool, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM upload_sessions WHERE id = $1`, id)
	session, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.UploadSession{}, false, nil
	}
	if err != nil {
		return models.UploadSession{}, false, fmt.Errorf("load session: %w", err)
	}
	return session, true, nil
}

func (r *postgresRepository) ListSessions(ctx context.Context, filter SessionFilter) ([]models.UploadSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM upload_sessions`
	var clauses []string
	var args []interface{}
	if filter.AdminID != "" {
		args = append(args, filter.AdminID)
		clauses = append(clauses, fmt.Sprintf("admin_id = $%d", len(args)))
	}
	if filter.State != "" {
		args = append(args, string(filter.State))
		clauses = append(clauses, fmt.Sprintf("state = $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

func (r *postgresRepository) UpdateSession(ctx context.Context, id string, update SessionUpdate) (models.UploadSession, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.UploadSession{}, fmt.Errorf("begin update: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	row := tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM upload_sessions WHERE id = $1 FOR UPDATE`, id)
	session, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.UploadSession{}, ErrSessionNotFound
	}
	if err != nil {
		return models.UploadSession{}, fmt.Errorf("load session for update: %w", err)
	}
	if !matchesExpected(session.State, update.ExpectedStates) {
		return models.UploadSession{}, &StateConflictError{
			Current:  session.State,
			Expected: update.ExpectedStates,
		}
	}

	session = applySessionUpdate(session, update)

	metadataJSON, err := json.Marshal(nonNilMap(session.Metadata))
	if err != nil {
		return models.UploadSession{}, fmt.Errorf("encode metadata: %w", err)
	}
	var readyJSON []byte
	if session.ReadyMetadata != nil {
		readyJSON, err = json.Marshal(session.ReadyMetadata)
		if err != nil {
			return models.UploadSession{}, fmt.Errorf("encode ready metadata: %w", err)
		}
	}

	_, err = tx.Exec(ctx, `
UPDATE upload_sessions
SET state = $2, metadata = $3, ready_metadata = $4, failure_reason = $5,
    updated_at = $6, completed_at = $7
WHERE id = $1`,
		id, string(session.State), metadataJSON, readyJSON,
		session.FailureReason, session.UpdatedAt, session.CompletedAt,
	)
	if err != nil {
		return models.UploadSession{}, fmt.Errorf("update session: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.UploadSession{}, fmt.Errorf("commit update: %w", err)
	}
	return session, nil
}

func (r *postgresRepository) ListExpiredBefore(ctx context.Context, cutoff time.Time) ([]models.UploadSession, error) {
	states := make([]string, 0, len(sweepableStates))
	for _, state := range sweepableStates {
		states = append(states, string(state))
	}
	rows, err := r.pool.Query(ctx, `
SELECT `+sessionColumns+`
FROM upload_sessions
WHERE state = ANY($1) AND credential_expires_at <= $2
ORDER BY credential_expires_at ASC`, states, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func collectSessions(rows pgx.Rows) ([]models.UploadSession, error) {
	sessions := make([]models.UploadSession, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

func scanSession(row pgx.Row) (models.UploadSession, error) {
	var (
		session        models.UploadSession
		kind           string
		classification string
		state          string
		fieldsJSON     []byte
		metadataJSON   []byte
		readyJSON      []byte
		completedAt    *time.Time
	)
	err := row.Scan(
		&session.ID, &session.AdminID, &kind, &classification,
		&session.ContentID, &session.FileName, &session.ContentType,
		&session.SizeBytes, &session.ObjectKey, &session.StorageURI,
		&session.CDNBase, &session.UploadURL, &fieldsJSON,
		&session.CredentialExp, &state, &metadataJSON, &readyJSON,
		&session.FailureReason, &session.CreatedAt, &session.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		return models.UploadSession{}, err
	}
	session.Kind = models.AssetKind(kind)
	session.Classification = models.Classification(classification)
	session.State = models.SessionState(state)
	session.CompletedAt = completedAt
	if len(fieldsJSON) > 0 {
		if err := json.Unmarshal(fieldsJSON, &session.UploadFields); err != nil {
			return models.UploadSession{}, fmt.Errorf("decode upload fields: %w", err)
		}
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &session.Metadata); err != nil {
			return models.UploadSession{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if len(readyJSON) > 0 {
		ready := &models.ReadyMetadata{}
		if err := json.Unmarshal(readyJSON, ready); err != nil {
			return models.UploadSession{}, fmt.Errorf("decode ready metadata: %w", err)
		}
		session.ReadyMetadata = ready
	}
	return session, nil
}
