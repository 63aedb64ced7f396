package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/medscribe/internal/core/domain"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

const transcriptionColumns = `id, owner_id, status, file_name, file_size, file_type, audio_key, audio_url,
	doctor_name, patient_name, document_type, additional_notes, transcription_text, formatted_text, final_text,
	error, metadata, created_at, updated_at, processed_at, reviewed_at`

type TranscriptionRepository struct {
	db *sql.DB
}

func NewTranscriptionRepository(db *sql.DB) *TranscriptionRepository {
	return &TranscriptionRepository{db: db}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *TranscriptionRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101801)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS transcriptions (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	status TEXT NOT NULL,
	file_name TEXT NOT NULL,
	file_size BIGINT NOT NULL DEFAULT 0,
	file_type TEXT NOT NULL DEFAULT '',
	audio_key TEXT NOT NULL DEFAULT '',
	audio_url TEXT NOT NULL DEFAULT '',
	doctor_name TEXT NOT NULL,
	patient_name TEXT NOT NULL,
	document_type TEXT NOT NULL,
	additional_notes TEXT NOT NULL DEFAULT '',
	transcription_text TEXT NOT NULL DEFAULT '',
	formatted_text TEXT NOT NULL DEFAULT '',
	final_text TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	processed_at TIMESTAMPTZ,
	reviewed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_transcriptions_owner_created ON transcriptions(owner_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_transcriptions_status ON transcriptions(status);

CREATE TABLE IF NOT EXISTS transcription_events (
	id BIGSERIAL PRIMARY KEY,
	transcription_id TEXT NOT NULL REFERENCES transcriptions(id) ON DELETE CASCADE,
	from_status TEXT NOT NULL,
	to_status TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	meta JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transcription_events_job ON transcription_events(transcription_id, id);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (r *TranscriptionRepository) Create(ctx context.Context, job *domain.Transcription) error {
	metaJSON, err := marshalMeta(job.Metadata)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO transcriptions (
	id, owner_id, status, file_name, file_size, file_type, audio_key, audio_url,
	doctor_name, patient_name, document_type, additional_notes, metadata, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
`,
		job.ID, job.OwnerID, string(job.Status), job.FileName, job.FileSize, job.FileType, job.AudioKey, job.AudioURL,
		job.DoctorName, job.PatientName, job.DocumentType, job.AdditionalNotes, metaJSON, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transcription: %w", err)
	}
	return nil
}

func (r *TranscriptionRepository) GetByID(ctx context.Context, id string) (*domain.Transcription, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+transcriptionColumns+` FROM transcriptions WHERE id = $1`, id)
	job, err := scanTranscription(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrJobNotFound, "get transcription", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("scan transcription: %w", err)
	}
	return &job, nil
}

func (r *TranscriptionRepository) ListByOwner(ctx context.Context, ownerID string, filter domain.ListFilter) ([]domain.Transcription, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := r.db.QueryContext(ctx, `
SELECT `+transcriptionColumns+`
FROM transcriptions
WHERE owner_id = $1 AND ($2 = '' OR status = $2)
ORDER BY created_at DESC
LIMIT $3 OFFSET $4
`, ownerID, string(filter.Status), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list transcriptions: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Transcription, 0)
	for rows.Next() {
		job, err := scanTranscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transcription: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcriptions: %w", err)
	}
	return out, nil
}

func (r *TranscriptionRepository) SetAudioReference(ctx context.Context, id, key, url string) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE transcriptions
SET audio_key = $2, audio_url = $3, updated_at = $4
WHERE id = $1
`, id, key, url, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set audio reference: %w", err)
	}
	return requireRow(result, "set audio reference", id)
}

// Transition locks the row, checks the state machine and writes the update
// plus its event in one transaction.
func (r *TranscriptionRepository) Transition(ctx context.Context, id string, tr domain.Transition) (bool, error) {
	metaJSON, err := marshalMeta(tr.Metadata)
	if err != nil {
		return false, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transition tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM transcriptions WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, domain.WrapError(domain.ErrJobNotFound, "transition transcription", fmt.Errorf("id=%s", id))
		}
		return false, fmt.Errorf("lock transcription: %w", err)
	}

	from := domain.TranscriptionStatus(current)
	if !domain.CanTransition(from, tr.To) {
		return false, nil
	}

	errorText := ""
	if tr.To == domain.StatusFailed {
		errorText = tr.Error
	}
	now := time.Now().UTC()

	_, err = tx.ExecContext(ctx, `
UPDATE transcriptions
SET status = $2,
	error = $3,
	transcription_text = COALESCE($4, transcription_text),
	formatted_text = COALESCE($5, formatted_text),
	audio_url = CASE WHEN audio_url = '' THEN $6 ELSE audio_url END,
	metadata = metadata || $7::jsonb,
	processed_at = CASE WHEN $8 THEN $9 ELSE processed_at END,
	updated_at = $9
WHERE id = $1
`, id, string(tr.To), errorText, tr.RawText, tr.FormattedText, tr.AudioURL, metaJSON, tr.Processed, now)
	if err != nil {
		return false, fmt.Errorf("update transcription status: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO transcription_events (transcription_id, from_status, to_status, reason, meta, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
`, id, current, string(tr.To), tr.Reason, metaJSON, now)
	if err != nil {
		return false, fmt.Errorf("insert transcription event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit transition tx: %w", err)
	}
	return true, nil
}

func (r *TranscriptionRepository) SaveFinalText(ctx context.Context, id, finalText string) error {
	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx, `
UPDATE transcriptions
SET final_text = $2, reviewed_at = $3, updated_at = $3
WHERE id = $1
`, id, finalText, now)
	if err != nil {
		return fmt.Errorf("save final text: %w", err)
	}
	return requireRow(result, "save final text", id)
}

func (r *TranscriptionRepository) SaveFormattedText(ctx context.Context, id, formatted string) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE transcriptions
SET formatted_text = $2, updated_at = $3
WHERE id = $1
`, id, formatted, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save formatted text: %w", err)
	}
	return requireRow(result, "save formatted text", id)
}

func (r *TranscriptionRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM transcriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete transcription: %w", err)
	}
	return requireRow(result, "delete transcription", id)
}

func (r *TranscriptionRepository) ListEvents(ctx context.Context, id string) ([]domain.StatusEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, transcription_id, from_status, to_status, reason, meta, created_at
FROM transcription_events
WHERE transcription_id = $1
ORDER BY id
`, id)
	if err != nil {
		return nil, fmt.Errorf("list transcription events: %w", err)
	}
	defer rows.Close()

	out := make([]domain.StatusEvent, 0)
	for rows.Next() {
		var event domain.StatusEvent
		var from, to string
		var metaRaw []byte
		if err := rows.Scan(&event.ID, &event.TranscriptionID, &from, &to, &event.Reason, &metaRaw, &event.At); err != nil {
			return nil, fmt.Errorf("scan transcription event: %w", err)
		}
		event.FromStatus = domain.TranscriptionStatus(from)
		event.ToStatus = domain.TranscriptionStatus(to)
		if event.Meta, err = unmarshalMeta(metaRaw); err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcription events: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTranscription(row rowScanner) (domain.Transcription, error) {
	var job domain.Transcription
	var status string
	var metaRaw []byte
	err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&status,
		&job.FileName,
		&job.FileSize,
		&job.FileType,
		&job.AudioKey,
		&job.AudioURL,
		&job.DoctorName,
		&job.PatientName,
		&job.DocumentType,
		&job.AdditionalNotes,
		&job.RawText,
		&job.FormattedText,
		&job.FinalText,
		&job.Error,
		&metaRaw,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.ProcessedAt,
		&job.ReviewedAt,
	)
	if err != nil {
		return domain.Transcription{}, err
	}
	job.Status = domain.TranscriptionStatus(status)
	if job.Metadata, err = unmarshalMeta(metaRaw); err != nil {
		return domain.Transcription{}, err
	}
	return job, nil
}

func requireRow(result sql.Result, operation, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", operation, err)
	}
	if rows == 0 {
		return domain.WrapError(domain.ErrJobNotFound, operation, fmt.Errorf("id=%s", id))
	}
	return nil
}

func marshalMeta(meta map[string]any) ([]byte, error) {
	if len(meta) == 0 {
		return []byte(`{}`), nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return raw, nil
}

func unmarshalMeta(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if len(meta) == 0 {
		return nil, nil
	}
	return meta, nil
}
