package mailing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/broadcast-service/internal/errs"
)

const mailingColumns = `id, title, text, parse_mode, disable_web_page_preview, disable_notification,
protect_content, group_filters, reply_markup, scheduled_at, created_at, updated_at, status,
created_by, error_message`

const insertMailing = `
INSERT INTO mailings (
title,
text,
parse_mode,
disable_web_page_preview,
disable_notification,
protect_content,
group_filters,
reply_markup,
scheduled_at,
status,
created_by
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,'pending',$10)
RETURNING id, status, created_at, updated_at
`

const updateMailing = `
UPDATE mailings SET
title = $2,
text = $3,
parse_mode = $4,
disable_web_page_preview = $5,
disable_notification = $6,
protect_content = $7,
group_filters = $8,
reply_markup = $9,
scheduled_at = $10,
status = COALESCE(NULLIF($11, ''), status),
error_message = CASE WHEN $11 = 'pending' THEN NULL ELSE error_message END,
updated_at = NOW()
WHERE id = $1 AND status <> 'processing'
RETURNING status, created_by, created_at, updated_at
`

const selectMailing = `SELECT ` + mailingColumns + ` FROM mailings WHERE id = $1`

const selectMedia = `
SELECT id, mailing_id, kind, file, size_bytes, caption, weight, provider_file_id
FROM mailing_media
WHERE mailing_id = $1
ORDER BY weight, id
`

const selectButtons = `
SELECT id, mailing_id, text, url, callback_data, weight
FROM mailing_buttons
WHERE mailing_id = $1
ORDER BY weight, id
`

const insertMedia = `
INSERT INTO mailing_media (mailing_id, kind, file, size_bytes, caption, weight, provider_file_id)
VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING id
`

const insertButton = `
INSERT INTO mailing_buttons (mailing_id, text, url, callback_data, weight)
VALUES ($1,$2,$3,$4,$5)
RETURNING id
`

const selectDue = `
SELECT id FROM mailings
WHERE status = 'pending' AND scheduled_at <= $1
ORDER BY scheduled_at, id
`

const claimMailing = `
UPDATE mailings
SET status = 'processing', error_message = NULL, updated_at = NOW()
WHERE id = $1 AND status = 'pending' AND scheduled_at <= $2
`

const setStatus = `
UPDATE mailings
SET status = $2, error_message = NULLIF($3, ''), updated_at = NOW()
WHERE id = $1
`

const cancelMailing = `
UPDATE mailings
SET status = 'cancelled', updated_at = NOW()
WHERE id = $1 AND status = 'pending'
`

const mailingExists = `SELECT EXISTS (SELECT 1 FROM mailings WHERE id = $1)`

const upsertBatch = `
INSERT INTO mailing_batches (
mailing_id,
batch_number,
successful_users,
failed_users,
error_details,
created_at,
updated_at
) VALUES ($1,$2,$3,$4,$5,NOW(),NOW())
ON CONFLICT (mailing_id, batch_number) DO UPDATE SET
successful_users = EXCLUDED.successful_users,
failed_users = EXCLUDED.failed_users,
error_details = EXCLUDED.error_details,
updated_at = NOW()
`

const selectBatches = `
SELECT mailing_id, batch_number, successful_users, failed_users, error_details, created_at, updated_at
FROM mailing_batches
WHERE mailing_id = $1
ORDER BY batch_number
`

const deleteMedia = `DELETE FROM mailing_media WHERE mailing_id = $1`
const deleteButtons = `DELETE FROM mailing_buttons WHERE mailing_id = $1`
const deleteBatches = `DELETE FROM mailing_batches WHERE mailing_id = $1`

// foreign_key_violation
const pgForeignKeyViolation = "23503"

// DB is the subset of *pgxpool.Pool the repository needs.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresRepository struct {
	db DB
}

func NewPostgresRepository(db DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

var ErrNotConfigured = errors.New("postgres repository requires a non-nil pool")

// MustRepository wraps a live pool, refusing a nil one.
func MustRepository(pool *pgxpool.Pool) (*PostgresRepository, error) {
	if pool == nil {
		return nil, ErrNotConfigured
	}
	return NewPostgresRepository(pool), nil
}

func (r *PostgresRepository) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) CreateMailing(ctx context.Context, m Mailing) (Mailing, error) {
	filters, err := json.Marshal(m.GroupFilters)
	if err != nil {
		return Mailing{}, fmt.Errorf("encode filters: %w", err)
	}

	err = r.withTx(ctx, func(tx pgx.Tx) error {
		var status string
		if err := tx.QueryRow(ctx, insertMailing,
			m.Title,
			m.Text,
			string(parseModeOrNone(m.ParseMode)),
			m.DisableWebPagePreview,
			m.DisableNotification,
			m.ProtectContent,
			filters,
			nullableJSON(m.ReplyMarkup),
			m.ScheduledAt,
			m.CreatedBy,
		).Scan(&m.ID, &status, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return fmt.Errorf("insert mailing: %w", err)
		}
		m.Status = Status(status)
		return r.insertChildren(ctx, tx, &m)
	})
	if err != nil {
		return Mailing{}, err
	}
	return m, nil
}

func (r *PostgresRepository) UpdateMailing(ctx context.Context, m Mailing) (Mailing, error) {
	filters, err := json.Marshal(m.GroupFilters)
	if err != nil {
		return Mailing{}, fmt.Errorf("encode filters: %w", err)
	}

	err = r.withTx(ctx, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, updateMailing,
			m.ID,
			m.Title,
			m.Text,
			string(parseModeOrNone(m.ParseMode)),
			m.DisableWebPagePreview,
			m.DisableNotification,
			m.ProtectContent,
			filters,
			nullableJSON(m.ReplyMarkup),
			m.ScheduledAt,
			string(m.Status),
		).Scan(&status, &m.CreatedBy, &m.CreatedAt, &m.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := tx.QueryRow(ctx, mailingExists, m.ID).Scan(&exists); err != nil {
				return fmt.Errorf("check mailing: %w", err)
			}
			if !exists {
				return errs.ErrNotFound
			}
			return errs.ErrConflict
		}
		if err != nil {
			return fmt.Errorf("update mailing: %w", err)
		}
		m.Status = Status(status)

		for _, stmt := range []string{deleteMedia, deleteButtons, deleteBatches} {
			if _, err := tx.Exec(ctx, stmt, m.ID); err != nil {
				return fmt.Errorf("reset mailing children: %w", err)
			}
		}
		return r.insertChildren(ctx, tx, &m)
	})
	if err != nil {
		return Mailing{}, err
	}
	return m, nil
}

func (r *PostgresRepository) insertChildren(ctx context.Context, tx pgx.Tx, m *Mailing) error {
	for i := range m.Media {
		item := &m.Media[i]
		item.MailingID = m.ID
		if err := tx.QueryRow(ctx, insertMedia,
			m.ID,
			string(item.Kind),
			item.File,
			item.SizeBytes,
			item.Caption,
			item.Weight,
			item.ProviderFileID,
		).Scan(&item.ID); err != nil {
			return fmt.Errorf("insert media: %w", err)
		}
	}
	for i := range m.Buttons {
		b := &m.Buttons[i]
		b.MailingID = m.ID
		if err := tx.QueryRow(ctx, insertButton,
			m.ID,
			b.Text,
			b.URL,
			b.CallbackData,
			b.Weight,
		).Scan(&b.ID); err != nil {
			return fmt.Errorf("insert button: %w", err)
		}
	}
	return nil
}

func (r *PostgresRepository) GetMailing(ctx context.Context, id int64) (Mailing, error) {
	var (
		m           Mailing
		parseMode   string
		status      string
		filtersJSON []byte
		markup      []byte
		errMsg      *string
	)
	err := r.db.QueryRow(ctx, selectMailing, id).Scan(
		&m.ID,
		&m.Title,
		&m.Text,
		&parseMode,
		&m.DisableWebPagePreview,
		&m.DisableNotification,
		&m.ProtectContent,
		&filtersJSON,
		&markup,
		&m.ScheduledAt,
		&m.CreatedAt,
		&m.UpdatedAt,
		&status,
		&m.CreatedBy,
		&errMsg,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Mailing{}, errs.ErrNotFound
	}
	if err != nil {
		return Mailing{}, fmt.Errorf("select mailing: %w", err)
	}
	m.ParseMode = ParseMode(parseMode)
	m.Status = Status(status)
	if len(markup) > 0 {
		m.ReplyMarkup = json.RawMessage(markup)
	}
	if errMsg != nil {
		m.ErrorMessage = *errMsg
	}
	if len(filtersJSON) > 0 {
		if err := json.Unmarshal(filtersJSON, &m.GroupFilters); err != nil {
			return Mailing{}, fmt.Errorf("decode filters of mailing %d: %w", id, err)
		}
	}

	if m.Media, err = r.listMedia(ctx, id); err != nil {
		return Mailing{}, err
	}
	if m.Buttons, err = r.listButtons(ctx, id); err != nil {
		return Mailing{}, err
	}
	return m, nil
}

func (r *PostgresRepository) listMedia(ctx context.Context, mailingID int64) ([]MediaItem, error) {
	rows, err := r.db.Query(ctx, selectMedia, mailingID)
	if err != nil {
		return nil, fmt.Errorf("select media: %w", err)
	}
	defer rows.Close()

	var out []MediaItem
	for rows.Next() {
		var (
			item MediaItem
			kind string
		)
		if err := rows.Scan(&item.ID, &item.MailingID, &kind, &item.File, &item.SizeBytes, &item.Caption, &item.Weight, &item.ProviderFileID); err != nil {
			return nil, fmt.Errorf("scan media: %w", err)
		}
		item.Kind = MediaKind(kind)
		out = append(out, item)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) listButtons(ctx context.Context, mailingID int64) ([]InlineButton, error) {
	rows, err := r.db.Query(ctx, selectButtons, mailingID)
	if err != nil {
		return nil, fmt.Errorf("select buttons: %w", err)
	}
	defer rows.Close()

	var out []InlineButton
	for rows.Next() {
		var b InlineButton
		if err := rows.Scan(&b.ID, &b.MailingID, &b.Text, &b.URL, &b.CallbackData, &b.Weight); err != nil {
			return nil, fmt.Errorf("scan button: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) MailingExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	if err := r.db.QueryRow(ctx, mailingExists, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check mailing: %w", err)
	}
	return exists, nil
}

func (r *PostgresRepository) DueMailings(ctx context.Context, now time.Time) ([]int64, error) {
	rows, err := r.db.Query(ctx, selectDue, now)
	if err != nil {
		return nil, fmt.Errorf("select due mailings: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan due mailing: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PostgresRepository) ClaimMailing(ctx context.Context, id int64, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, claimMailing, id, now)
	if err != nil {
		return false, fmt.Errorf("claim mailing: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) SetStatus(ctx context.Context, id int64, status Status, errMsg string) error {
	tag, err := r.db.Exec(ctx, setStatus, id, string(status), errMsg)
	if err != nil {
		return fmt.Errorf("set mailing status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) CancelMailing(ctx context.Context, id int64) (bool, error) {
	tag, err := r.db.Exec(ctx, cancelMailing, id)
	if err != nil {
		return false, fmt.Errorf("cancel mailing: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	exists, err := r.MailingExists(ctx, id)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, errs.ErrNotFound
	}
	return false, nil
}

func (r *PostgresRepository) UpsertBatch(ctx context.Context, b Batch) error {
	details := b.ErrorDetails
	if len(details) == 0 || string(details) == "null" {
		details = json.RawMessage("[]")
	}
	_, err := r.db.Exec(ctx, upsertBatch,
		b.MailingID,
		b.BatchNumber,
		b.SuccessfulUsers,
		b.FailedUsers,
		[]byte(details),
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		return errs.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("upsert batch: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListBatches(ctx context.Context, mailingID int64) ([]Batch, error) {
	rows, err := r.db.Query(ctx, selectBatches, mailingID)
	if err != nil {
		return nil, fmt.Errorf("select batches: %w", err)
	}
	defer rows.Close()

	var out []Batch
	for rows.Next() {
		var (
			b       Batch
			details []byte
		)
		if err := rows.Scan(&b.MailingID, &b.BatchNumber, &b.SuccessfulUsers, &b.FailedUsers, &details, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		b.ErrorDetails = json.RawMessage(details)
		out = append(out, b)
	}
	return out, rows.Err()
}

func parseModeOrNone(p ParseMode) ParseMode {
	if p == "" {
		return ParseModeNone
	}
	return p
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
