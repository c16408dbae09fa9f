package mailing

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/broadcast-service/internal/errs"
)

func newMock(t *testing.T) (pgxmock.PgxPoolIface, *PostgresRepository) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, NewPostgresRepository(mock)
}

var (
	at       = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mailCols = []string{"id", "title", "text", "parse_mode", "disable_web_page_preview", "disable_notification",
		"protect_content", "group_filters", "reply_markup", "scheduled_at", "created_at", "updated_at", "status",
		"created_by", "error_message"}
)

func strPtr(s string) *string { return &s }

func TestCreateMailing(t *testing.T) {
	mock, repo := newMock(t)

	m := Mailing{
		Title:        "promo",
		Text:         "Hello",
		GroupFilters: Filters{{Name: "age", Value: NumberValue(30)}},
		ScheduledAt:  at,
		CreatedBy:    "op-1",
		Media:        []MediaItem{{Kind: MediaPhoto, File: "a.jpg", SizeBytes: 10, Weight: 1}},
		Buttons:      []InlineButton{{Text: "Open", URL: "https://x.io", Weight: 1}},
	}

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO mailings").
		WithArgs("promo", "Hello", "none", false, false, false, []byte(`{"age":30}`), nil, at, "op-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "status", "created_at", "updated_at"}).AddRow(int64(7), "pending", at, at))
	mock.ExpectQuery("INSERT INTO mailing_media").
		WithArgs(int64(7), "photo", "a.jpg", int64(10), "", 1, "").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(70)))
	mock.ExpectQuery("INSERT INTO mailing_buttons").
		WithArgs(int64(7), "Open", "https://x.io", "", 1).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(700)))
	mock.ExpectCommit()

	saved, err := repo.CreateMailing(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, int64(7), saved.ID)
	assert.Equal(t, StatusPending, saved.Status)
	assert.Equal(t, int64(70), saved.Media[0].ID)
	assert.Equal(t, int64(7), saved.Media[0].MailingID)
	assert.Equal(t, int64(700), saved.Buttons[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateMailingRollsBack(t *testing.T) {
	mock, repo := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO mailings").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id", "status", "created_at", "updated_at"}).AddRow(int64(7), "pending", at, at))
	mock.ExpectQuery("INSERT INTO mailing_buttons").
		WithArgs(int64(7), "a", "", "x", 1).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	_, err := repo.CreateMailing(context.Background(), Mailing{
		Title:       "t",
		Text:        "x",
		ScheduledAt: at,
		Buttons:     []InlineButton{{Text: "a", CallbackData: "x", Weight: 1}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert button")
	require.NoError(t, mock.ExpectationsWereMet())
}

func updateArgs(id int64, status string) []any {
	return []any{id, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
		pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), status}
}

func TestUpdateMailingReplacesChildren(t *testing.T) {
	mock, repo := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE mailings SET").
		WithArgs(updateArgs(7, "pending")...).
		WillReturnRows(pgxmock.NewRows([]string{"status", "created_by", "created_at", "updated_at"}).AddRow("pending", "op-1", at, at))
	mock.ExpectExec("DELETE FROM mailing_media").WithArgs(int64(7)).WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec("DELETE FROM mailing_buttons").WithArgs(int64(7)).WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec("DELETE FROM mailing_batches").WithArgs(int64(7)).WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectCommit()

	saved, err := repo.UpdateMailing(context.Background(), Mailing{ID: 7, Title: "t", Text: "x", ScheduledAt: at, Status: StatusPending})
	require.NoError(t, err)
	assert.Equal(t, "op-1", saved.CreatedBy)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateMailingNotEditable(t *testing.T) {
	for _, tc := range []struct {
		name   string
		exists bool
		want   error
	}{
		{"processing", true, errs.ErrConflict},
		{"missing", false, errs.ErrNotFound},
	} {
		t.Run(tc.name, func(t *testing.T) {
			mock, repo := newMock(t)
			mock.ExpectBegin()
			mock.ExpectQuery("UPDATE mailings SET").
				WithArgs(updateArgs(7, "")...).
				WillReturnRows(pgxmock.NewRows([]string{"status", "created_by", "created_at", "updated_at"}))
			mock.ExpectQuery("SELECT EXISTS").WithArgs(int64(7)).
				WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(tc.exists))
			mock.ExpectRollback()

			_, err := repo.UpdateMailing(context.Background(), Mailing{ID: 7, Title: "t", Text: "x", ScheduledAt: at})
			assert.ErrorIs(t, err, tc.want)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestGetMailing(t *testing.T) {
	mock, repo := newMock(t)

	mock.ExpectQuery("FROM mailings WHERE id").WithArgs(int64(7)).WillReturnRows(
		pgxmock.NewRows(mailCols).AddRow(int64(7), "promo", "Hello", "html", true, false, false,
			[]byte(`{"city":"Oslo","age":30}`), nil, at, at, at, "failed", "op-1", strPtr("directory down")))
	mock.ExpectQuery("FROM mailing_media").WithArgs(int64(7)).WillReturnRows(
		pgxmock.NewRows([]string{"id", "mailing_id", "kind", "file", "size_bytes", "caption", "weight", "provider_file_id"}).
			AddRow(int64(1), int64(7), "photo", "a.jpg", int64(5), "cap", 1, "").
			AddRow(int64(2), int64(7), "voice", "v.ogg", int64(6), "", 2, "AwAD"))
	mock.ExpectQuery("FROM mailing_buttons").WithArgs(int64(7)).WillReturnRows(
		pgxmock.NewRows([]string{"id", "mailing_id", "text", "url", "callback_data", "weight"}).
			AddRow(int64(3), int64(7), "Open", "https://x.io", "", 1))

	m, err := repo.GetMailing(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, ParseModeHTML, m.ParseMode)
	assert.Equal(t, StatusFailed, m.Status)
	assert.Equal(t, "directory down", m.ErrorMessage)
	assert.Nil(t, m.ReplyMarkup)
	require.Len(t, m.GroupFilters, 2)
	assert.Equal(t, "city", m.GroupFilters[0].Name)
	require.Len(t, m.Media, 2)
	assert.Equal(t, MediaVoice, m.Media[1].Kind)
	assert.Equal(t, "AwAD", m.Media[1].ProviderFileID)
	require.Len(t, m.Buttons, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMailingNotFound(t *testing.T) {
	mock, repo := newMock(t)
	mock.ExpectQuery("FROM mailings WHERE id").WithArgs(int64(9)).WillReturnRows(pgxmock.NewRows(mailCols))

	_, err := repo.GetMailing(context.Background(), 9)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestDueMailings(t *testing.T) {
	mock, repo := newMock(t)
	mock.ExpectQuery("WHERE status = 'pending' AND scheduled_at <=").WithArgs(at).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(3)).AddRow(int64(5)))

	ids, err := repo.DueMailings(context.Background(), at)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 5}, ids)
}

func TestClaimMailing(t *testing.T) {
	mock, repo := newMock(t)
	mock.ExpectExec("SET status = 'processing'").WithArgs(int64(3), at).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("SET status = 'processing'").WithArgs(int64(3), at).WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	won, err := repo.ClaimMailing(context.Background(), 3, at)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = repo.ClaimMailing(context.Background(), 3, at)
	require.NoError(t, err)
	assert.False(t, won)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetStatus(t *testing.T) {
	mock, repo := newMock(t)
	mock.ExpectExec("error_message = NULLIF").WithArgs(int64(3), "failed", "boom").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("error_message = NULLIF").WithArgs(int64(4), "completed", "").WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, repo.SetStatus(context.Background(), 3, StatusFailed, "boom"))
	assert.ErrorIs(t, repo.SetStatus(context.Background(), 4, StatusCompleted, ""), errs.ErrNotFound)
}

func TestCancelMailing(t *testing.T) {
	mock, repo := newMock(t)
	mock.ExpectExec("SET status = 'cancelled'").WithArgs(int64(1)).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("SET status = 'cancelled'").WithArgs(int64(2)).WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT EXISTS").WithArgs(int64(2)).WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec("SET status = 'cancelled'").WithArgs(int64(3)).WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT EXISTS").WithArgs(int64(3)).WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	ok, err := repo.CancelMailing(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.CancelMailing(context.Background(), 2)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = repo.CancelMailing(context.Background(), 3)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertBatch(t *testing.T) {
	mock, repo := newMock(t)
	mock.ExpectExec("ON CONFLICT \\(mailing_id, batch_number\\) DO UPDATE").
		WithArgs(int64(7), 2, 10, 1, []byte(`[]`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO mailing_batches").
		WithArgs(int64(8), 1, 0, 0, []byte(`[{"user_id":1}]`)).
		WillReturnError(&pgconn.PgError{Code: "23503"})

	require.NoError(t, repo.UpsertBatch(context.Background(), Batch{MailingID: 7, BatchNumber: 2, SuccessfulUsers: 10, FailedUsers: 1}))
	err := repo.UpsertBatch(context.Background(), Batch{MailingID: 8, BatchNumber: 1, ErrorDetails: json.RawMessage(`[{"user_id":1}]`)})
	assert.ErrorIs(t, err, errs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListBatches(t *testing.T) {
	mock, repo := newMock(t)
	mock.ExpectQuery("FROM mailing_batches").WithArgs(int64(7)).WillReturnRows(
		pgxmock.NewRows([]string{"mailing_id", "batch_number", "successful_users", "failed_users", "error_details", "created_at", "updated_at"}).
			AddRow(int64(7), 1, 99, 1, []byte(`[{"user_id":5}]`), at, at))

	batches, err := repo.ListBatches(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, 99, batches[0].SuccessfulUsers)
	assert.JSONEq(t, `[{"user_id":5}]`, string(batches[0].ErrorDetails))
}
