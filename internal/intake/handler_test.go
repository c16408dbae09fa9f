package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/broadcast-service/internal/common"
	"github.com/example/broadcast-service/internal/directory"
	"github.com/example/broadcast-service/internal/errs"
	"github.com/example/broadcast-service/internal/events"
	"github.com/example/broadcast-service/internal/mailing"
)

type storeRepo struct {
	mu       sync.Mutex
	nextID   int64
	mailings map[int64]mailing.Mailing
	batches  map[int64][]mailing.Batch
}

func newStoreRepo() *storeRepo {
	return &storeRepo{nextID: 1, mailings: map[int64]mailing.Mailing{}, batches: map[int64][]mailing.Batch{}}
}

func (r *storeRepo) CreateMailing(_ context.Context, m mailing.Mailing) (mailing.Mailing, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m.ID = r.nextID
	r.nextID++
	m.CreatedAt = time.Now().UTC()
	m.UpdatedAt = m.CreatedAt
	r.mailings[m.ID] = m
	return m, nil
}

func (r *storeRepo) UpdateMailing(_ context.Context, m mailing.Mailing) (mailing.Mailing, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.mailings[m.ID]
	if !ok {
		return mailing.Mailing{}, errs.ErrNotFound
	}
	if prev.Status == mailing.StatusProcessing {
		return mailing.Mailing{}, errs.ErrConflict
	}
	if m.Status == "" {
		m.Status = prev.Status
		m.ErrorMessage = prev.ErrorMessage
	}
	m.CreatedBy = prev.CreatedBy
	m.CreatedAt = prev.CreatedAt
	m.UpdatedAt = time.Now().UTC()
	r.mailings[m.ID] = m
	delete(r.batches, m.ID)
	return m, nil
}

func (r *storeRepo) GetMailing(_ context.Context, id int64) (mailing.Mailing, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.mailings[id]
	if !ok {
		return mailing.Mailing{}, errs.ErrNotFound
	}
	return m, nil
}

func (r *storeRepo) MailingExists(_ context.Context, id int64) (bool, error) {
	_, err := r.GetMailing(context.Background(), id)
	return err == nil, nil
}

func (r *storeRepo) DueMailings(context.Context, time.Time) ([]int64, error) {
	return nil, errors.New("not used")
}

func (r *storeRepo) ClaimMailing(context.Context, int64, time.Time) (bool, error) {
	return false, errors.New("not used")
}

func (r *storeRepo) SetStatus(_ context.Context, id int64, status mailing.Status, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.mailings[id]
	m.Status, m.ErrorMessage = status, msg
	r.mailings[id] = m
	return nil
}

func (r *storeRepo) CancelMailing(_ context.Context, id int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.mailings[id]
	if !ok {
		return false, errs.ErrNotFound
	}
	if m.Status != mailing.StatusPending {
		return false, nil
	}
	m.Status = mailing.StatusCancelled
	r.mailings[id] = m
	return true, nil
}

func (r *storeRepo) UpsertBatch(_ context.Context, b mailing.Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches[b.MailingID] = append(r.batches[b.MailingID], b)
	return nil
}

func (r *storeRepo) ListBatches(_ context.Context, id int64) ([]mailing.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batches[id], nil
}

type fakeCatalog struct {
	calls   int
	catalog directory.Catalog
	err     error
}

func (f *fakeCatalog) FetchFilterCatalog(context.Context) (directory.Catalog, error) {
	f.calls++
	return f.catalog, f.err
}

type recordingPublisher struct {
	events []events.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, e)
	return nil
}

func testCatalog() directory.Catalog {
	return directory.Catalog{{
		Label: "Profile",
		Attributes: []directory.Attribute{
			{Name: "age", Label: "Age", Type: directory.TypeNumber, Constraint: directory.NumberRange{}},
			{Name: "city", Label: "City", Type: directory.TypeChoice, Constraint: directory.Choices{Values: []string{"Oslo", "Bergen"}}},
		},
	}}
}

type fixture struct {
	repo    *storeRepo
	catalog *fakeCatalog
	pub     *recordingPublisher
	logs    bytes.Buffer
	router  http.Handler
}

func newFixture() *fixture {
	f := &fixture{repo: newStoreRepo(), catalog: &fakeCatalog{catalog: testCatalog()}, pub: &recordingPublisher{}}
	cfg := &common.Config{FiltersCacheTTL: time.Minute}
	f.router = NewHandler(f.repo, f.catalog, f.pub, cfg, zerolog.New(&f.logs)).Router()
	return f
}

func (f *fixture) do(method, path, operator, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if operator != "" {
		req.Header.Set("x-operator-id", operator)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

const validBody = `{
	"title": "Spring promo",
	"text": "Hello",
	"parse_mode": "html",
	"group_filters": {"city": "Oslo", "age": "30"},
	"scheduled_at": "2026-03-01T12:00:00Z",
	"media": [{"type": "photo", "file": "a.jpg", "size_bytes": 1024, "weight": 1}],
	"buttons": [{"text": "Open", "url": "https://example.com", "weight": 1}]
}`

func TestCreateMailing(t *testing.T) {
	f := newFixture()

	rec := f.do(http.MethodPost, "/api/mailings", "op-1", validBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var view MailingView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, int64(1), view.ID)
	assert.Equal(t, mailing.StatusPending, view.Status)
	assert.Equal(t, "op-1", view.CreatedBy)

	stored := f.repo.mailings[1]
	assert.Equal(t, "op-1", stored.CreatedBy)
	require.Len(t, stored.Media, 1)
	assert.Equal(t, mailing.MediaPhoto, stored.Media[0].Kind)
	require.Len(t, stored.Buttons, 1)

	// catalog types win over the JSON shape, and key order is kept
	require.Len(t, stored.GroupFilters, 2)
	assert.Equal(t, "city", stored.GroupFilters[0].Name)
	assert.Equal(t, mailing.ChoiceValue("Oslo"), stored.GroupFilters[0].Value)
	assert.Equal(t, mailing.NumberValue(30), stored.GroupFilters[1].Value)

	require.Len(t, f.pub.events, 1)
	assert.Equal(t, events.TypeStatusChanged, f.pub.events[0].Type)
}

func TestCreateMailingRejections(t *testing.T) {
	tests := []struct {
		name     string
		operator string
		body     string
		status   int
	}{
		{"missing operator", "", validBody, http.StatusBadRequest},
		{"malformed json", "op-1", `{"title":`, http.StatusBadRequest},
		{"buttons without text", "op-1", `{"title":"t","scheduled_at":"2026-03-01T12:00:00Z","buttons":[{"text":"Go","url":"https://x.io","weight":1}]}`, http.StatusUnprocessableEntity},
		{"status preset", "op-1", `{"title":"t","text":"x","status":"completed","scheduled_at":"2026-03-01T12:00:00Z"}`, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			rec := f.do(http.MethodPost, "/api/mailings", tc.operator, tc.body)
			assert.Equal(t, tc.status, rec.Code)
			assert.Empty(t, f.repo.mailings)
		})
	}
}

func TestCreateMailingListsAllProblems(t *testing.T) {
	f := newFixture()
	rec := f.do(http.MethodPost, "/api/mailings", "op-1", `{"buttons":[{"text":"","weight":1}]}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var body struct {
		Problems []string `json:"problems"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.GreaterOrEqual(t, len(body.Problems), 4)
}

func TestCreateMailingWithoutCatalog(t *testing.T) {
	f := newFixture()
	f.catalog.catalog = nil
	f.catalog.err = &errs.DirectoryError{Op: "filter_catalog", Status: 503}

	rec := f.do(http.MethodPost, "/api/mailings", "op-1", validBody)
	require.Equal(t, http.StatusCreated, rec.Code)

	v, ok := f.repo.mailings[1].GroupFilters.Get("age")
	require.True(t, ok)
	assert.Equal(t, mailing.TextValue("30"), v)
	assert.Contains(t, f.logs.String(), "filter catalog unavailable")
}

func TestCreateMailingSurvivesEventFailure(t *testing.T) {
	f := newFixture()
	f.pub.err = errors.New("kafka: leader not available")

	rec := f.do(http.MethodPost, "/api/mailings", "op-1", validBody)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, f.repo.mailings, int64(1))
	assert.Contains(t, f.logs.String(), "failed to publish status event")
}

func TestUpdateMailing(t *testing.T) {
	f := newFixture()
	require.Equal(t, http.StatusCreated, f.do(http.MethodPost, "/api/mailings", "op-1", validBody).Code)
	f.repo.batches[1] = []mailing.Batch{{MailingID: 1, BatchNumber: 1}}

	body := `{"title":"Edited","text":"Bye","scheduled_at":"2026-03-02T12:00:00Z"}`
	rec := f.do(http.MethodPut, "/api/mailings/1", "op-2", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	stored := f.repo.mailings[1]
	assert.Equal(t, "Edited", stored.Title)
	assert.Empty(t, stored.Media)
	assert.Equal(t, "op-1", stored.CreatedBy)
	assert.Empty(t, f.repo.batches[1])
}

func TestUpdateMailingRearm(t *testing.T) {
	f := newFixture()
	require.Equal(t, http.StatusCreated, f.do(http.MethodPost, "/api/mailings", "op-1", validBody).Code)
	require.NoError(t, f.repo.SetStatus(context.Background(), 1, mailing.StatusFailed, "boom"))

	body := `{"title":"Retry","text":"Hello","status":"pending","scheduled_at":"2026-03-02T12:00:00Z"}`
	rec := f.do(http.MethodPut, "/api/mailings/1", "op-1", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, mailing.StatusPending, f.repo.mailings[1].Status)
	assert.Empty(t, f.repo.mailings[1].ErrorMessage)
}

func TestUpdateMailingErrors(t *testing.T) {
	f := newFixture()
	require.Equal(t, http.StatusCreated, f.do(http.MethodPost, "/api/mailings", "op-1", validBody).Code)
	require.NoError(t, f.repo.SetStatus(context.Background(), 1, mailing.StatusProcessing, ""))

	body := `{"title":"Edited","text":"Bye","scheduled_at":"2026-03-02T12:00:00Z"}`
	assert.Equal(t, http.StatusConflict, f.do(http.MethodPut, "/api/mailings/1", "op-1", body).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPut, "/api/mailings/42", "op-1", body).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPut, "/api/mailings/abc", "op-1", body).Code)
	assert.Equal(t, http.StatusBadRequest,
		f.do(http.MethodPut, "/api/mailings/1", "op-1", `{"title":"x","text":"y","status":"cancelled","scheduled_at":"2026-03-02T12:00:00Z"}`).Code)
}

func TestGetMailingWithBatches(t *testing.T) {
	f := newFixture()
	require.Equal(t, http.StatusCreated, f.do(http.MethodPost, "/api/mailings", "op-1", validBody).Code)
	f.repo.batches[1] = []mailing.Batch{{MailingID: 1, BatchNumber: 1, SuccessfulUsers: 9, FailedUsers: 1, ErrorDetails: json.RawMessage(`[]`)}}

	rec := f.do(http.MethodGet, "/api/mailings/1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var view MailingView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Len(t, view.Batches, 1)
	assert.Equal(t, 9, view.Batches[0].SuccessfulUsers)
	assert.Equal(t, "Spring promo", view.Title)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/mailings/7", "", "").Code)
}

func TestCancelMailing(t *testing.T) {
	f := newFixture()
	require.Equal(t, http.StatusCreated, f.do(http.MethodPost, "/api/mailings", "op-1", validBody).Code)

	rec := f.do(http.MethodPost, "/api/mailings/1/cancel", "op-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, mailing.StatusCancelled, f.repo.mailings[1].Status)

	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/api/mailings/1/cancel", "op-1", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/api/mailings/9/cancel", "op-1", "").Code)
}

func TestFiltersAreCached(t *testing.T) {
	f := newFixture()

	for i := 0; i < 3; i++ {
		rec := f.do(http.MethodGet, "/api/filters", "", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"group_label":"Profile"`)
	}
	assert.Equal(t, 1, f.catalog.calls)
}

func TestFiltersDirectoryDown(t *testing.T) {
	f := newFixture()
	f.catalog.catalog = nil
	f.catalog.err = &errs.AuthError{Status: 401}

	rec := f.do(http.MethodGet, "/api/filters", "", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	f.catalog.err = &errs.DirectoryError{Op: "filter_catalog", Status: 504}
	rec = f.do(http.MethodGet, "/api/filters", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
