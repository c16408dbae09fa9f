package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/broadcast-service/internal/common"
	"github.com/example/broadcast-service/internal/directory"
	"github.com/example/broadcast-service/internal/errs"
	"github.com/example/broadcast-service/internal/events"
	"github.com/example/broadcast-service/internal/mailing"
)

var (
	reqCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intake_requests_total",
		Help: "Operator API requests by route and outcome",
	}, []string{"route", "status"})
	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "intake_request_duration_seconds",
		Help:    "Latency of operator API requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)

const catalogKey = "filter-catalog"

type CatalogSource interface {
	FetchFilterCatalog(ctx context.Context) (directory.Catalog, error)
}

type Handler struct {
	repo     mailing.Repository
	catalogs CatalogSource
	cache    *cache.Cache
	events   events.Publisher
	tracer   trace.Tracer
	logger   zerolog.Logger
}

func NewHandler(repo mailing.Repository, catalogs CatalogSource, publisher events.Publisher, cfg *common.Config, logger zerolog.Logger) *Handler {
	ttl := cfg.FiltersCacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Handler{
		repo:     repo,
		catalogs: catalogs,
		cache:    cache.New(ttl, 2*ttl),
		events:   publisher,
		tracer:   otel.Tracer("intake"),
		logger:   logger,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Get("/filters", h.filters)
		r.Post("/mailings", h.create)
		r.Get("/mailings/{id}", h.get)
		r.Put("/mailings/{id}", h.update)
		r.Post("/mailings/{id}/cancel", h.cancel)
	})
	return r
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "mailings.create")
	defer span.End()
	start := time.Now()
	defer observe("create", start)

	operator := r.Header.Get("x-operator-id")
	if operator == "" {
		h.respondErr(ctx, w, "create", http.StatusBadRequest, errors.New("missing x-operator-id header"))
		return
	}

	m, ok := h.decode(ctx, w, r, "create")
	if !ok {
		return
	}
	if m.Status != "" && m.Status != mailing.StatusPending {
		h.respondErr(ctx, w, "create", http.StatusBadRequest, fmt.Errorf("status %q cannot be set on create", m.Status))
		return
	}
	m.Status = mailing.StatusPending
	m.CreatedBy = operator

	saved, err := h.repo.CreateMailing(ctx, m)
	if err != nil {
		h.respondErr(ctx, w, "create", http.StatusInternalServerError, err)
		return
	}
	span.SetAttributes(attribute.Int64("mailing.id", saved.ID))
	h.logger.Info().Int64("mailing_id", saved.ID).Str("operator", operator).Time("scheduled_at", saved.ScheduledAt).Msg("mailing created")
	h.publish(ctx, saved.ID, saved.Status)

	h.respond(w, "create", http.StatusCreated, newMailingView(saved, nil))
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "mailings.update")
	defer span.End()
	start := time.Now()
	defer observe("update", start)

	if r.Header.Get("x-operator-id") == "" {
		h.respondErr(ctx, w, "update", http.StatusBadRequest, errors.New("missing x-operator-id header"))
		return
	}
	id, err := mailingID(r)
	if err != nil {
		h.respondErr(ctx, w, "update", http.StatusNotFound, err)
		return
	}
	span.SetAttributes(attribute.Int64("mailing.id", id))

	m, ok := h.decode(ctx, w, r, "update")
	if !ok {
		return
	}
	if m.Status != "" && m.Status != mailing.StatusPending {
		h.respondErr(ctx, w, "update", http.StatusBadRequest, fmt.Errorf("status %q cannot be set by an edit", m.Status))
		return
	}
	m.ID = id

	saved, err := h.repo.UpdateMailing(ctx, m)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		h.respondErr(ctx, w, "update", http.StatusNotFound, err)
		return
	case errors.Is(err, errs.ErrConflict):
		h.respondErr(ctx, w, "update", http.StatusConflict, err)
		return
	case err != nil:
		h.respondErr(ctx, w, "update", http.StatusInternalServerError, err)
		return
	}
	if m.Status == mailing.StatusPending {
		h.publish(ctx, id, saved.Status)
	}

	h.respond(w, "update", http.StatusOK, newMailingView(saved, nil))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "mailings.get")
	defer span.End()
	start := time.Now()
	defer observe("get", start)

	id, err := mailingID(r)
	if err != nil {
		h.respondErr(ctx, w, "get", http.StatusNotFound, err)
		return
	}
	m, err := h.repo.GetMailing(ctx, id)
	if errors.Is(err, errs.ErrNotFound) {
		h.respondErr(ctx, w, "get", http.StatusNotFound, err)
		return
	}
	if err != nil {
		h.respondErr(ctx, w, "get", http.StatusInternalServerError, err)
		return
	}
	batches, err := h.repo.ListBatches(ctx, id)
	if err != nil {
		h.respondErr(ctx, w, "get", http.StatusInternalServerError, err)
		return
	}
	h.respond(w, "get", http.StatusOK, newMailingView(m, batches))
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "mailings.cancel")
	defer span.End()
	start := time.Now()
	defer observe("cancel", start)

	id, err := mailingID(r)
	if err != nil {
		h.respondErr(ctx, w, "cancel", http.StatusNotFound, err)
		return
	}
	cancelled, err := h.repo.CancelMailing(ctx, id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, errs.ErrNotFound) {
			status = http.StatusNotFound
		}
		h.respondErr(ctx, w, "cancel", status, err)
		return
	}
	if !cancelled {
		h.respondErr(ctx, w, "cancel", http.StatusConflict, errors.New("only pending mailings can be cancelled"))
		return
	}
	h.logger.Info().Int64("mailing_id", id).Str("operator", r.Header.Get("x-operator-id")).Msg("mailing cancelled")
	h.publish(ctx, id, mailing.StatusCancelled)
	h.respond(w, "cancel", http.StatusOK, map[string]any{"id": id, "status": mailing.StatusCancelled})
}

func (h *Handler) filters(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "filters.list")
	defer span.End()
	start := time.Now()
	defer observe("filters", start)

	catalog, err := h.catalog(ctx)
	if err != nil {
		status := http.StatusBadGateway
		if errs.IsTransient(err) {
			status = http.StatusServiceUnavailable
		}
		h.respondErr(ctx, w, "filters", status, err)
		return
	}
	h.respond(w, "filters", http.StatusOK, catalog)
}

func (h *Handler) catalog(ctx context.Context) (directory.Catalog, error) {
	if cached, ok := h.cache.Get(catalogKey); ok {
		return cached.(directory.Catalog), nil
	}
	if h.catalogs == nil {
		return nil, errors.New("directory is not configured")
	}
	catalog, err := h.catalogs.FetchFilterCatalog(ctx)
	if err != nil {
		return nil, err
	}
	h.cache.Set(catalogKey, catalog, cache.DefaultExpiration)
	return catalog, nil
}

// decode reads and validates a mailing body. Filter values are re-tagged
// against the catalog when it is reachable; otherwise they are stored as sent.
func (h *Handler) decode(ctx context.Context, w http.ResponseWriter, r *http.Request, route string) (mailing.Mailing, bool) {
	var req MailingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondErr(ctx, w, route, http.StatusBadRequest, err)
		return mailing.Mailing{}, false
	}
	m := req.mailing()

	if len(m.GroupFilters) > 0 {
		catalog, err := h.catalog(ctx)
		if err != nil {
			logger := common.WithContext(ctx, h.logger)
			logger.Warn().Err(err).Msg("filter catalog unavailable, storing filters as sent")
		} else {
			m.GroupFilters = catalog.Coerce(m.GroupFilters)
		}
	}

	if err := mailing.Validate(m); err != nil {
		var verr *errs.ValidationError
		if errors.As(err, &verr) {
			reqCounter.WithLabelValues(route, "invalid").Inc()
			h.respond(w, route, http.StatusUnprocessableEntity, map[string]any{
				"error":    "mailing is invalid",
				"problems": verr.Problems(),
			})
			return mailing.Mailing{}, false
		}
		h.respondErr(ctx, w, route, http.StatusBadRequest, err)
		return mailing.Mailing{}, false
	}
	return m, true
}

func (h *Handler) publish(ctx context.Context, id int64, status mailing.Status) {
	if err := h.events.Publish(ctx, events.Event{Type: events.TypeStatusChanged, MailingID: id, Status: status}); err != nil {
		logger := common.WithContext(ctx, h.logger)
		logger.Warn().Err(err).Int64("mailing_id", id).Msg("failed to publish status event")
	}
}

func (h *Handler) respond(w http.ResponseWriter, route string, status int, body any) {
	if status < 300 {
		reqCounter.WithLabelValues(route, "ok").Inc()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) respondErr(ctx context.Context, w http.ResponseWriter, route string, status int, err error) {
	logger := common.WithContext(ctx, h.logger)
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Int("status", status).Str("route", route).Msg("mailings handler failed")
	} else {
		logger.Warn().Err(err).Int("status", status).Str("route", route).Msg("mailings request rejected")
	}
	reqCounter.WithLabelValues(route, http.StatusText(status)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func observe(route string, start time.Time) {
	requestLatency.WithLabelValues(route).Observe(time.Since(start).Seconds())
}

func mailingID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errs.ErrNotFound
	}
	return id, nil
}
