package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/broadcast-service/internal/common"
	"github.com/example/broadcast-service/internal/errs"
)

type Server struct {
	Reconciler *Reconciler
	Secret     string
	Logger     zerolog.Logger
}

var (
	reportCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_batch_reports_total",
		Help: "Batch status reports received from the delivery worker",
	}, []string{"status"})
)

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/api/broadcast/status", s.handle)
	return r
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("webhook").Start(common.ExtractTrace(r), "batch-status")
	defer span.End()

	if !s.authorized(r.Header.Get("Authorization")) {
		s.respondErr(ctx, w, http.StatusUnauthorized, errs.ErrUnauthorized)
		return
	}

	var report BatchReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		s.respondErr(ctx, w, http.StatusBadRequest, err)
		return
	}
	if err := report.validate(); err != nil {
		s.respondErr(ctx, w, http.StatusBadRequest, err)
		return
	}
	span.SetAttributes(
		attribute.String("broadcast.id", string(report.BroadcastID)),
		attribute.Int("batch.number", report.BatchNumber),
	)

	if err := s.Reconciler.ReportBatch(ctx, report); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			s.respondErr(ctx, w, http.StatusNotFound, err)
			return
		}
		span.RecordError(err)
		s.respondErr(ctx, w, http.StatusInternalServerError, err)
		return
	}

	reportCounter.WithLabelValues("ok").Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// authorized accepts the shared secret either bare or as a bearer token.
// An unconfigured secret rejects every request.
func (s *Server) authorized(header string) bool {
	if s.Secret == "" || header == "" {
		return false
	}
	token := strings.TrimSpace(header)
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.Secret)) == 1
}

func (s *Server) respondErr(ctx context.Context, w http.ResponseWriter, status int, err error) {
	logger := common.WithContext(ctx, s.Logger)
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Int("status", status).Msg("batch status handler error")
	} else {
		logger.Warn().Err(err).Int("status", status).Msg("batch status rejected")
	}
	reportCounter.WithLabelValues(http.StatusText(status)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
