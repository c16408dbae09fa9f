package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/example/broadcast-service/internal/assembler"
	"github.com/example/broadcast-service/internal/common"
	"github.com/example/broadcast-service/internal/errs"
)

var (
	submitCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "delivery_submissions_total",
		Help: "Batches submitted to the delivery worker",
	}, []string{"status"})
	submitLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "delivery_submission_duration_seconds",
		Help:    "Latency of delivery worker submissions",
		Buckets: prometheus.DefBuckets,
	})
)

// Submission is one audience page handed to the delivery worker.
type Submission struct {
	MailingID         int64
	Messages          []assembler.Message
	UserIDs           []int64
	BatchNumber       int
	TotalBatches      int
	DelayBetweenUsers float64
}

type submitRequest struct {
	Messages          []assembler.Message `json:"messages"`
	UserIDs           []int64             `json:"user_ids"`
	DelayBetweenUsers float64             `json:"delay_between_users"`
	BatchNumber       int                 `json:"batch_number"`
	TotalBatches      int                 `json:"total_batches"`
	BroadcastID       string              `json:"broadcast_id"`
}

// Client posts batches to the delivery worker. Only the HTTP status is
// inspected; per-recipient outcomes arrive later through the status webhook.
type Client struct {
	Endpoint string
	HTTP     *http.Client
	Limiter  *rate.Limiter
}

func NewClient(cfg *common.Config) *Client {
	rps := cfg.DispatchRatePerSec
	if rps <= 0 {
		rps = 5
	}
	return &Client{
		Endpoint: cfg.BroadcastURL,
		HTTP:     &http.Client{Timeout: cfg.DispatchTimeout},
		Limiter:  rate.NewLimiter(rate.Limit(rps), rps),
	}
}

func (c *Client) Submit(ctx context.Context, s Submission) error {
	ctx, span := otel.Tracer("delivery").Start(ctx, "delivery.submit")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("mailing.id", s.MailingID),
		attribute.Int("batch.number", s.BatchNumber),
		attribute.Int("batch.users", len(s.UserIDs)),
	)

	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return fmt.Errorf("wait for dispatch slot: %w", err)
		}
	}

	messages := s.Messages
	if messages == nil {
		messages = []assembler.Message{}
	}
	body, err := json.Marshal(submitRequest{
		Messages:          messages,
		UserIDs:           s.UserIDs,
		DelayBetweenUsers: s.DelayBetweenUsers,
		BatchNumber:       s.BatchNumber,
		TotalBatches:      s.TotalBatches,
		BroadcastID:       strconv.FormatInt(s.MailingID, 10),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint+"/broadcast", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	common.InjectTrace(ctx, req)

	client := c.HTTP
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	start := time.Now()
	resp, err := client.Do(req)
	submitLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		submitCounter.WithLabelValues("error").Inc()
		span.RecordError(err)
		return err
	}
	defer resp.Body.Close()

	submitCounter.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		err := &errs.DispatchError{Status: resp.StatusCode, Body: string(snippet)}
		span.RecordError(err)
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
