package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/broadcast-service/internal/common"
	"github.com/example/broadcast-service/internal/errs"
	"github.com/example/broadcast-service/internal/mailing"
)

var (
	requestCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "directory_requests_total",
		Help: "Requests sent to the audience directory",
	}, []string{"op", "status"})
	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "directory_request_duration_seconds",
		Help:    "Latency of audience directory requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
)

const maxErrorBody = 4 << 10

// UserPage is one page of a filtered audience. Count is the size of the
// whole audience, not of the page.
type UserPage struct {
	Count int     `json:"count"`
	Users []int64 `json:"users"`
}

// Client talks to the external user directory. The access token is never
// cached: every call logs in first.
type Client struct {
	BaseURL     string
	Key         string
	Password    string
	Provider    string
	Fingerprint string
	// Timeout bounds a single HTTP attempt; RetryMaxElapsed bounds all
	// attempts of one call.
	Timeout         time.Duration
	RetryMaxElapsed time.Duration
	HTTP            *http.Client
	Logger          zerolog.Logger
}

func NewClient(cfg *common.Config, logger zerolog.Logger) *Client {
	return &Client{
		BaseURL:         cfg.DirectoryURL,
		Key:             cfg.DirectoryKey,
		Password:        cfg.DirectoryPassword,
		Provider:        cfg.DirectoryProvider,
		Fingerprint:     cfg.DirectoryFingerprint,
		Timeout:         cfg.DirectoryTimeout,
		RetryMaxElapsed: cfg.DirectoryRetryMaxElapsed,
		Logger:          logger,
	}
}

// Authenticate exchanges the configured credential for a bearer token.
func (c *Client) Authenticate(ctx context.Context) (string, error) {
	ctx, span := c.startSpan(ctx, "directory.authenticate")
	defer span.End()

	var token string
	err := c.retry(ctx, "authenticate", func(ctx context.Context) error {
		var err error
		token, err = c.login(ctx)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	return token, nil
}

func (c *Client) FetchFilterCatalog(ctx context.Context) (Catalog, error) {
	ctx, span := c.startSpan(ctx, "directory.filter_catalog")
	defer span.End()

	var catalog Catalog
	err := c.retry(ctx, "filter_catalog", func(ctx context.Context) error {
		token, err := c.login(ctx)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/users/available-filters", nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		c.authorize(ctx, req, token)

		status, body, err := c.do(req, "filter_catalog")
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return classify(&errs.DirectoryError{Op: "filter_catalog", Status: status, Body: string(body)})
		}
		if err := json.Unmarshal(body, &catalog); err != nil {
			return backoff.Permanent(fmt.Errorf("decode filter catalog: %w", err))
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return catalog, nil
}

// FetchFilteredUsers returns one page (1-based) of the audience matching
// filters.
func (c *Client) FetchFilteredUsers(ctx context.Context, filters mailing.Filters, page, limit int) (UserPage, error) {
	ctx, span := c.startSpan(ctx, "directory.filter_users")
	defer span.End()
	span.SetAttributes(attribute.Int("page", page), attribute.Int("limit", limit))

	if filters == nil {
		filters = mailing.Filters{}
	}
	payload, err := json.Marshal(map[string]any{"additionalProperties": filters})
	if err != nil {
		return UserPage{}, fmt.Errorf("encode filters: %w", err)
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	endpoint := c.BaseURL + "/users/filter?" + q.Encode()

	var result UserPage
	err = c.retry(ctx, "filter_users", func(ctx context.Context) error {
		token, err := c.login(ctx)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		c.authorize(ctx, req, token)

		status, body, err := c.do(req, "filter_users")
		if err != nil {
			return err
		}
		switch {
		case status == http.StatusOK || status == http.StatusCreated:
		case status == http.StatusBadRequest:
			return backoff.Permanent(&errs.DirectoryError{Op: "filter_users", Status: status, Body: string(body), BadFilter: true})
		default:
			return classify(&errs.DirectoryError{Op: "filter_users", Status: status, Body: string(body)})
		}
		result = UserPage{}
		if err := json.Unmarshal(body, &result); err != nil {
			return backoff.Permanent(fmt.Errorf("decode filtered users: %w", err))
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return UserPage{}, err
	}
	span.SetAttributes(attribute.Int("count", result.Count), attribute.Int("users", len(result.Users)))
	return result, nil
}

func (c *Client) login(ctx context.Context) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"key":      c.Key,
		"password": c.Password,
		"provider": c.Provider,
	})
	if err != nil {
		return "", backoff.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/auth/login", bytes.NewReader(payload))
	if err != nil {
		return "", backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Fingerprint != "" {
		req.Header.Set("fingerprint", c.Fingerprint)
	}
	common.InjectTrace(ctx, req)

	status, body, err := c.do(req, "login")
	if err != nil {
		return "", err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		authErr := &errs.AuthError{Status: status, Body: string(body)}
		if status >= 500 {
			return "", authErr
		}
		return "", backoff.Permanent(authErr)
	}
	var resp struct {
		AccessToken string `json:"accessToken"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", backoff.Permanent(fmt.Errorf("decode login response: %w", err))
	}
	if resp.AccessToken == "" {
		return "", backoff.Permanent(&errs.AuthError{Status: status, Body: "empty access token"})
	}
	return resp.AccessToken, nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
	common.InjectTrace(ctx, req)
}

// do performs one attempt and returns the status with the (bounded) body.
func (c *Client) do(req *http.Request, op string) (int, []byte, error) {
	client := c.HTTP
	if client == nil {
		client = &http.Client{}
	}
	start := time.Now()
	resp, err := client.Do(req)
	requestLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		requestCounter.WithLabelValues(op, "error").Inc()
		return 0, nil, err
	}
	defer resp.Body.Close()
	requestCounter.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()

	limit := int64(maxErrorBody)
	if resp.StatusCode < 300 {
		limit = 32 << 20
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return 0, nil, fmt.Errorf("read %s response: %w", op, err)
	}
	return resp.StatusCode, body, nil
}

func (c *Client) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	if c.RetryMaxElapsed > 0 {
		b.MaxElapsedTime = c.RetryMaxElapsed
	}
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		attemptCtx := ctx
		if c.Timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, c.Timeout)
			defer cancel()
		}
		err := fn(attemptCtx)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err != nil {
			c.Logger.Debug().Err(err).Str("op", op).Int("attempt", attempt).Msg("directory attempt failed")
		}
		return err
	}, backoff.WithContext(b, ctx))
}

func (c *Client) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return otel.Tracer("directory").Start(ctx, name)
}

// classify marks 4xx answers as permanent so the retry loop gives up.
func classify(err *errs.DirectoryError) error {
	if err.Status >= 400 && err.Status < 500 {
		return backoff.Permanent(err)
	}
	return err
}
