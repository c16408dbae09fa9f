package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/example/broadcast-service/internal/errs"
	"github.com/example/broadcast-service/internal/events"
	"github.com/example/broadcast-service/internal/mailing"
)

// BroadcastID accepts the mailing id as a JSON number or a numeric string.
type BroadcastID string

func (b *BroadcastID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*b = BroadcastID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("broadcast_id must be a string or number: %w", err)
	}
	*b = BroadcastID(n.String())
	return nil
}

// MailingID parses the id. Anything that is not a positive integer cannot
// name a mailing.
func (b BroadcastID) MailingID() (int64, error) {
	id, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil || id <= 0 {
		return 0, errs.ErrNotFound
	}
	return id, nil
}

// BatchReport is the delivery worker's outcome for one dispatched page.
type BatchReport struct {
	BatchNumber     int             `json:"batch_number"`
	BroadcastID     BroadcastID     `json:"broadcast_id"`
	SuccessfulUsers int             `json:"successful_users"`
	FailedUsers     int             `json:"failed_users"`
	ErrorDetails    json.RawMessage `json:"error_details"`
}

func (r BatchReport) validate() error {
	if r.BroadcastID == "" {
		return errors.New("broadcast_id is required")
	}
	if r.BatchNumber < 1 {
		return errors.New("batch_number must be positive")
	}
	if r.SuccessfulUsers < 0 || r.FailedUsers < 0 {
		return errors.New("user counts must not be negative")
	}
	return nil
}

type Reconciler struct {
	Repo   mailing.Repository
	Events events.Publisher
	Logger zerolog.Logger
}

// ReportBatch stores the report, replacing any earlier report for the same
// batch. The mailing status is left alone.
func (rc *Reconciler) ReportBatch(ctx context.Context, r BatchReport) error {
	id, err := r.BroadcastID.MailingID()
	if err != nil {
		return err
	}
	exists, err := rc.Repo.MailingExists(ctx, id)
	if err != nil {
		return fmt.Errorf("look up mailing: %w", err)
	}
	if !exists {
		return errs.ErrNotFound
	}

	details := r.ErrorDetails
	if len(bytes.TrimSpace(details)) == 0 || string(bytes.TrimSpace(details)) == "null" {
		details = json.RawMessage("[]")
	}
	err = rc.Repo.UpsertBatch(ctx, mailing.Batch{
		MailingID:       id,
		BatchNumber:     r.BatchNumber,
		SuccessfulUsers: r.SuccessfulUsers,
		FailedUsers:     r.FailedUsers,
		ErrorDetails:    details,
	})
	if err != nil {
		return fmt.Errorf("store batch report: %w", err)
	}

	if rc.Events != nil {
		if err := rc.Events.Publish(ctx, events.Event{
			Type:        events.TypeBatchReported,
			MailingID:   id,
			BatchNumber: r.BatchNumber,
			Successful:  r.SuccessfulUsers,
			Failed:      r.FailedUsers,
		}); err != nil {
			rc.Logger.Warn().Err(err).Int64("mailing_id", id).Msg("failed to publish batch event")
		}
	}
	return nil
}
