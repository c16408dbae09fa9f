package intake

import (
	"encoding/json"
	"time"

	"github.com/ecodeclub/ekit/slice"

	"github.com/example/broadcast-service/internal/mailing"
)

type MediaRequest struct {
	Type           mailing.MediaKind `json:"type"`
	File           string            `json:"file"`
	SizeBytes      int64             `json:"size_bytes"`
	Caption        string            `json:"caption"`
	Weight         int               `json:"weight"`
	ProviderFileID string            `json:"provider_file_id"`
}

type ButtonRequest struct {
	Text         string `json:"text"`
	URL          string `json:"url"`
	CallbackData string `json:"callback_data"`
	Weight       int    `json:"weight"`
}

// MailingRequest is the body of create and update calls.
type MailingRequest struct {
	Title                 string            `json:"title"`
	Text                  string            `json:"text"`
	ParseMode             mailing.ParseMode `json:"parse_mode"`
	DisableWebPagePreview bool              `json:"disable_web_page_preview"`
	DisableNotification   bool              `json:"disable_notification"`
	ProtectContent        bool              `json:"protect_content"`
	GroupFilters          mailing.Filters   `json:"group_filters"`
	ReplyMarkup           json.RawMessage   `json:"reply_markup"`
	ScheduledAt           time.Time         `json:"scheduled_at"`
	// Status may only be set to pending, which re-arms a finished mailing.
	Status  mailing.Status  `json:"status"`
	Media   []MediaRequest  `json:"media"`
	Buttons []ButtonRequest `json:"buttons"`
}

func (r MailingRequest) mailing() mailing.Mailing {
	return mailing.Mailing{
		Title:                 r.Title,
		Text:                  r.Text,
		ParseMode:             r.ParseMode,
		DisableWebPagePreview: r.DisableWebPagePreview,
		DisableNotification:   r.DisableNotification,
		ProtectContent:        r.ProtectContent,
		GroupFilters:          r.GroupFilters,
		ReplyMarkup:           r.ReplyMarkup,
		ScheduledAt:           r.ScheduledAt.UTC(),
		Status:                r.Status,
		Media: slice.Map(r.Media, func(_ int, m MediaRequest) mailing.MediaItem {
			return mailing.MediaItem{
				Kind:           m.Type,
				File:           m.File,
				SizeBytes:      m.SizeBytes,
				Caption:        m.Caption,
				Weight:         m.Weight,
				ProviderFileID: m.ProviderFileID,
			}
		}),
		Buttons: slice.Map(r.Buttons, func(_ int, b ButtonRequest) mailing.InlineButton {
			return mailing.InlineButton{Text: b.Text, URL: b.URL, CallbackData: b.CallbackData, Weight: b.Weight}
		}),
	}
}

type BatchView struct {
	BatchNumber     int             `json:"batch_number"`
	SuccessfulUsers int             `json:"successful_users"`
	FailedUsers     int             `json:"failed_users"`
	ErrorDetails    json.RawMessage `json:"error_details,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type MailingView struct {
	ID                    int64             `json:"id"`
	Title                 string            `json:"title"`
	Text                  string            `json:"text"`
	ParseMode             mailing.ParseMode `json:"parse_mode"`
	DisableWebPagePreview bool              `json:"disable_web_page_preview"`
	DisableNotification   bool              `json:"disable_notification"`
	ProtectContent        bool              `json:"protect_content"`
	GroupFilters          mailing.Filters   `json:"group_filters"`
	ReplyMarkup           json.RawMessage   `json:"reply_markup,omitempty"`
	ScheduledAt           time.Time         `json:"scheduled_at"`
	Status                mailing.Status    `json:"status"`
	ErrorMessage          string            `json:"error_message,omitempty"`
	CreatedBy             string            `json:"created_by"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
	Media                 []MediaRequest    `json:"media"`
	Buttons               []ButtonRequest   `json:"buttons"`
	Batches               []BatchView       `json:"batches,omitempty"`
}

func newMailingView(m mailing.Mailing, batches []mailing.Batch) MailingView {
	filters := m.GroupFilters
	if filters == nil {
		filters = mailing.Filters{}
	}
	return MailingView{
		ID:                    m.ID,
		Title:                 m.Title,
		Text:                  m.Text,
		ParseMode:             m.ParseMode,
		DisableWebPagePreview: m.DisableWebPagePreview,
		DisableNotification:   m.DisableNotification,
		ProtectContent:        m.ProtectContent,
		GroupFilters:          filters,
		ReplyMarkup:           m.ReplyMarkup,
		ScheduledAt:           m.ScheduledAt,
		Status:                m.Status,
		ErrorMessage:          m.ErrorMessage,
		CreatedBy:             m.CreatedBy,
		CreatedAt:             m.CreatedAt,
		UpdatedAt:             m.UpdatedAt,
		Media: slice.Map(m.Media, func(_ int, item mailing.MediaItem) MediaRequest {
			return MediaRequest{
				Type:           item.Kind,
				File:           item.File,
				SizeBytes:      item.SizeBytes,
				Caption:        item.Caption,
				Weight:         item.Weight,
				ProviderFileID: item.ProviderFileID,
			}
		}),
		Buttons: slice.Map(m.Buttons, func(_ int, b mailing.InlineButton) ButtonRequest {
			return ButtonRequest{Text: b.Text, URL: b.URL, CallbackData: b.CallbackData, Weight: b.Weight}
		}),
		Batches: slice.Map(batches, func(_ int, b mailing.Batch) BatchView {
			return BatchView{
				BatchNumber:     b.BatchNumber,
				SuccessfulUsers: b.SuccessfulUsers,
				FailedUsers:     b.FailedUsers,
				ErrorDetails:    b.ErrorDetails,
				UpdatedAt:       b.UpdatedAt,
			}
		}),
	}
}
