package mailing

import (
	"context"
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

type ParseMode string

const (
	ParseModeNone       ParseMode = "none"
	ParseModeMarkdown   ParseMode = "markdown"
	ParseModeMarkdownV2 ParseMode = "markdown_v2"
	ParseModeHTML       ParseMode = "html"
)

// Valid reports whether p is a known parse mode. The empty value is treated
// as none.
func (p ParseMode) Valid() bool {
	switch p {
	case "", ParseModeNone, ParseModeMarkdown, ParseModeMarkdownV2, ParseModeHTML:
		return true
	}
	return false
}

type MediaKind string

const (
	MediaPhoto     MediaKind = "photo"
	MediaVideo     MediaKind = "video"
	MediaDocument  MediaKind = "document"
	MediaAudio     MediaKind = "audio"
	MediaVoice     MediaKind = "voice"
	MediaAnimation MediaKind = "animation"
	MediaVideoNote MediaKind = "video_note"
)

// Groupable reports whether the chat platform accepts the kind inside an album.
func (k MediaKind) Groupable() bool {
	switch k {
	case MediaPhoto, MediaVideo, MediaAudio:
		return true
	}
	return false
}

type Mailing struct {
	ID                    int64
	Title                 string
	Text                  string
	ParseMode             ParseMode
	DisableWebPagePreview bool
	DisableNotification   bool
	ProtectContent        bool
	GroupFilters          Filters
	ReplyMarkup           json.RawMessage
	ScheduledAt           time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
	Status                Status
	CreatedBy             string
	ErrorMessage          string

	Media   []MediaItem
	Buttons []InlineButton
}

// Due reports whether the scheduler may pick the mailing up at now.
func (m Mailing) Due(now time.Time) bool {
	return m.Status == StatusPending && !now.Before(m.ScheduledAt)
}

type MediaItem struct {
	ID        int64
	MailingID int64
	Kind      MediaKind
	File      string
	SizeBytes int64
	Caption   string
	Weight    int
	// ProviderFileID is the platform's id for an already uploaded copy.
	ProviderFileID string
}

type InlineButton struct {
	ID           int64
	MailingID    int64
	Text         string
	URL          string
	CallbackData string
	Weight       int
}

type Batch struct {
	MailingID       int64
	BatchNumber     int
	SuccessfulUsers int
	FailedUsers     int
	ErrorDetails    json.RawMessage
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Repository interface {
	CreateMailing(ctx context.Context, m Mailing) (Mailing, error)
	// UpdateMailing replaces content, media and buttons and drops any batch
	// records of the previous version.
	UpdateMailing(ctx context.Context, m Mailing) (Mailing, error)
	GetMailing(ctx context.Context, id int64) (Mailing, error)
	MailingExists(ctx context.Context, id int64) (bool, error)
	DueMailings(ctx context.Context, now time.Time) ([]int64, error)
	// ClaimMailing atomically moves a due mailing from pending to processing.
	// It returns false when another instance won the race or the mailing is
	// no longer due.
	ClaimMailing(ctx context.Context, id int64, now time.Time) (bool, error)
	SetStatus(ctx context.Context, id int64, status Status, errMsg string) error
	CancelMailing(ctx context.Context, id int64) (bool, error)
	UpsertBatch(ctx context.Context, b Batch) error
	ListBatches(ctx context.Context, mailingID int64) ([]Batch, error)
}
