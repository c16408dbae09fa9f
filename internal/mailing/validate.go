package mailing

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"slices"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/example/broadcast-service/internal/errs"
)

const (
	mb = 1 << 20

	maxCallbackDataBytes = 64
	maxTitleLength       = 255
)

type mediaRule struct {
	extensions []string
	maxBytes   int64
}

var mediaRules = map[MediaKind]mediaRule{
	MediaPhoto:     {extensions: []string{"jpg", "jpeg", "png", "webp"}, maxBytes: 10 * mb},
	MediaVideo:     {extensions: []string{"mp4", "mov"}, maxBytes: 50 * mb},
	MediaDocument:  {extensions: []string{"pdf", "doc", "docx", "xls", "xlsx", "ppt", "pptx", "txt", "csv", "zip"}, maxBytes: 50 * mb},
	MediaAudio:     {extensions: []string{"mp3", "m4a", "ogg", "wav"}, maxBytes: 50 * mb},
	MediaVoice:     {extensions: []string{"ogg", "oga", "opus"}, maxBytes: 20 * mb},
	MediaAnimation: {extensions: []string{"gif", "mp4"}, maxBytes: 50 * mb},
	MediaVideoNote: {extensions: []string{"mp4"}, maxBytes: 50 * mb},
}

// Validate checks every invariant of m and returns an *errs.ValidationError
// listing all violations, or nil.
func Validate(m Mailing) error {
	var result *multierror.Error

	if strings.TrimSpace(m.Title) == "" {
		result = multierror.Append(result, errors.New("title is required"))
	} else if len([]rune(m.Title)) > maxTitleLength {
		result = multierror.Append(result, fmt.Errorf("title is longer than %d characters", maxTitleLength))
	}
	hasText := strings.TrimSpace(m.Text) != ""
	if !hasText && len(m.Media) == 0 {
		result = multierror.Append(result, errors.New("text is required when no media is attached"))
	}
	if !hasText && len(m.Buttons) > 0 {
		result = multierror.Append(result, errors.New("inline buttons require message text"))
	}
	if !m.ParseMode.Valid() {
		result = multierror.Append(result, fmt.Errorf("unknown parse mode %q", m.ParseMode))
	}
	if m.ScheduledAt.IsZero() {
		result = multierror.Append(result, errors.New("scheduled_at is required"))
	}
	if len(m.ReplyMarkup) > 0 && !json.Valid(m.ReplyMarkup) {
		result = multierror.Append(result, errors.New("reply markup is not valid JSON"))
	}

	for i, item := range m.Media {
		if err := validateMedia(item); err != nil {
			result = multierror.Append(result, fmt.Errorf("media[%d]: %w", i, err))
		}
	}

	weights := make(map[int]struct{}, len(m.Buttons))
	for i, b := range m.Buttons {
		if err := validateButton(b); err != nil {
			result = multierror.Append(result, fmt.Errorf("buttons[%d]: %w", i, err))
		}
		if _, dup := weights[b.Weight]; dup {
			result = multierror.Append(result, fmt.Errorf("buttons[%d]: weight %d is already used", i, b.Weight))
		}
		weights[b.Weight] = struct{}{}
	}

	if result.ErrorOrNil() == nil {
		return nil
	}
	return &errs.ValidationError{Err: result}
}

func validateMedia(item MediaItem) error {
	rule, ok := mediaRules[item.Kind]
	if !ok {
		return fmt.Errorf("unknown media kind %q", item.Kind)
	}
	if item.File == "" {
		return errors.New("file is required")
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(item.File)), ".")
	if !slices.Contains(rule.extensions, ext) {
		return fmt.Errorf("extension %q not allowed for %s (allowed: %s)", ext, item.Kind, strings.Join(rule.extensions, ", "))
	}
	if item.SizeBytes < 0 {
		return errors.New("size must not be negative")
	}
	if item.SizeBytes > rule.maxBytes {
		return fmt.Errorf("%s exceeds %d MB", item.Kind, rule.maxBytes/mb)
	}
	return nil
}

func validateButton(b InlineButton) error {
	if strings.TrimSpace(b.Text) == "" {
		return errors.New("text is required")
	}
	hasURL, hasCallback := b.URL != "", b.CallbackData != ""
	switch {
	case hasURL && hasCallback:
		return errors.New("set either url or callback data, not both")
	case !hasURL && !hasCallback:
		return errors.New("url or callback data is required")
	case hasURL:
		u, err := url.Parse(b.URL)
		if err != nil || (u.Host == "" && u.Scheme != "tg") {
			return fmt.Errorf("invalid url %q", b.URL)
		}
		switch u.Scheme {
		case "http", "https", "tg":
		default:
			return fmt.Errorf("unsupported url scheme %q", u.Scheme)
		}
	case len(b.CallbackData) > maxCallbackDataBytes:
		return fmt.Errorf("callback data is longer than %d bytes", maxCallbackDataBytes)
	}
	return nil
}
