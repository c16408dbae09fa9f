// Package assembler turns a mailing's content into the ordered list of
// messages the delivery worker sends to every recipient.
package assembler

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/ecodeclub/ekit/slice"

	"github.com/example/broadcast-service/internal/mailing"
)

// MaxGroupSize is the platform's album limit.
const MaxGroupSize = 10

// Message is one of Text, SingleMedia or MediaGroup.
type Message interface {
	Type() string
}

type Button struct {
	Text         string `json:"text"`
	URL          string `json:"url,omitempty"`
	CallbackData string `json:"callback_data,omitempty"`
}

type Text struct {
	Body                  string
	ParseMode             string
	DisableWebPagePreview bool
	DisableNotification   bool
	ProtectContent        bool
	Buttons               []Button
}

type SingleMedia struct {
	Kind     mailing.MediaKind
	MediaRef string
	Caption  string
}

type GroupItem struct {
	Kind     mailing.MediaKind `json:"type"`
	MediaRef string            `json:"media"`
	Caption  string            `json:"caption,omitempty"`
}

type MediaGroup struct {
	Items []GroupItem
	// weight the group was built from; merge only joins groups of one weight
	weight int
}

func (Text) Type() string          { return "text" }
func (m SingleMedia) Type() string { return string(m.Kind) }
func (MediaGroup) Type() string    { return "media_group" }

func (t Text) MarshalJSON() ([]byte, error) {
	type wire struct {
		Type                  string   `json:"type"`
		Text                  string   `json:"text"`
		ParseMode             *string  `json:"parse_mode"`
		DisableWebPagePreview *bool    `json:"disable_web_page_preview"`
		DisableNotification   *bool    `json:"disable_notification"`
		ProtectContent        *bool    `json:"protect_content"`
		DelayAfter            int      `json:"delay_after"`
		InlineButtons         []Button `json:"inline_buttons,omitempty"`
	}
	w := wire{
		Type:                  t.Type(),
		Text:                  t.Body,
		DisableWebPagePreview: trueOrNil(t.DisableWebPagePreview),
		DisableNotification:   trueOrNil(t.DisableNotification),
		ProtectContent:        trueOrNil(t.ProtectContent),
		InlineButtons:         t.Buttons,
	}
	if t.ParseMode != "" {
		w.ParseMode = &t.ParseMode
	}
	return json.Marshal(w)
}

func (m SingleMedia) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type       string `json:"type"`
		Media      string `json:"media"`
		Caption    string `json:"caption,omitempty"`
		DelayAfter int    `json:"delay_after"`
	}{Type: m.Type(), Media: m.MediaRef, Caption: m.Caption})
}

func (g MediaGroup) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type       string      `json:"type"`
		Media      []GroupItem `json:"media"`
		DelayAfter int         `json:"delay_after"`
	}{Type: g.Type(), Media: g.Items})
}

func trueOrNil(b bool) *bool {
	if !b {
		return nil
	}
	return &b
}

// Assembler builds message lists. MediaBaseURL prefixes stored media paths.
type Assembler struct {
	MediaBaseURL string
}

func New(mediaBaseURL string) *Assembler {
	return &Assembler{MediaBaseURL: mediaBaseURL}
}

// Assemble returns media messages in weight order followed by the body text.
// An empty result means there is nothing to send.
func (a *Assembler) Assemble(m mailing.Mailing) []Message {
	messages := a.mediaMessages(m.Media)
	if strings.TrimSpace(m.Text) != "" {
		messages = append(messages, textMessage(m))
	}
	return messages
}

func (a *Assembler) mediaMessages(items []mailing.MediaItem) []Message {
	if len(items) == 0 {
		return nil
	}
	sorted := append([]mailing.MediaItem(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Weight < sorted[j].Weight })

	var (
		out     []Message
		pending *MediaGroup
	)
	flush := func() {
		if pending != nil && len(pending.Items) > 0 {
			out = append(out, *pending)
		}
		pending = nil
	}

	for _, item := range sorted {
		ref := a.mediaRef(item)
		if !item.Kind.Groupable() {
			flush()
			out = append(out, SingleMedia{Kind: item.Kind, MediaRef: ref})
			if item.Caption != "" {
				out = append(out, Text{Body: item.Caption})
			}
			continue
		}
		// a group only ever grows here, so every album leaves the walk as
		// large as its weight, class and the size cap allow
		if pending == nil ||
			pending.weight != item.Weight ||
			len(pending.Items) >= MaxGroupSize ||
			albumClass(pending.Items[0].Kind) != albumClass(item.Kind) {
			flush()
			pending = &MediaGroup{weight: item.Weight}
		}
		pending.Items = append(pending.Items, GroupItem{Kind: item.Kind, MediaRef: ref, Caption: item.Caption})
	}
	flush()
	return out
}

// albumClass separates audio from photo/video; the platform rejects albums
// mixing the two.
func albumClass(k mailing.MediaKind) string {
	if k == mailing.MediaAudio {
		return "audio"
	}
	return "visual"
}

func (a *Assembler) mediaRef(item mailing.MediaItem) string {
	if item.ProviderFileID != "" {
		return item.ProviderFileID
	}
	return a.MediaBaseURL + "/media/" + item.File
}

func textMessage(m mailing.Mailing) Text {
	t := Text{
		Body:                  m.Text,
		ParseMode:             wireParseMode(m.ParseMode),
		DisableWebPagePreview: m.DisableWebPagePreview,
		DisableNotification:   m.DisableNotification,
		ProtectContent:        m.ProtectContent,
	}
	if len(m.Buttons) > 0 {
		buttons := append([]mailing.InlineButton(nil), m.Buttons...)
		sort.SliceStable(buttons, func(i, j int) bool { return buttons[i].Weight < buttons[j].Weight })
		t.Buttons = slice.Map(buttons, func(_ int, b mailing.InlineButton) Button {
			if b.URL != "" {
				return Button{Text: b.Text, URL: b.URL}
			}
			return Button{Text: b.Text, CallbackData: b.CallbackData}
		})
	}
	return t
}

func wireParseMode(p mailing.ParseMode) string {
	switch p {
	case mailing.ParseModeMarkdown:
		return "Markdown"
	case mailing.ParseModeMarkdownV2:
		return "MarkdownV2"
	case mailing.ParseModeHTML:
		return "HTML"
	}
	return ""
}
