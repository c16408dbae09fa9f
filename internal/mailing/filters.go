package mailing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

type FilterKind string

const (
	FilterText           FilterKind = "text"
	FilterNumber         FilterKind = "number"
	FilterBoolean        FilterKind = "boolean"
	FilterDate           FilterKind = "date"
	FilterChoice         FilterKind = "choice"
	FilterMultipleChoice FilterKind = "multiple_choice"
	// FilterRaw holds values whose shape is unknown; they are forwarded as is.
	FilterRaw FilterKind = "raw"
)

const DateLayout = "2006-01-02"

// FilterValue is one selected audience-filter value. Only the field matching
// Kind is meaningful. Numbers keep their JSON literal so ids and decimals
// reach the directory exactly as the operator wrote them.
type FilterValue struct {
	Kind    FilterKind
	Text    string
	Number  json.Number
	Bool    bool
	Date    time.Time
	Choices []string
	Raw     json.RawMessage
}

func TextValue(s string) FilterValue { return FilterValue{Kind: FilterText, Text: s} }
func NumberValue(n float64) FilterValue {
	return FilterValue{Kind: FilterNumber, Number: json.Number(strconv.FormatFloat(n, 'f', -1, 64))}
}

// NumberLiteral keeps a number exactly as written. It fails for anything
// that is not a JSON number.
func NumberLiteral(s string) (FilterValue, error) {
	var n json.Number
	if err := json.Unmarshal([]byte(s), &n); err != nil || n == "" || s[0] == '"' {
		return FilterValue{}, fmt.Errorf("filter value: %q is not a number", s)
	}
	return FilterValue{Kind: FilterNumber, Number: n}, nil
}

func BoolValue(b bool) FilterValue { return FilterValue{Kind: FilterBoolean, Bool: b} }
func DateValue(t time.Time) FilterValue { return FilterValue{Kind: FilterDate, Date: t} }
func ChoiceValue(s string) FilterValue { return FilterValue{Kind: FilterChoice, Text: s} }
func MultiChoiceValue(v ...string) FilterValue {
	return FilterValue{Kind: FilterMultipleChoice, Choices: append([]string(nil), v...)}
}

func (v FilterValue) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case FilterText, FilterChoice:
		return json.Marshal(v.Text)
	case FilterNumber:
		if v.Number == "" {
			return []byte("0"), nil
		}
		return []byte(v.Number), nil
	case FilterBoolean:
		return json.Marshal(v.Bool)
	case FilterDate:
		return json.Marshal(v.Date.Format(DateLayout))
	case FilterMultipleChoice:
		if v.Choices == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.Choices)
	case FilterRaw:
		if len(v.Raw) == 0 {
			return []byte("null"), nil
		}
		return v.Raw, nil
	}
	return nil, fmt.Errorf("filter value: unknown kind %q", v.Kind)
}

// UnmarshalJSON infers the kind from the JSON shape. Dates and single
// choices are indistinguishable from text here; the directory catalog
// re-tags them.
func (v *FilterValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("filter value: empty input")
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = TextValue(s)
		return nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = BoolValue(b)
		return nil
	case '[':
		var choices []string
		if err := json.Unmarshal(data, &choices); err == nil {
			*v = MultiChoiceValue(choices...)
			return nil
		}
	default:
		if n, err := NumberLiteral(string(data)); err == nil {
			*v = n
			return nil
		}
	}
	*v = FilterValue{Kind: FilterRaw, Raw: append(json.RawMessage(nil), data...)}
	return nil
}

type FilterEntry struct {
	Name  string
	Value FilterValue
}

// Filters is the ordered attribute-name → value mapping attached to a
// mailing. The attribute set is defined by the directory at runtime, so no
// key is validated here.
type Filters []FilterEntry

func (f Filters) Get(name string) (FilterValue, bool) {
	for _, e := range f {
		if e.Name == name {
			return e.Value, true
		}
	}
	return FilterValue{}, false
}

// Set replaces the value of an existing attribute in place or appends it.
func (f Filters) Set(name string, v FilterValue) Filters {
	for i := range f {
		if f[i].Name == name {
			f[i].Value = v
			return f
		}
	}
	return append(f, FilterEntry{Name: name, Value: v})
}

func (f Filters) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range f {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(e.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := e.Value.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("filter %q: %w", e.Name, err)
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (f *Filters) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*f = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("filters: expected object, got %v", tok)
	}
	out := Filters{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("filters: expected key, got %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("filters: value of %q: %w", name, err)
		}
		var v FilterValue
		if err := v.UnmarshalJSON(raw); err != nil {
			return fmt.Errorf("filters: value of %q: %w", name, err)
		}
		out = out.Set(name, v)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*f = out
	return nil
}
