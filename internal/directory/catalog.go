package directory

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/example/broadcast-service/internal/mailing"
)

// AttributeType is the type tag the directory attaches to a filterable
// attribute.
type AttributeType string

const (
	TypeText           AttributeType = "text"
	TypeNumber         AttributeType = "number"
	TypeBoolean        AttributeType = "boolean"
	TypeDate           AttributeType = "date"
	TypeChoice         AttributeType = "choice"
	TypeMultipleChoice AttributeType = "multiple_choice"
)

// Constraint is the type-specific payload of an Attribute: NumberRange,
// DateRange or Choices. Text and boolean attributes carry none.
type Constraint interface {
	constraint()
}

type NumberRange struct {
	Min *float64
	Max *float64
}

type DateRange struct {
	Min string
	Max string
}

type Choices struct {
	Values []string
}

func (NumberRange) constraint() {}
func (DateRange) constraint()   {}
func (Choices) constraint()     {}

type Attribute struct {
	Name       string
	Label      string
	Type       AttributeType
	Constraint Constraint
}

type AttributeGroup struct {
	Label      string
	Attributes []Attribute
}

// Catalog is the full set of attribute groups served by the directory.
type Catalog []AttributeGroup

type wireAttribute struct {
	Name     string   `json:"name"`
	Label    string   `json:"label"`
	Type     string   `json:"type"`
	Choices  []string `json:"choices,omitempty"`
	MinValue *float64 `json:"min_value,omitempty"`
	MaxValue *float64 `json:"max_value,omitempty"`
	MinDate  string   `json:"min_date,omitempty"`
	MaxDate  string   `json:"max_date,omitempty"`
}

type wireGroup struct {
	GroupLabel string          `json:"group_label"`
	Fields     []wireAttribute `json:"fields"`
}

type catalogResponse struct {
	Data []wireGroup `json:"data"`
}

func (a wireAttribute) attribute() Attribute {
	attr := Attribute{Name: a.Name, Label: a.Label, Type: AttributeType(a.Type)}
	switch attr.Type {
	case TypeNumber:
		attr.Constraint = NumberRange{Min: a.MinValue, Max: a.MaxValue}
	case TypeDate:
		attr.Constraint = DateRange{Min: a.MinDate, Max: a.MaxDate}
	case TypeChoice, TypeMultipleChoice:
		attr.Constraint = Choices{Values: a.Choices}
	case TypeText, TypeBoolean:
	default:
		// Unknown tags are rendered as free text.
		attr.Type = TypeText
	}
	return attr
}

func (a Attribute) wire() wireAttribute {
	w := wireAttribute{Name: a.Name, Label: a.Label, Type: string(a.Type)}
	switch c := a.Constraint.(type) {
	case NumberRange:
		w.MinValue, w.MaxValue = c.Min, c.Max
	case DateRange:
		w.MinDate, w.MaxDate = c.Min, c.Max
	case Choices:
		w.Choices = c.Values
	}
	return w
}

func (c Catalog) MarshalJSON() ([]byte, error) {
	resp := catalogResponse{Data: make([]wireGroup, 0, len(c))}
	for _, g := range c {
		wg := wireGroup{GroupLabel: g.Label, Fields: make([]wireAttribute, 0, len(g.Attributes))}
		for _, a := range g.Attributes {
			wg.Fields = append(wg.Fields, a.wire())
		}
		resp.Data = append(resp.Data, wg)
	}
	return json.Marshal(resp)
}

func (c *Catalog) UnmarshalJSON(data []byte) error {
	var resp catalogResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return err
	}
	out := make(Catalog, 0, len(resp.Data))
	for _, g := range resp.Data {
		group := AttributeGroup{Label: g.GroupLabel, Attributes: make([]Attribute, 0, len(g.Fields))}
		for _, f := range g.Fields {
			group.Attributes = append(group.Attributes, f.attribute())
		}
		out = append(out, group)
	}
	*c = out
	return nil
}

// Lookup finds an attribute by name across all groups.
func (c Catalog) Lookup(name string) (Attribute, bool) {
	for _, g := range c {
		for _, a := range g.Attributes {
			if a.Name == name {
				return a, true
			}
		}
	}
	return Attribute{}, false
}

// Coerce re-tags the values of attributes the catalog knows to the
// attribute's declared type. Values that cannot be converted, and attributes
// the catalog does not list, are passed through unchanged.
func (c Catalog) Coerce(filters mailing.Filters) mailing.Filters {
	out := make(mailing.Filters, 0, len(filters))
	for _, e := range filters {
		v := e.Value
		if attr, ok := c.Lookup(e.Name); ok {
			if coerced, err := attr.coerce(v); err == nil {
				v = coerced
			}
		}
		out = append(out, mailing.FilterEntry{Name: e.Name, Value: v})
	}
	return out
}

func (a Attribute) coerce(v mailing.FilterValue) (mailing.FilterValue, error) {
	switch a.Type {
	case TypeText:
		if v.Kind == mailing.FilterText {
			return v, nil
		}
	case TypeNumber:
		switch v.Kind {
		case mailing.FilterNumber:
			return v, nil
		case mailing.FilterText:
			text := strings.TrimSpace(v.Text)
			if n, err := mailing.NumberLiteral(text); err == nil {
				return n, nil
			}
			n, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return v, err
			}
			return mailing.NumberValue(n), nil
		}
	case TypeBoolean:
		switch v.Kind {
		case mailing.FilterBoolean:
			return v, nil
		case mailing.FilterText:
			b, err := strconv.ParseBool(strings.TrimSpace(v.Text))
			if err != nil {
				return v, err
			}
			return mailing.BoolValue(b), nil
		}
	case TypeDate:
		if v.Kind == mailing.FilterText {
			t, err := time.Parse(mailing.DateLayout, strings.TrimSpace(v.Text))
			if err != nil {
				return v, err
			}
			return mailing.DateValue(t), nil
		}
		if v.Kind == mailing.FilterDate {
			return v, nil
		}
	case TypeChoice:
		if v.Kind == mailing.FilterText || v.Kind == mailing.FilterChoice {
			return mailing.ChoiceValue(v.Text), nil
		}
	case TypeMultipleChoice:
		switch v.Kind {
		case mailing.FilterMultipleChoice:
			return v, nil
		case mailing.FilterText, mailing.FilterChoice:
			return mailing.MultiChoiceValue(v.Text), nil
		}
	}
	return v, fmt.Errorf("cannot use %s value for %s attribute %q", v.Kind, a.Type, a.Name)
}
