package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Canonical customer field names.
const (
	FieldCustomerID      = "customer_id"
	FieldName            = "name"
	FieldGroupID         = "group_id"
	FieldGroupType       = "group_type"
	FieldRegisteredAt    = "registered_at"
	FieldLastActiveAt    = "last_active_at"
	FieldTotalQuestions  = "total_questions"
	FieldSolvedQuestions = "solved_questions"
	FieldHandoffCount    = "handoff_count"
	FieldTags            = "tags"
	FieldNotes           = "notes"
	FieldPriority        = "priority"
	FieldERPCustomerCode = "erp_customer_code"
	FieldPhone           = "phone"
	FieldCompanyName     = "company_name"
)

// ExtraPrefix marks values that came from unmapped ERP columns.
const ExtraPrefix = "extra."

// Kind is the comparison type of a field.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindTime
	KindTags
)

var kinds = map[string]Kind{
	FieldCustomerID:      KindString,
	FieldName:            KindString,
	FieldGroupID:         KindString,
	FieldGroupType:       KindString,
	FieldRegisteredAt:    KindTime,
	FieldLastActiveAt:    KindTime,
	FieldTotalQuestions:  KindInt,
	FieldSolvedQuestions: KindInt,
	FieldHandoffCount:    KindInt,
	FieldTags:            KindTags,
	FieldNotes:           KindString,
	FieldPriority:        KindInt,
	FieldERPCustomerCode: KindString,
	FieldPhone:           KindString,
	FieldCompanyName:     KindString,
}

// KindOf returns the kind of a canonical field. Unknown fields compare as strings.
func KindOf(field string) Kind {
	if k, ok := kinds[field]; ok {
		return k
	}
	return KindString
}

// IsCanonical reports whether field is a canonical customer field.
func IsCanonical(field string) bool {
	_, ok := kinds[field]
	return ok
}

var (
	// ErrInvalidNumber is returned when a numeric field holds non-numeric text.
	ErrInvalidNumber = errors.New("invalid number")
	// ErrInvalidTime is returned when a timestamp field cannot be parsed.
	ErrInvalidTime = errors.New("invalid time")
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02 15:04:05",
	"2006/1/2 15:04:05",
	"2006/01/02",
	"2006/1/2",
}

// Coerce converts raw into the canonical Go type for field: string, int64,
// time.Time (UTC, whole seconds, zero when unknown) or a sorted []string.
// On a parse failure it returns the zero value together with the error.
func Coerce(field string, raw any) (any, error) {
	switch KindOf(field) {
	case KindInt:
		return coerceInt(raw)
	case KindTime:
		return coerceTime(raw)
	case KindTags:
		return coerceTags(raw), nil
	default:
		return coerceString(raw), nil
	}
}

func coerceString(raw any) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func coerceInt(raw any) (int64, error) {
	switch v := raw.(type) {
	case nil:
		return 0, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		return decimal.NewFromFloat(v).IntPart(), nil
	case json.Number:
		return parseIntText(v.String())
	case decimal.Decimal:
		return v.IntPart(), nil
	case string:
		return parseIntText(v)
	default:
		return 0, fmt.Errorf("%w: unsupported type %T", ErrInvalidNumber, raw)
	}
}

func parseIntText(s string) (int64, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNumber, s)
	}
	return d.IntPart(), nil
}

func coerceTime(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return canonicalTime(v), nil
	case *time.Time:
		if v == nil {
			return time.Time{}, nil
		}
		return canonicalTime(*v), nil
	case string:
		return parseTimeText(v)
	default:
		return time.Time{}, fmt.Errorf("%w: unsupported type %T", ErrInvalidTime, raw)
	}
}

func parseTimeText(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return canonicalTime(t), nil
		}
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil && secs > 0 {
		return canonicalTime(time.Unix(secs, 0)), nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTime, s)
}

func canonicalTime(t time.Time) time.Time {
	if t.IsZero() || t.Year() <= 1 {
		return time.Time{}
	}
	return t.Truncate(time.Second).UTC()
}

func coerceTags(raw any) []string {
	var items []string
	switch v := raw.(type) {
	case nil:
	case []string:
		items = v
	case []any:
		for _, item := range v {
			items = append(items, coerceString(item))
		}
	case string:
		items = strings.FieldsFunc(v, func(r rune) bool {
			return r == ',' || r == ';' || r == '，' || r == '|'
		})
	default:
		items = []string{coerceString(v)}
	}

	seen := make(map[string]struct{}, len(items))
	tags := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if _, dup := seen[item]; dup {
			continue
		}
		seen[item] = struct{}{}
		tags = append(tags, item)
	}
	sort.Strings(tags)
	return tags
}

// Equal compares two values of field by kind: numbers by value, timestamps at
// second granularity, tags as sets. Missing values equal the kind's zero value.
func Equal(field string, a, b any) bool {
	ca, _ := Coerce(field, a)
	cb, _ := Coerce(field, b)
	switch x := ca.(type) {
	case int64:
		return x == cb.(int64)
	case time.Time:
		return x.Equal(cb.(time.Time))
	case []string:
		y := cb.([]string)
		if len(x) != len(y) {
			return false
		}
		for i := range x {
			if x[i] != y[i] {
				return false
			}
		}
		return true
	default:
		return ca == cb
	}
}

// IsZero reports whether value is the zero value of field's kind.
func IsZero(field string, value any) bool {
	c, _ := Coerce(field, value)
	switch x := c.(type) {
	case string:
		return x == ""
	case int64:
		return x == 0
	case time.Time:
		return x.IsZero()
	case []string:
		return len(x) == 0
	}
	return c == nil
}
