package model

import (
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultPriority is assigned to customers created without one.
	DefaultPriority = 3
	// VIPPriority is the lowest priority treated as VIP.
	VIPPriority = 4
)

// Customer is the canonical internal customer.
type Customer struct {
	ID              string
	Name            string
	GroupID         string
	GroupType       string
	RegisteredAt    time.Time
	LastActiveAt    time.Time
	TotalQuestions  int64
	SolvedQuestions int64
	HandoffCount    int64
	Tags            []string
	Notes           string
	Priority        int
	ERPCustomerCode string
	Phone           string
	CompanyName     string
	UpdatedAt       time.Time
	DeletedAt       *time.Time
}

// NewCustomer returns a customer with a fresh id and the default priority.
func NewCustomer() *Customer {
	return &Customer{
		ID:           uuid.New().String(),
		Priority:     DefaultPriority,
		RegisteredAt: time.Now().UTC().Truncate(time.Second),
	}
}

func (c *Customer) IsVIP() bool {
	return c.Priority >= VIPPriority
}

// SatisfactionRate is solved/total, 0 when nothing was asked.
func (c *Customer) SatisfactionRate() float64 {
	if c.TotalQuestions == 0 {
		return 0
	}
	return float64(c.SolvedQuestions) / float64(c.TotalQuestions)
}

// Deleted reports whether the customer is a tombstone.
func (c *Customer) Deleted() bool {
	return c.DeletedAt != nil
}

// ToValues returns every canonical field of c.
func (c *Customer) ToValues() Values {
	tags, _ := Coerce(FieldTags, c.Tags)
	registered, _ := Coerce(FieldRegisteredAt, c.RegisteredAt)
	lastActive, _ := Coerce(FieldLastActiveAt, c.LastActiveAt)
	return Values{
		FieldCustomerID:      c.ID,
		FieldName:            c.Name,
		FieldGroupID:         c.GroupID,
		FieldGroupType:       c.GroupType,
		FieldRegisteredAt:    registered,
		FieldLastActiveAt:    lastActive,
		FieldTotalQuestions:  c.TotalQuestions,
		FieldSolvedQuestions: c.SolvedQuestions,
		FieldHandoffCount:    c.HandoffCount,
		FieldTags:            tags,
		FieldNotes:           c.Notes,
		FieldPriority:        int64(c.Priority),
		FieldERPCustomerCode: c.ERPCustomerCode,
		FieldPhone:           c.Phone,
		FieldCompanyName:     c.CompanyName,
	}
}

// Apply copies the canonical fields present in values onto c. The id is never
// overwritten and non-canonical fields are ignored.
func (c *Customer) Apply(values Values) error {
	for field, raw := range values {
		if !IsCanonical(field) || field == FieldCustomerID {
			continue
		}
		v, err := Coerce(field, raw)
		if err != nil {
			return err
		}
		switch field {
		case FieldName:
			c.Name = v.(string)
		case FieldGroupID:
			c.GroupID = v.(string)
		case FieldGroupType:
			c.GroupType = v.(string)
		case FieldRegisteredAt:
			c.RegisteredAt = v.(time.Time)
		case FieldLastActiveAt:
			c.LastActiveAt = v.(time.Time)
		case FieldTotalQuestions:
			c.TotalQuestions = v.(int64)
		case FieldSolvedQuestions:
			c.SolvedQuestions = v.(int64)
		case FieldHandoffCount:
			c.HandoffCount = v.(int64)
		case FieldTags:
			c.Tags = v.([]string)
		case FieldNotes:
			c.Notes = v.(string)
		case FieldPriority:
			c.Priority = int(v.(int64))
		case FieldERPCustomerCode:
			c.ERPCustomerCode = v.(string)
		case FieldPhone:
			c.Phone = v.(string)
		case FieldCompanyName:
			c.CompanyName = v.(string)
		}
	}
	if c.Priority == 0 {
		c.Priority = DefaultPriority
	}
	return nil
}
