// Package rules decides, field by field, whether a detected change may be
// written to the opposing system.
package rules

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"erp-sync-service/internal/model"
)

// Policy is a conflict policy for one field and direction.
type Policy string

const (
	// PolicyDefault makes the source of the pass authoritative: ERP on pull,
	// the internal store on push.
	PolicyDefault Policy = ""
	ERPWins       Policy = "erp_wins"
	InternalWins  Policy = "internal_wins"
	NewestWins    Policy = "newest_wins"
	NeverSync     Policy = "never_sync"
)

func (p Policy) valid() bool {
	switch p {
	case PolicyDefault, ERPWins, InternalWins, NewestWins, NeverSync:
		return true
	}
	return false
}

// Scope values for RuleConfig.Direction.
const (
	ScopePull = "pull"
	ScopePush = "push"
	ScopeBoth = "both"
)

var (
	ErrUnknownPolicy    = errors.New("unknown policy")
	ErrUnknownDirection = errors.New("unknown direction")
	ErrEmptyField       = errors.New("rule field is empty")
	ErrInvalidTag       = errors.New("invalid validation tag")
	ErrExtraPolicy      = errors.New("extra fields take validation only")
)

// RuleConfig is one entry of the configured rule table.
type RuleConfig struct {
	Field     string `mapstructure:"field" json:"field"`
	Direction string `mapstructure:"direction" json:"direction"`
	Policy    string `mapstructure:"policy" json:"policy"`
	Validate  string `mapstructure:"validate" json:"validate"`
}

type ruleKey struct {
	field string
	dir   model.Direction
}

// builtinValidations apply unless a rule overrides the field's tag.
var builtinValidations = map[string]string{
	model.FieldName:            "required",
	model.FieldPriority:        "omitempty,min=1,max=5",
	model.FieldERPCustomerCode: "max=64",
}

// identity fields link records across systems and bypass conflict policies.
var identity = map[string]bool{
	model.FieldERPCustomerCode: true,
	model.FieldCustomerID:      true,
}

// Engine is an immutable compiled rule table. Decide is safe for concurrent use.
type Engine struct {
	policies    map[ruleKey]Policy
	validations map[string]string
	validate    *validator.Validate
}

// Compile validates a rule table and builds an Engine from it. Later entries
// override earlier ones for the same field and direction.
func Compile(cfgs []RuleConfig) (*Engine, error) {
	e := &Engine{
		policies:    make(map[ruleKey]Policy),
		validations: make(map[string]string, len(builtinValidations)),
		validate:    validator.New(),
	}
	for field, tag := range builtinValidations {
		e.validations[field] = tag
	}

	for i, c := range cfgs {
		field := strings.TrimSpace(c.Field)
		if field == "" {
			return nil, fmt.Errorf("rule %d: %w", i, ErrEmptyField)
		}
		policy := Policy(strings.ToLower(strings.TrimSpace(c.Policy)))
		if !policy.valid() {
			return nil, fmt.Errorf("rule %d (%s): %w %q", i, field, ErrUnknownPolicy, c.Policy)
		}
		dirs, err := directions(c.Direction)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, field, err)
		}
		if policy != PolicyDefault && isExtra(field) {
			// The internal store keeps no extra columns, so there is no target
			// for a policy to compare against.
			return nil, fmt.Errorf("rule %d (%s): %w", i, field, ErrExtraPolicy)
		}
		if policy != PolicyDefault {
			for _, d := range dirs {
				e.policies[ruleKey{field, d}] = policy
			}
		}
		if tag := strings.TrimSpace(c.Validate); tag != "" {
			if err := e.checkTag(field, tag); err != nil {
				return nil, fmt.Errorf("rule %d (%s): %w", i, field, err)
			}
			e.validations[field] = tag
		}
	}
	return e, nil
}

// Default returns an engine with only built-in validations and directional
// defaults.
func Default() *Engine {
	e, err := Compile(nil)
	if err != nil {
		panic(err)
	}
	return e
}

func directions(s string) ([]model.Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", ScopeBoth:
		return []model.Direction{model.Pull, model.Push}, nil
	case ScopePull:
		return []model.Direction{model.Pull}, nil
	case ScopePush:
		return []model.Direction{model.Push}, nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownDirection, s)
}

// checkTag runs the tag against the zero value of the field's kind, which is
// where validator reports unknown tags and type mismatches (by panicking).
func (e *Engine) checkTag(field, tag string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w %q: %v", ErrInvalidTag, tag, r)
		}
	}()
	zero, _ := model.Coerce(field, nil)
	_ = e.validate.Var(zero, tag)
	return nil
}

// PolicyFor returns the configured policy for field in dir.
func (e *Engine) PolicyFor(field string, dir model.Direction) Policy {
	return e.policies[ruleKey{field, dir}]
}

// ValidationFor returns the validation tag in force for field.
func (e *Engine) ValidationFor(field string) string {
	return e.validations[field]
}

// Fields returns the fields that have an explicit policy, sorted.
func (e *Engine) Fields() []string {
	seen := make(map[string]bool)
	var fields []string
	for k := range e.policies {
		if !seen[k.field] {
			seen[k.field] = true
			fields = append(fields, k.field)
		}
	}
	sort.Strings(fields)
	return fields
}

// isExtra reports whether field names an unmapped ERP column.
func isExtra(field string) bool {
	return strings.HasPrefix(field, model.ExtraPrefix)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
