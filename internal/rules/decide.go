package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"erp-sync-service/internal/detect"
	"erp-sync-service/internal/model"
)

// Action is the outcome of a decision.
type Action string

const (
	Accept Action = "accept"
	Skip   Action = "skip"
	Reject Action = "reject"
)

// Input carries everything Decide needs. Target holds the opposing system's
// current values for the record, nil when it has none.
type Input struct {
	Change           detect.Change
	Direction        model.Direction
	Target           model.Values
	TargetModifiedAt time.Time
	AllowDelete      bool
}

// Decision is the result of evaluating one change. Values holds the fields
// to write when Action is Accept.
type Decision struct {
	Action    Action
	Values    model.Values
	Skipped   map[string]string
	Conflicts []string
	Reason    string
	Err       error
}

// ValidationError reports a value that failed its validation tag.
type ValidationError struct {
	Field string
	Tag   string
	Value any
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("field %s: %s", e.Field, e.message())
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) message() string {
	errs, ok := e.Err.(validator.ValidationErrors)
	if !ok || len(errs) == 0 {
		if e.Err != nil {
			return e.Err.Error()
		}
		return "invalid value"
	}
	fe := errs[0]
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min", "gte":
		return "must be at least " + fe.Param()
	case "max", "lte":
		return "must be at most " + fe.Param()
	case "len":
		return "must have length " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	case "numeric":
		return "must be numeric"
	case "email":
		return "invalid email format"
	default:
		return "failed " + fe.Tag() + " validation"
	}
}

// Decide evaluates change against the rule table. It keeps no state between
// calls.
func (e *Engine) Decide(in Input) Decision {
	c := in.Change
	if c.Op == detect.Delete {
		if !in.AllowDelete {
			return Decision{Action: Skip, Reason: fmt.Sprintf("deletes disabled for %s", in.Direction)}
		}
		return Decision{Action: Accept}
	}

	if err := e.validateChange(c, in.Direction); err != nil {
		return Decision{Action: Reject, Reason: err.Error(), Err: err}
	}

	d := Decision{Values: make(model.Values), Skipped: make(map[string]string)}
	for _, field := range c.Values.Keys() {
		value := c.Values[field]
		target, hasTarget := in.Target[field]

		if c.Op == detect.Update && in.Target != nil &&
			!model.Equal(field, target, c.Previous[field]) &&
			!model.Equal(field, target, value) {
			d.Conflicts = append(d.Conflicts, field)
		}

		if identity[field] {
			d.Values[field] = value
			continue
		}
		if hasTarget && model.Equal(field, target, value) {
			continue
		}

		if ok, reason := e.allow(field, in, hasTarget && !model.IsZero(field, target)); ok {
			d.Values[field] = value
		} else {
			d.Skipped[field] = reason
		}
	}

	if len(d.Values) == 0 {
		d.Action = Skip
		d.Reason = "nothing to apply"
		return d
	}
	d.Action = Accept
	return d
}

// allow applies the field's policy. A losing side still fills a blank target.
func (e *Engine) allow(field string, in Input, targetSet bool) (bool, string) {
	policy := e.PolicyFor(field, in.Direction)
	switch policy {
	case NeverSync:
		return false, string(NeverSync)
	case ERPWins, InternalWins:
		if sourceWins(policy, in.Direction) || !targetSet {
			return true, ""
		}
		return false, string(policy)
	case NewestWins:
		src, dst := in.Change.ModifiedAt, in.TargetModifiedAt
		if src.IsZero() || dst.IsZero() || !src.Before(dst) || !targetSet {
			return true, ""
		}
		return false, "target is newer"
	}
	return true, ""
}

func sourceWins(p Policy, dir model.Direction) bool {
	return (p == ERPWins && dir == model.Pull) || (p == InternalWins && dir == model.Push)
}

// validateChange checks every tagged field on Create and the changed fields
// on Update. Rules on extra fields run against the unmapped ERP columns of
// every pulled change.
func (e *Engine) validateChange(c detect.Change, dir model.Direction) error {
	if c.Op == detect.Create {
		for _, field := range sortedKeys(e.validations) {
			if isExtra(field) {
				continue
			}
			if err := e.validateField(field, c.Values[field]); err != nil {
				return err
			}
		}
	} else {
		for _, field := range c.Values.Keys() {
			if err := e.validateField(field, c.Values[field]); err != nil {
				return err
			}
		}
	}
	if dir != model.Pull {
		return nil
	}
	for _, field := range sortedKeys(e.validations) {
		col, ok := strings.CutPrefix(field, model.ExtraPrefix)
		if !ok {
			continue
		}
		if err := e.validateField(field, c.Extra[col]); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) validateField(field string, raw any) (err error) {
	tag, ok := e.validations[field]
	if !ok {
		return nil
	}
	value, _ := model.Coerce(field, raw)
	defer func() {
		if r := recover(); r != nil {
			err = &ValidationError{Field: field, Tag: tag, Value: value, Err: fmt.Errorf("%v", r)}
		}
	}()
	if verr := e.validate.Var(value, tag); verr != nil {
		return &ValidationError{Field: field, Tag: tag, Value: value, Err: verr}
	}
	return nil
}
