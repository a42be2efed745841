package billing

import (
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/fieldjobs-billing/internal/models"
)

// Kind classifies an error for callers that map failures onto a response.
type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindValidation     Kind = "validation"
	KindPrecondition   Kind = "precondition"
	KindRemote         Kind = "remote"
	KindNotFound       Kind = "not_found"
	KindInternal       Kind = "internal"
)

var (
	// ErrNoValidSubscription means the user has no subscription the processor
	// still considers billable. Callers treat the user as free tier.
	ErrNoValidSubscription = errors.New("no valid subscription")
	// ErrInvalidSignature is returned for webhook payloads whose signature is
	// missing or does not verify.
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// Error is a classified failure with optional structured details.
type Error struct {
	Kind    Kind
	Msg     string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Msg == "" {
		return e.Err.Error()
	}
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func validationError(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func preconditionError(format string, args ...any) error {
	return &Error{Kind: KindPrecondition, Msg: fmt.Sprintf(format, args...)}
}

// remoteError carries the processor's message unchanged.
func remoteError(err error) error {
	return &Error{Kind: KindRemote, Err: err}
}

func internalError(msg string, err error) error {
	return &Error{Kind: KindInternal, Msg: msg, Err: err}
}

// CapacityError is returned when a downgrade target cannot hold the user's
// active job postings.
type CapacityError struct {
	Active int
	Limit  int
	Excess int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%d active job postings exceed the target plan limit of %d; deactivate %d first",
		e.Active, e.Limit, e.Excess)
}

// ScheduledChangeError is returned when a user already has a pending plan change.
type ScheduledChangeError struct {
	Pending *models.ScheduledChange
}

func (e *ScheduledChangeError) Error() string {
	if e.Pending == nil {
		return "a plan change is already scheduled"
	}
	return fmt.Sprintf("a change to %s is already scheduled for %s",
		e.Pending.TargetTier, e.Pending.EffectiveDate.Format(time.DateOnly))
}

// KindOf classifies err. Unclassified errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var (
		be  *Error
		ce  *CapacityError
		sce *ScheduledChangeError
	)
	switch {
	case errors.Is(err, ErrNoValidSubscription):
		return KindNotFound
	case errors.Is(err, ErrInvalidSignature):
		return KindAuthentication
	case errors.As(err, &ce), errors.As(err, &sce):
		return KindPrecondition
	case errors.As(err, &be):
		return be.Kind
	}
	return KindInternal
}

// DetailsOf returns the structured details attached to err, if any.
func DetailsOf(err error) map[string]any {
	var (
		be  *Error
		ce  *CapacityError
		sce *ScheduledChangeError
	)
	switch {
	case errors.Is(err, ErrNoValidSubscription):
		return map[string]any{"required_action": "checkout"}
	case errors.As(err, &ce):
		return map[string]any{
			"active_jobs": ce.Active,
			"job_limit":   ce.Limit,
			"excess_jobs": ce.Excess,
		}
	case errors.As(err, &sce):
		if sce.Pending == nil {
			return nil
		}
		return map[string]any{
			"pending_target": sce.Pending.TargetTier,
			"effective_date": sce.Pending.EffectiveDate,
		}
	case errors.As(err, &be):
		return be.Details
	}
	return nil
}
