// Package saga runs a sequence of independent store calls as one logical
// operation. Each completed step registers an undo; a failure undoes the
// completed steps in reverse order.
package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"shopledger/backend/internal/store"
)

var ErrInconsistent = errors.New("compensation failed")

type Step struct {
	Name string
	Do   func(ctx context.Context) error
	Undo func(ctx context.Context) error
}

type CompensationFailure struct {
	Step string
	Err  error
}

// InconsistencyError means the forward path failed and at least one undo
// failed too, so stored state may no longer match what the caller saw.
type InconsistencyError struct {
	Op       string
	Cause    error
	Failures []CompensationFailure
}

func (e *InconsistencyError) Error() string {
	steps := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		steps = append(steps, f.Step)
	}
	return fmt.Sprintf("%s failed (%v) and could not be fully reverted (%s); manual verification of stock may be required",
		e.Op, e.Cause, strings.Join(steps, ", "))
}

func (e *InconsistencyError) Unwrap() error {
	return e.Cause
}

func (e *InconsistencyError) Is(target error) bool {
	return target == ErrInconsistent
}

type Saga struct {
	op        string
	log       logrus.FieldLogger
	completed []Step
}

func New(op string, log logrus.FieldLogger) *Saga {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Saga{op: op, log: log.WithField("op", op)}
}

// Execute runs step.Do. On success the step's Undo is remembered; on
// failure every previously completed step is undone and the wrapped error
// is returned.
func (s *Saga) Execute(ctx context.Context, step Step) error {
	if err := step.Do(ctx); err != nil {
		return s.Abort(ctx, store.Wrap(step.Name, err))
	}
	s.completed = append(s.completed, step)
	return nil
}

// Abort undoes completed steps newest first. Undo runs on a context that
// ignores the caller's cancellation so an abandoned request still cleans up.
func (s *Saga) Abort(ctx context.Context, cause error) error {
	undoCtx := context.WithoutCancel(ctx)

	var failures []CompensationFailure
	for i := len(s.completed) - 1; i >= 0; i-- {
		step := s.completed[i]
		if step.Undo == nil {
			continue
		}
		if err := step.Undo(undoCtx); err != nil {
			s.log.WithFields(logrus.Fields{
				"step":  step.Name,
				"cause": cause.Error(),
			}).WithError(err).Error("compensation step failed")
			failures = append(failures, CompensationFailure{Step: step.Name, Err: err})
			continue
		}
		s.log.WithField("step", step.Name).Debug("compensation step applied")
	}
	s.completed = nil

	if len(failures) > 0 {
		return &InconsistencyError{Op: s.op, Cause: cause, Failures: failures}
	}
	return fmt.Errorf("%s: %w", s.op, cause)
}

func (s *Saga) Completed() int {
	return len(s.completed)
}
