package saga

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"shopledger/backend/internal/store"
)

func recordingStep(name string, log *[]string, doErr error, undoErr error) Step {
	return Step{
		Name: name,
		Do: func(context.Context) error {
			if doErr != nil {
				return doErr
			}
			*log = append(*log, "do:"+name)
			return nil
		},
		Undo: func(context.Context) error {
			if undoErr != nil {
				return undoErr
			}
			*log = append(*log, "undo:"+name)
			return nil
		},
	}
}

func TestFailureUndoesCompletedStepsInReverse(t *testing.T) {
	var calls []string
	s := New("create transaction", nil)
	ctx := context.Background()

	for _, name := range []string{"header", "stock-1", "stock-2"} {
		if err := s.Execute(ctx, recordingStep(name, &calls, nil, nil)); err != nil {
			t.Fatalf("step %s: %v", name, err)
		}
	}
	err := s.Execute(ctx, recordingStep("sales", &calls, store.ErrInsufficientStock, nil))
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected cause to be preserved, got %v", err)
	}
	if errors.Is(err, ErrInconsistent) {
		t.Fatalf("clean compensation must not report inconsistency")
	}

	want := "do:header,do:stock-1,do:stock-2,undo:stock-2,undo:stock-1,undo:header"
	if got := strings.Join(calls, ","); got != want {
		t.Fatalf("unexpected call order\nwant %s\ngot  %s", want, got)
	}
}

func TestTransportFailureBecomesPersistenceError(t *testing.T) {
	var calls []string
	s := New("delete transaction", nil)

	err := s.Execute(context.Background(), recordingStep("delete sales", &calls, errors.New("connection reset"), nil))
	var pe *store.PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if pe.Op != "delete sales" {
		t.Fatalf("expected op to name the failing step, got %q", pe.Op)
	}
}

func TestFailedUndoReportsInconsistency(t *testing.T) {
	logger, hook := test.NewNullLogger()
	var calls []string
	s := New("return sale", logger)
	ctx := context.Background()

	if err := s.Execute(ctx, recordingStep("restore stock", &calls, nil, errors.New("timeout"))); err != nil {
		t.Fatalf("first step: %v", err)
	}
	err := s.Execute(ctx, recordingStep("mark returned", &calls, store.ErrConflict, nil))

	var inconsistency *InconsistencyError
	if !errors.As(err, &inconsistency) {
		t.Fatalf("expected inconsistency error, got %v", err)
	}
	if !errors.Is(err, ErrInconsistent) || !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected both inconsistency and cause to match, got %v", err)
	}
	if len(inconsistency.Failures) != 1 || inconsistency.Failures[0].Step != "restore stock" {
		t.Fatalf("unexpected failures: %+v", inconsistency.Failures)
	}
	if !strings.Contains(err.Error(), "manual verification") {
		t.Fatalf("expected manual verification notice, got %q", err.Error())
	}
	if entry := hook.LastEntry(); entry == nil || entry.Level != logrus.ErrorLevel {
		t.Fatalf("expected compensation failure to be logged at error level")
	}
}

func TestAbortRunsUndoAfterCallerCancels(t *testing.T) {
	var calls []string
	s := New("create transaction", nil)
	ctx, cancel := context.WithCancel(context.Background())

	undoSawCancel := false
	step := Step{
		Name: "header",
		Do:   func(context.Context) error { return nil },
		Undo: func(ctx context.Context) error {
			undoSawCancel = ctx.Err() != nil
			calls = append(calls, "undo:header")
			return nil
		},
	}
	if err := s.Execute(ctx, step); err != nil {
		t.Fatalf("execute: %v", err)
	}
	cancel()

	_ = s.Abort(ctx, context.Canceled)
	if undoSawCancel {
		t.Fatalf("undo must not observe the caller's cancellation")
	}
	if len(calls) != 1 || s.Completed() != 0 {
		t.Fatalf("expected a single undo and an empty saga, got %v / %d", calls, s.Completed())
	}
}
