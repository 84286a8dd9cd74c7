package store

import (
	"errors"
	"testing"
)

func TestWrapKeepsDomainErrors(t *testing.T) {
	err := Wrap("deduct stock", ErrInsufficientStock)
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock to survive wrapping, got %v", err)
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		t.Fatalf("domain error must not become a persistence error")
	}
}

func TestWrapClassifiesTransportFailures(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap("insert sales", cause)

	var pe *PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("expected persistence error, got %T", err)
	}
	if pe.Op != "insert sales" || !errors.Is(err, cause) {
		t.Fatalf("unexpected persistence error %+v", pe)
	}
	if Wrap("noop", nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}

func TestDuplicateNameIsValidation(t *testing.T) {
	if !errors.Is(ErrDuplicateName, ErrValidation) {
		t.Fatalf("duplicate name must classify as validation")
	}
}
