package model

import (
	"errors"
	"testing"
)

func TestAsEnvelopeCoordError(t *testing.T) {
	err := NewError(ErrFileAlreadyLocked, "path locked")
	env := AsEnvelope(err)
	if env.Success {
		t.Fatal("expected a failed envelope")
	}
	if env.Error.Code != ErrFileAlreadyLocked {
		t.Errorf("expected code %s, got %s", ErrFileAlreadyLocked, env.Error.Code)
	}
	if !env.Error.Retryable {
		t.Error("FILE_ALREADY_LOCKED should be retryable")
	}
}

func TestAsEnvelopeCoordErrorDetails(t *testing.T) {
	err := NewErrorDetails(ErrPartialGrant, "batch partially granted", map[string]any{"conflicts": []string{"b.go"}})
	env := AsEnvelope(err)
	if env.Success {
		t.Fatal("expected a failed envelope")
	}
	if env.Error.Code != ErrPartialGrant {
		t.Errorf("expected code %s, got %s", ErrPartialGrant, env.Error.Code)
	}
	if env.Error.Details == nil {
		t.Error("expected details to be carried through to the envelope")
	}
}

func TestAsEnvelopePlainError(t *testing.T) {
	env := AsEnvelope(errors.New("boom"))
	if env.Success {
		t.Fatal("expected a failed envelope")
	}
	if env.Error.Code != ErrInternal {
		t.Errorf("expected plain errors to default to %s, got %s", ErrInternal, env.Error.Code)
	}
	if env.Error.Retryable {
		t.Error("INTERNAL_ERROR should not be retryable")
	}
}

func TestOK(t *testing.T) {
	env := OK(map[string]int{"x": 1})
	if !env.Success || env.Error != nil {
		t.Errorf("expected a successful envelope with no error, got %+v", env)
	}
}
