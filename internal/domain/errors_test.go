package domain

import (
	"errors"
	"testing"
)

func TestNetworkError(t *testing.T) {
	baseErr := errors.New("connection refused")

	t.Run("retriable error", func(t *testing.T) {
		err := NewNetworkError("connect", baseErr)

		if !err.IsRetriable() {
			t.Error("Expected error to be retriable")
		}

		if err.Error() != "connect: connection refused" {
			t.Errorf("Error message = %q, want %q", err.Error(), "connect: connection refused")
		}

		if !errors.Is(err, baseErr) {
			t.Error("Expected error to wrap baseErr")
		}
	})

	t.Run("fatal error", func(t *testing.T) {
		err := NewFatalNetworkError("auth", baseErr)

		if err.IsRetriable() {
			t.Error("Expected error to not be retriable")
		}
	})

	t.Run("IsRetriable helper", func(t *testing.T) {
		retriable := NewNetworkError("dial", baseErr)
		fatal := NewFatalNetworkError("auth", baseErr)
		plain := errors.New("plain error")

		if !IsRetriable(retriable) {
			t.Error("IsRetriable should return true for retriable error")
		}

		if IsRetriable(fatal) {
			t.Error("IsRetriable should return false for fatal error")
		}

		if IsRetriable(plain) {
			t.Error("IsRetriable should return false for plain error")
		}
	})
}

func TestDecodeError(t *testing.T) {
	err := &DecodeError{Field: "price", Err: ErrMalformedEvent}

	if IsRetriable(err) {
		t.Error("DecodeError should never be retriable")
	}
	if !errors.Is(err, ErrMalformedEvent) {
		t.Error("Expected DecodeError to wrap ErrMalformedEvent")
	}

	expected := "decode error [price]: malformed event"
	if err.Error() != expected {
		t.Errorf("Error message = %q, want %q", err.Error(), expected)
	}
}

func TestVenueError(t *testing.T) {
	var err error = &VenueError{Code: "-1121", Message: "Invalid symbol."}

	var ve *VenueError
	if !errors.As(err, &ve) {
		t.Fatal("Expected errors.As to find VenueError")
	}
	if ve.Code != "-1121" {
		t.Errorf("Code = %q, want -1121", ve.Code)
	}
	if err.Error() != "venue error -1121: Invalid symbol." {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestConfigError(t *testing.T) {
	baseErr := errors.New("missing value")
	err := &ConfigError{Field: "api_key", Err: baseErr}

	if err.IsRetriable() {
		t.Error("ConfigError should never be retriable")
	}

	expected := "config error [api_key]: missing value"
	if err.Error() != expected {
		t.Errorf("Error message = %q, want %q", err.Error(), expected)
	}
}
