package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			if result := test.class.String(); result != test.expected {
				t.Errorf("expected %s, got %s", test.expected, result)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection timeout", ErrConnectionTimeout, true},
		{"connection lost", ErrConnectionLost, true},
		{"circuit open", ErrCircuitOpen, true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"context canceled", context.Canceled, true},
		{"malformed update", ErrMalformedUpdate, false},
		{"fatal error", ErrResourceExhausted, false},
		{"timeout in message", fmt.Errorf("operation timeout occurred"), true},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("test")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if result := IsTransient(test.err); result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsInvalid(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"malformed update", ErrMalformedUpdate, true},
		{"invalid topic", ErrInvalidTopic, true},
		{"unknown fact type", fmt.Errorf("compile: %w", ErrUnknownFactType), true},
		{"duplicate rule", ErrDuplicateRule, true},
		{"unbound action", ErrUnboundAction, true},
		{"connection lost", ErrConnectionLost, false},
		{"classified invalid", WrapInvalid(errors.New("x"), "C", "M", "a"), true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if result := IsInvalid(test.err); result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"invalid config", ErrInvalidConfig, true},
		{"missing config", ErrMissingConfig, true},
		{"panic text", fmt.Errorf("recovered panic in handler"), true},
		{"malformed update", ErrMalformedUpdate, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if result := IsFatal(test.err); result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	if got := Classify(ErrMalformedUpdate); got != ErrorInvalid {
		t.Errorf("expected invalid, got %s", got)
	}
	if got := Classify(ErrInvalidConfig); got != ErrorFatal {
		t.Errorf("expected fatal, got %s", got)
	}
	if got := Classify(errors.New("something odd")); got != ErrorTransient {
		t.Errorf("expected transient default, got %s", got)
	}
}

func TestWrapFormats(t *testing.T) {
	base := errors.New("boom")

	wrapped := Wrap(base, "NATSSource", "Publish", "publish command")
	if wrapped.Error() != "NATSSource.Publish: publish command failed: boom" {
		t.Errorf("unexpected message: %s", wrapped)
	}
	if !errors.Is(wrapped, base) {
		t.Error("wrapped error should unwrap to base")
	}

	if Wrap(nil, "a", "b", "c") != nil {
		t.Error("wrapping nil should return nil")
	}

	classified := WrapTransient(base, "Client", "Connect", "dial")
	var ce *ClassifiedError
	if !errors.As(classified, &ce) {
		t.Fatal("expected ClassifiedError")
	}
	if ce.Component != "Client" || ce.Operation != "Connect" || ce.Class != ErrorTransient {
		t.Errorf("unexpected classified fields: %+v", ce)
	}
	if !errors.Is(classified, base) {
		t.Error("classified error should unwrap to base")
	}
}

func TestInvalidf(t *testing.T) {
	err := Invalidf(ErrDuplicateRule, "rule", "Compile", "rule %q declared twice", "grow")
	if !errors.Is(err, ErrDuplicateRule) {
		t.Fatalf("expected sentinel in chain: %v", err)
	}
	if !IsInvalid(err) {
		t.Error("expected invalid class")
	}
	if !strings.Contains(err.Error(), `"grow"`) {
		t.Errorf("detail missing from message: %s", err)
	}
}
