package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	sentinel := New(CodeConflict, "conflict")
	wrapped := fmt.Errorf("outer: %w", Wrap(CodeConflict, stdErrors.New("boom"), "other message"))

	if !stdErrors.Is(wrapped, sentinel) {
		t.Fatalf("expected wrapped error to match sentinel by code")
	}
	if stdErrors.Is(wrapped, New(CodeNotFound, "")) {
		t.Fatalf("expected code mismatch to fail errors.Is")
	}
	if CodeOf(wrapped) != CodeConflict {
		t.Fatalf("unexpected code %s", CodeOf(wrapped))
	}
}

func TestRegisteredAttributesDriveDefaults(t *testing.T) {
	const code Code = "TEST_ONLY_CODE"
	Register(code, Attributes{Message: "test", Severity: SeverityWarning, Retryable: true, Alert: true})

	err := New(code, "")
	if err.Message() != "test" {
		t.Fatalf("expected default message, got %q", err.Message())
	}
	if !RetryableError(err) || !ShouldAlert(err) {
		t.Fatalf("expected registered attributes to apply")
	}
	if SeverityOf(err) != SeverityWarning {
		t.Fatalf("unexpected severity %s", SeverityOf(err))
	}

	overridden := New(code, "", WithRetryable(false), WithAlert(false), WithSeverity(SeverityInfo))
	if overridden.Retryable() || overridden.ShouldAlert() || overridden.Severity() != SeverityInfo {
		t.Fatalf("expected options to override registered attributes")
	}
}

func TestUnknownErrorsFallBack(t *testing.T) {
	plain := stdErrors.New("plain")
	if CodeOf(plain) != CodeUnknown {
		t.Fatalf("expected UNKNOWN for plain errors")
	}
	if RetryableError(plain) {
		t.Fatalf("plain errors are never retryable")
	}
	if AttributesOf("NOT_REGISTERED").Message != "unknown error" {
		t.Fatalf("expected fallback attributes")
	}
}

func TestMetadataIsCopied(t *testing.T) {
	err := New(CodeInvalidArgument, "bad", WithMetadata("plugin", "vfs"))
	md := err.Metadata()
	md["plugin"] = "changed"
	if err.Metadata()["plugin"] != "vfs" {
		t.Fatalf("metadata must not be mutated through the returned map")
	}
}
