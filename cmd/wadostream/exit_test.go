package main

import (
	"errors"
	"testing"

	"github.com/urfave/cli/v2"
)

func TestExitErrHandler_NilError(t *testing.T) {
	// Should not panic or exit on nil error
	exitErrHandler(nil, nil)
}

func TestExitErrHandler_WrappedExitCoder(t *testing.T) {
	wrapped := errors.Join(errors.New("context"), cli.Exit("inner error", 42))

	var exitCoder cli.ExitCoder
	if !errors.As(wrapped, &exitCoder) {
		t.Fatal("wrapped error should still match cli.ExitCoder")
	}
	if exitCoder.ExitCode() != 42 {
		t.Errorf("exit code = %d, want 42", exitCoder.ExitCode())
	}
}

func TestExitErrHandler_RegularError(t *testing.T) {
	err := errors.New("regular error")

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		t.Fatal("regular error should not be cli.ExitCoder")
	}
}

// TestExitErrHandler_PreservesExitCode verifies that fetch exit codes pass through.
func TestExitErrHandler_PreservesExitCode(t *testing.T) {
	testCases := []struct {
		name string
		code int
	}{
		{"load_failed", 1},
		{"config_error", 2},
		{"interrupted", 130},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := cli.Exit("", tc.code)

			var exitCoder cli.ExitCoder
			if !errors.As(err, &exitCoder) {
				t.Fatalf("cli.Exit should return ExitCoder")
			}
			if exitCoder.ExitCode() != tc.code {
				t.Errorf("ExitCode() = %d, want %d", exitCoder.ExitCode(), tc.code)
			}
		})
	}
}

// TestExitErrHandler_MessageSuppression verifies empty messages don't print.
func TestExitErrHandler_MessageSuppression(t *testing.T) {
	err := cli.Exit("", 1)
	msg := err.Error()

	if msg != "" && msg != "exit status 1" {
		t.Errorf("Expected empty or 'exit status 1', got %q", msg)
	}
}
