package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorIsComparesCodes(t *testing.T) {
	sentinel := New(CodeNotFound, "task not found")
	wrapped := fmt.Errorf("lookup: %w", New(CodeNotFound, "something else"))

	require.True(t, stdErrors.Is(wrapped, sentinel))
	require.False(t, stdErrors.Is(wrapped, New(CodeInvalidState, "")))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := stdErrors.New("connection refused")
	err := Wrap(CodeBrokerFailure, cause, "publish failed")

	require.ErrorIs(t, err, cause)
	require.Equal(t, CodeBrokerFailure, CodeOf(err))
	require.Equal(t, "publish failed", MessageOf(err))
	require.Equal(t, "[BROKER_FAILURE] publish failed: connection refused", err.Error())
	require.True(t, ShouldAlert(err))
}

func TestRegisterAndDefaults(t *testing.T) {
	const code Code = "TEST_REGISTERED"
	Register(code, Attributes{Message: "registered", Severity: SeverityWarning})

	err := New(code, "")
	require.Equal(t, "registered", err.Message())
	require.Equal(t, SeverityWarning, err.Severity())

	unknown := New("NEVER_REGISTERED", "")
	require.Equal(t, "unknown error", unknown.Message())
	require.Equal(t, SeverityCritical, SeverityOf(unknown))
}

func TestForeignErrors(t *testing.T) {
	plain := stdErrors.New("plain")
	require.Equal(t, CodeUnknown, CodeOf(plain))
	require.Equal(t, "plain", MessageOf(plain))
	require.False(t, ShouldAlert(plain))

	sev := New(CodeInvalidArgument, "bad", WithSeverity(SeverityCritical), WithMetadata("field", "name"))
	require.Equal(t, SeverityCritical, sev.Severity())
	require.Equal(t, map[string]string{"field": "name"}, sev.Metadata())
}
