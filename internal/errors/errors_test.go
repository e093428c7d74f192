package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFatalClassification(t *testing.T) {
	cause := stderrors.New("boom")

	assert.True(t, IsFatal(IdentityError("generation", cause)))
	assert.True(t, IsFatal(AddressResolutionError("echo", cause)))
	assert.True(t, IsFatal(ConfigurationError("database.URL", "missing")))
	assert.True(t, IsFatal(fmt.Errorf("start: %w", IdentityError("load", cause))), "wrapped errors keep their class")

	assert.False(t, IsFatal(FetchError("203.0.113.7", cause)))
	assert.False(t, IsFatal(ApplyError("wg0", cause)))
	assert.False(t, IsFatal(SubscriptionError("peer_changes:203.0.113.7", cause)))
	assert.False(t, IsFatal(cause))
	assert.False(t, IsFatal(nil))
}

func TestRecoverable(t *testing.T) {
	cause := stderrors.New("boom")

	assert.True(t, IsRecoverable(FetchError("203.0.113.7", cause)))
	assert.True(t, IsRecoverable(ApplyError("wg0", cause)))
	assert.True(t, IsRecoverable(ToolError("wg syncconf wg0", 1, "", cause)))
	assert.True(t, IsRecoverable(context.DeadlineExceeded))
	assert.False(t, IsRecoverable(IdentityError("load", cause)))
	assert.False(t, IsRecoverable(nil))
}

func TestTimeoutDetection(t *testing.T) {
	err := DatabaseError("peer fetch", context.DeadlineExceeded)
	assert.True(t, IsTimeout(err))
	assert.Equal(t, "QUERY_TIMEOUT", err.Code)

	toolErr := ToolError("wg-quick up wg0", -1, "", context.DeadlineExceeded)
	assert.True(t, IsTimeout(toolErr))
	assert.Equal(t, "TOOL_TIMEOUT", toolErr.Code)

	assert.False(t, IsTimeout(stderrors.New("refused")))
}

func TestToolErrorCarriesStderr(t *testing.T) {
	err := ToolError("wg-quick up wg0", 1, "  RTNETLINK answers: Operation not permitted\n", stderrors.New("exit status 1"))
	assert.Equal(t, "exit 1: RTNETLINK answers: Operation not permitted", err.Details)
	assert.Contains(t, err.Error(), "wg-quick up wg0 failed")
}

func TestIsMatchesTypeAndCode(t *testing.T) {
	err := fmt.Errorf("apply: %w", ApplyError("wg0", stderrors.New("boom")))

	assert.True(t, Is(err, New(ErrorTypeApply, "APPLY_FAILED", "")))
	assert.True(t, Is(err, New(ErrorTypeApply, "", "")))
	assert.False(t, Is(err, New(ErrorTypeApply, "INTERFACE_DOWN", "")))

	appErr, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, "boom", appErr.Unwrap().Error())
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RecoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("nil map write")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "PANIC_RECOVERED")
}
