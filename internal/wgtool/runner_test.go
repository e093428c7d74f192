package wgtool

import (
	"context"
	"testing"
	"time"

	"github.com/nigping/relay-agent/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecRunnerCapturesOutput(t *testing.T) {
	res := ExecRunner{Timeout: 5 * time.Second}.Run(context.Background(), "sh", []string{"-c", "cat; echo oops >&2"}, []byte("hello"))

	require.True(t, res.OK(), "unexpected failure: %v", res.Err)
	assert.Equal(t, "hello", res.Output())
	assert.Equal(t, "oops\n", string(res.Stderr))
	assert.Equal(t, 0, res.ExitCode)
	assert.NoError(t, res.AsError())
}

func TestExecRunnerNonZeroExit(t *testing.T) {
	res := ExecRunner{}.Run(context.Background(), "sh", []string{"-c", "echo bad key >&2; exit 3"}, nil)

	assert.False(t, res.OK())
	assert.Equal(t, 3, res.ExitCode)

	err := res.AsError()
	require.Error(t, err)
	appErr, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, errors.ErrorTypeExternal, appErr.Type)
	assert.Equal(t, "TOOL_FAILED", appErr.Code)
	assert.Contains(t, appErr.Details, "bad key")
}

func TestExecRunnerTimeout(t *testing.T) {
	res := ExecRunner{Timeout: 100 * time.Millisecond}.Run(context.Background(), "sleep", []string{"5"}, nil)

	assert.False(t, res.OK())
	assert.Equal(t, -1, res.ExitCode)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)

	appErr, ok := errors.As(res.AsError())
	require.True(t, ok)
	assert.Equal(t, "TOOL_TIMEOUT", appErr.Code)
}

func TestExecRunnerMissingBinary(t *testing.T) {
	res := ExecRunner{}.Run(context.Background(), "definitely-not-a-wireguard-binary", nil, nil)

	assert.False(t, res.OK())
	assert.Equal(t, -1, res.ExitCode)
	assert.Error(t, res.Err)
}
