package applier

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nigping/relay-agent/internal/errors"
	"github.com/nigping/relay-agent/internal/wgtool"
	"github.com/nigping/relay-agent/internal/wgtool/wgtooltest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `[Interface]
PrivateKey = cHJpdmF0ZQ==
ListenPort = 51820
Address = 10.0.0.1/24
PostUp = iptables -A FORWARD -i %i -j ACCEPT

# user=u1 device=laptop
[Peer]
PublicKey = cHVibGlj
AllowedIPs = 10.0.0.2/32
`

func newApplier(t *testing.T, runner *wgtooltest.Runner) (*Applier, string) {
	dir := t.TempDir()
	return New(wgtool.New(runner), dir, "wg0"), dir
}

func TestApplyHotReload(t *testing.T) {
	runner := wgtooltest.New()
	a, dir := newApplier(t, runner)

	method, err := a.Apply(context.Background(), sample)
	require.NoError(t, err)
	assert.Equal(t, MethodHotReload, method)

	written, err := os.ReadFile(filepath.Join(dir, "wg0.conf"))
	require.NoError(t, err)
	assert.Equal(t, sample, string(written))

	info, err := os.Stat(filepath.Join(dir, "wg0.conf"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	calls := runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "wg syncconf", calls[0].Key())
	assert.Equal(t, "wg0", calls[0].Args[1])

	runtime := calls[0].Files[calls[0].Args[2]]
	assert.NotContains(t, runtime, "Address")
	assert.NotContains(t, runtime, "PostUp")
	assert.Contains(t, runtime, "PublicKey = cHVibGlj")
}

func TestApplyTwiceNeverBringsInterfaceDown(t *testing.T) {
	runner := wgtooltest.New()
	a, _ := newApplier(t, runner)

	for i := 0; i < 2; i++ {
		method, err := a.Apply(context.Background(), sample)
		require.NoError(t, err)
		assert.Equal(t, MethodHotReload, method)
	}
	assert.Zero(t, runner.Count("wg-quick down"))
	assert.Zero(t, runner.Count("wg-quick up"))
	assert.Equal(t, 2, runner.Count("wg syncconf"))
}

func TestApplyFallsBackToRestart(t *testing.T) {
	runner := wgtooltest.New().Fail("wg syncconf", 1, "Unable to access interface: No such device")
	a, dir := newApplier(t, runner)

	method, err := a.Apply(context.Background(), sample)
	require.NoError(t, err)
	assert.Equal(t, MethodRestart, method)
	assert.Equal(t, []string{"wg syncconf", "wg-quick down", "wg-quick up"}, runner.Keys())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files are cleaned up")
	assert.Equal(t, "wg0.conf", entries[0].Name())
}

func TestApplyRestartUsesConfigPath(t *testing.T) {
	runner := wgtooltest.New().Fail("wg syncconf", 1, "No such device")
	a, dir := newApplier(t, runner)

	_, err := a.Apply(context.Background(), sample)
	require.NoError(t, err)

	path := filepath.Join(dir, "wg0.conf")
	require.Equal(t, path, a.ConfigPath())

	calls := runner.Calls()
	require.Len(t, calls, 3)
	down, up := calls[1], calls[2]
	assert.Equal(t, []string{"down", path}, down.Args)
	assert.Equal(t, []string{"up", path}, up.Args)
	assert.Equal(t, sample, up.Files[path], "wg-quick reads the file just written")
}

func TestApplyToleratesDownFailure(t *testing.T) {
	runner := wgtooltest.New().
		Fail("wg syncconf", 1, "No such device").
		Fail("wg-quick down", 1, "wg-quick: `wg0' is not a WireGuard interface")
	a, _ := newApplier(t, runner)

	method, err := a.Apply(context.Background(), sample)
	require.NoError(t, err)
	assert.Equal(t, MethodRestart, method)
	assert.Equal(t, 1, runner.Count("wg-quick up"))
}

func TestApplyUpFailure(t *testing.T) {
	runner := wgtooltest.New().
		Fail("wg syncconf", 1, "No such device").
		Fail("wg-quick up", 1, "RTNETLINK answers: Operation not permitted")
	a, _ := newApplier(t, runner)

	method, err := a.Apply(context.Background(), sample)
	require.Error(t, err)
	assert.Equal(t, MethodNone, method)

	appErr, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, errors.ErrorTypeApply, appErr.Type)
	assert.True(t, strings.Contains(err.Error(), "Operation not permitted"))
	assert.True(t, errors.IsRecoverable(err))
}

func TestApplyUnwritableDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(dir, nil, 0o600))

	runner := wgtooltest.New()
	_, err := New(wgtool.New(runner), dir, "wg0").Apply(context.Background(), sample)
	require.Error(t, err)
	assert.Empty(t, runner.Calls())
}
