package wgtool_test

import (
	"context"
	"testing"

	"github.com/nigping/relay-agent/internal/wgtool"
	"github.com/nigping/relay-agent/internal/wgtool/wgtooltest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

func TestToolKeyPair(t *testing.T) {
	runner := wgtooltest.New().WithKeys()
	tool := wgtool.New(runner)
	ctx := context.Background()

	priv, err := tool.GenKey(ctx)
	require.NoError(t, err)
	pub, err := tool.PubKey(ctx, priv)
	require.NoError(t, err)

	parsed, err := wgtypes.ParseKey(priv)
	require.NoError(t, err)
	assert.Equal(t, parsed.PublicKey().String(), pub)

	calls := runner.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, priv+"\n", string(calls[1].Stdin), "private key goes over stdin, never argv")
	assert.Equal(t, []string{"pubkey"}, calls[1].Args)
}

func TestToolGenKeyFailure(t *testing.T) {
	runner := wgtooltest.New().Fail("wg genkey", 127, "wg: command not found")
	_, err := wgtool.New(runner).GenKey(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "command not found")
}

func TestToolEmptyOutputIsAnError(t *testing.T) {
	runner := wgtooltest.New().Reply("wg genkey", "\n")
	_, err := wgtool.New(runner).GenKey(context.Background())
	assert.Error(t, err)
}

func TestToolInterfaceCommands(t *testing.T) {
	runner := wgtooltest.New()
	tool := wgtool.New(runner)
	ctx := context.Background()

	assert.True(t, tool.SyncConf(ctx, "wg0", "/tmp/wg0.sync").OK())
	assert.True(t, tool.Down(ctx, "/etc/wireguard/wg0.conf").OK())
	assert.True(t, tool.Up(ctx, "/etc/wireguard/wg0.conf").OK())

	assert.Equal(t, []string{"wg syncconf", "wg-quick down", "wg-quick up"}, runner.Keys())
	calls := runner.Calls()
	assert.Equal(t, []string{"syncconf", "wg0", "/tmp/wg0.sync"}, calls[0].Args)
	assert.Equal(t, []string{"down", "/etc/wireguard/wg0.conf"}, calls[1].Args)
	assert.Equal(t, []string{"up", "/etc/wireguard/wg0.conf"}, calls[2].Args)
}
