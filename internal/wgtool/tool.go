package wgtool

import (
	"context"
	"fmt"

	"github.com/nigping/relay-agent/internal/constants"
	"github.com/nigping/relay-agent/internal/logger"
	"github.com/nigping/relay-agent/internal/metrics"
	"go.uber.org/zap"
)

// Tool exposes the handful of wg and wg-quick operations the agent needs.
type Tool struct {
	runner  Runner
	wg      string
	wgQuick string
	log     *zap.Logger
}

// New returns a Tool using the default binary names.
func New(runner Runner) *Tool {
	return &Tool{
		runner:  runner,
		wg:      constants.WGBinary,
		wgQuick: constants.WGQuickBinary,
		log:     logger.New("wgtool"),
	}
}

func (t *Tool) run(ctx context.Context, tool string, args []string, stdin []byte) Result {
	res := t.runner.Run(ctx, tool, args, stdin)
	result := metrics.ResultSuccess
	if !res.OK() {
		result = metrics.ResultFailure
	}
	metrics.ToolInvocations.WithLabelValues(tool, result).Inc()

	// stdin is never logged; it may carry a private key
	t.log.Debug("Ran external tool",
		zap.String("command", res.Command),
		zap.Int("exit_code", res.ExitCode),
		zap.Bool("ok", res.OK()))
	return res
}

// GenKey generates a new private key with "wg genkey".
func (t *Tool) GenKey(ctx context.Context) (string, error) {
	res := t.run(ctx, t.wg, []string{"genkey"}, nil)
	if err := res.AsError(); err != nil {
		return "", err
	}
	key := res.Output()
	if key == "" {
		return "", fmt.Errorf("%s genkey produced no output", t.wg)
	}
	return key, nil
}

// PubKey derives the public key for priv with "wg pubkey".
func (t *Tool) PubKey(ctx context.Context, priv string) (string, error) {
	res := t.run(ctx, t.wg, []string{"pubkey"}, []byte(priv+"\n"))
	if err := res.AsError(); err != nil {
		return "", err
	}
	key := res.Output()
	if key == "" {
		return "", fmt.Errorf("%s pubkey produced no output", t.wg)
	}
	return key, nil
}

// SyncConf hot-reloads the interface from a stripped configuration file.
// Unchanged peers keep their sessions.
func (t *Tool) SyncConf(ctx context.Context, iface, path string) Result {
	return t.run(ctx, t.wg, []string{"syncconf", iface, path}, nil)
}

// Up brings the interface up from the configuration file at config.
// wg-quick derives the interface name from the file's base name, so the
// path must end in ".conf".
func (t *Tool) Up(ctx context.Context, config string) Result {
	return t.run(ctx, t.wgQuick, []string{"up", config}, nil)
}

// Down tears down the interface described by config. Callers decide
// whether failure matters.
func (t *Tool) Down(ctx context.Context, config string) Result {
	return t.run(ctx, t.wgQuick, []string{"down", config}, nil)
}
