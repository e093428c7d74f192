// Package applier pushes a rendered configuration onto the live WireGuard
// interface.
package applier

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/nigping/relay-agent/internal/errors"
	"github.com/nigping/relay-agent/internal/logger"
	"github.com/nigping/relay-agent/internal/metrics"
	"github.com/nigping/relay-agent/internal/wgconf"
	"github.com/nigping/relay-agent/internal/wgtool"
	"go.uber.org/zap"
)

// Method is how a configuration reached the interface.
type Method string

const (
	MethodNone      Method = ""
	MethodHotReload Method = metrics.MethodHotReload
	MethodRestart   Method = metrics.MethodRestart
)

// Controller is the subset of wgtool.Tool the applier drives.
type Controller interface {
	SyncConf(ctx context.Context, iface, path string) wgtool.Result
	Up(ctx context.Context, config string) wgtool.Result
	Down(ctx context.Context, config string) wgtool.Result
}

// Applier owns the interface configuration file and the interface itself.
type Applier struct {
	tool      Controller
	configDir string
	iface     string
	log       *zap.Logger

	mu sync.Mutex
}

// New returns an Applier for iface whose wg-quick file lives in configDir.
func New(tool Controller, configDir, iface string) *Applier {
	return &Applier{
		tool:      tool,
		configDir: configDir,
		iface:     iface,
		log:       logger.New("applier").With(zap.String("interface", iface)),
	}
}

// ConfigPath is the wg-quick file for the interface.
func (a *Applier) ConfigPath() string {
	return filepath.Join(a.configDir, a.iface+".conf")
}

// Apply writes text to the interface file and loads it, preferring a hot
// reload that keeps unchanged peers connected. On any hot reload failure
// the interface is restarted from the new file.
func (a *Applier) Apply(ctx context.Context, text string) (Method, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.MkdirAll(a.configDir, 0o700); err != nil {
		return MethodNone, errors.ApplyError(a.iface, fmt.Errorf("create config dir: %w", err))
	}
	if err := writeFileAtomic(a.ConfigPath(), []byte(text), 0o600); err != nil {
		return MethodNone, errors.ApplyError(a.iface, fmt.Errorf("write %s: %w", a.ConfigPath(), err))
	}

	reloadErr := a.hotReload(ctx, text)
	if reloadErr == nil {
		metrics.Applies.WithLabelValues(string(MethodHotReload), metrics.ResultSuccess).Inc()
		a.log.Debug("Hot reloaded interface")
		return MethodHotReload, nil
	}
	metrics.Applies.WithLabelValues(string(MethodHotReload), metrics.ResultFailure).Inc()
	a.log.Warn("Hot reload failed, restarting interface", zap.Error(reloadErr))

	if err := a.restart(ctx); err != nil {
		metrics.Applies.WithLabelValues(string(MethodRestart), metrics.ResultFailure).Inc()
		return MethodNone, errors.ApplyError(a.iface, err)
	}
	metrics.Applies.WithLabelValues(string(MethodRestart), metrics.ResultSuccess).Inc()
	a.log.Info("Restarted interface")
	return MethodRestart, nil
}

func (a *Applier) hotReload(ctx context.Context, text string) error {
	tmp, err := os.CreateTemp(a.configDir, "."+a.iface+".sync-*")
	if err != nil {
		return fmt.Errorf("create runtime file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(wgconf.Strip(text)); err != nil {
		tmp.Close()
		return fmt.Errorf("write runtime file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close runtime file: %w", err)
	}
	return a.tool.SyncConf(ctx, a.iface, tmp.Name()).AsError()
}

func (a *Applier) restart(ctx context.Context) error {
	if res := a.tool.Down(ctx, a.ConfigPath()); !res.OK() {
		// never up; nothing to tear down
		a.log.Info("Interface already down",
			zap.Int("exit_code", res.ExitCode),
			zap.ByteString("stderr", res.Stderr))
	}
	return a.tool.Up(ctx, a.ConfigPath()).AsError()
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
