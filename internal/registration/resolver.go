// Package registration determines the relay's public address and records
// the relay in the shared directory.
package registration

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/nigping/relay-agent/internal/constants"
	"github.com/nigping/relay-agent/internal/errors"
	"github.com/nigping/relay-agent/internal/logger"
	"go.uber.org/zap"
)

// Resolver finds the address clients use to reach this relay.
type Resolver struct {
	Override   string
	EchoURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// Resolve returns the override when set, otherwise asks the echo service.
// Failure is fatal to the caller: registering under a wrong address is
// worse than not running.
func (r *Resolver) Resolve(ctx context.Context) (string, error) {
	if r.Override != "" {
		addr, err := parseAddress(r.Override)
		if err != nil {
			return "", errors.AddressResolutionError("override", err)
		}
		logger.Info("Using configured public address", zap.String("relay_address", addr))
		return addr, nil
	}

	echoURL := r.EchoURL
	if echoURL == "" {
		echoURL = constants.DefaultIPEchoURL
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = constants.DefaultResolveTimeout
	}
	client := r.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr, err := r.echo(ctx, client, echoURL)
	if err != nil {
		return "", errors.AddressResolutionError(echoURL, err)
	}
	logger.Info("Resolved public address", zap.String("relay_address", addr), zap.String("source", echoURL))
	return addr, nil
}

func (r *Resolver) echo(ctx context.Context, client *http.Client, echoURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, echoURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/plain")
	req.Header.Set("User-Agent", constants.ServiceName)

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.ExternalServiceError(echoURL, "address lookup", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, constants.MaxEchoResponseBytes+1))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if len(body) > constants.MaxEchoResponseBytes {
		return "", fmt.Errorf("response larger than %d bytes", constants.MaxEchoResponseBytes)
	}
	return parseAddress(string(body))
}

// parseAddress validates s as a single IP address and returns its
// canonical form.
func parseAddress(s string) (string, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("not an IP address: %q", strings.TrimSpace(s))
	}
	if addr.IsUnspecified() || addr.IsLoopback() {
		return "", fmt.Errorf("%s is not a public address", addr)
	}
	return addr.Unmap().String(), nil
}
