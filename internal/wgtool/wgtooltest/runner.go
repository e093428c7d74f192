// Package wgtooltest provides a scriptable wgtool.Runner for tests.
package wgtooltest

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/nigping/relay-agent/internal/wgtool"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Call is one recorded invocation. Files holds the contents of any argument
// that named a readable file at the time of the call.
type Call struct {
	Name  string
	Args  []string
	Stdin []byte
	Files map[string]string
}

// Key returns "name subcommand", e.g. "wg syncconf".
func (c Call) Key() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + c.Args[0]
}

// Handler produces the result for one call.
type Handler func(Call) wgtool.Result

// Runner records calls and answers them from per-command handlers.
// Commands without a handler succeed with empty output.
type Runner struct {
	mu       sync.Mutex
	calls    []Call
	handlers map[string]Handler
}

// New returns an empty Runner.
func New() *Runner {
	return &Runner{handlers: make(map[string]Handler)}
}

// On installs h for key ("wg syncconf", "wg-quick up", ...).
func (r *Runner) On(key string, h Handler) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[key] = h
	return r
}

// Fail makes key exit with code and stderr.
func (r *Runner) Fail(key string, code int, stderr string) *Runner {
	return r.On(key, func(c Call) wgtool.Result {
		return wgtool.Result{
			Command:  c.Name + " " + strings.Join(c.Args, " "),
			ExitCode: code,
			Stderr:   []byte(stderr),
			Err:      &exitError{code: code},
		}
	})
}

// Reply makes key succeed printing stdout.
func (r *Runner) Reply(key, stdout string) *Runner {
	return r.On(key, func(c Call) wgtool.Result {
		return wgtool.Result{Command: c.Name + " " + strings.Join(c.Args, " "), Stdout: []byte(stdout)}
	})
}

// WithKeys answers "wg genkey" and "wg pubkey" with real key material.
func (r *Runner) WithKeys() *Runner {
	r.On("wg genkey", func(c Call) wgtool.Result {
		key, err := wgtypes.GeneratePrivateKey()
		if err != nil {
			return wgtool.Result{Command: "wg genkey", ExitCode: 1, Err: err}
		}
		return wgtool.Result{Command: "wg genkey", Stdout: []byte(key.String() + "\n")}
	})
	return r.On("wg pubkey", func(c Call) wgtool.Result {
		key, err := wgtypes.ParseKey(strings.TrimSpace(string(c.Stdin)))
		if err != nil {
			return wgtool.Result{Command: "wg pubkey", ExitCode: 1, Stderr: []byte("Key is not the correct length or format"), Err: err}
		}
		return wgtool.Result{Command: "wg pubkey", Stdout: []byte(key.PublicKey().String() + "\n")}
	})
}

// Run implements wgtool.Runner.
func (r *Runner) Run(_ context.Context, name string, args []string, stdin []byte) wgtool.Result {
	call := Call{
		Name:  name,
		Args:  append([]string(nil), args...),
		Stdin: append([]byte(nil), stdin...),
		Files: make(map[string]string),
	}
	for _, arg := range args {
		if strings.HasPrefix(arg, "/") {
			if data, err := os.ReadFile(arg); err == nil {
				call.Files[arg] = string(data)
			}
		}
	}

	r.mu.Lock()
	r.calls = append(r.calls, call)
	h := r.handlers[call.Key()]
	r.mu.Unlock()

	if h != nil {
		return h(call)
	}
	return wgtool.Result{Command: name + " " + strings.Join(args, " ")}
}

// Calls returns a copy of every recorded call.
func (r *Runner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Count returns how many times key ran.
func (r *Runner) Count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Key() == key {
			n++
		}
	}
	return n
}

// Keys returns the call keys in order.
func (r *Runner) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		keys = append(keys, c.Key())
	}
	return keys
}

// Reset forgets recorded calls but keeps handlers.
func (r *Runner) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

type exitError struct{ code int }

func (e *exitError) Error() string { return "exit status " + strconv.Itoa(e.code) }
