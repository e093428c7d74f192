package registration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nigping/relay-agent/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoServer(t *testing.T, status int, body string) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestResolveOverrideWins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("echo service must not be called when an override is set")
	}))
	defer srv.Close()

	addr, err := (&Resolver{Override: " 198.51.100.4 ", EchoURL: srv.URL}).Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.4", addr)
}

func TestResolveViaEcho(t *testing.T) {
	srv := echoServer(t, http.StatusOK, "203.0.113.7\n")
	addr, err := (&Resolver{EchoURL: srv.URL, Timeout: time.Second}).Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7", addr)
}

func TestResolveFailuresAreFatal(t *testing.T) {
	cases := map[string]*httptest.Server{
		"server error": echoServer(t, http.StatusBadGateway, "oops"),
		"not an ip":    echoServer(t, http.StatusOK, "<html>hello</html>"),
		"oversize":     echoServer(t, http.StatusOK, strings.Repeat("1", 1024)),
		"loopback":     echoServer(t, http.StatusOK, "127.0.0.1"),
	}
	for name, srv := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := (&Resolver{EchoURL: srv.URL, Timeout: time.Second}).Resolve(context.Background())
			require.Error(t, err)
			assert.True(t, errors.IsFatal(err))
		})
	}
}

func TestResolveBadOverrideIsFatal(t *testing.T) {
	_, err := (&Resolver{Override: "relay.example.com"}).Resolve(context.Background())
	require.Error(t, err)
	appErr, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, errors.ErrorTypeAddress, appErr.Type)
}

func TestResolveTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	start := time.Now()
	_, err := (&Resolver{EchoURL: srv.URL, Timeout: 100 * time.Millisecond}).Resolve(context.Background())
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
