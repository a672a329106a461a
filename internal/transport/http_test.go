package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotilla-sh/flotilla/pkg/types"
)

// fakeController records requests on the endpoints the transport uses.
type fakeController struct {
	mu      sync.Mutex
	returns []types.ExecutionResult
	events  []types.Event
	headers []http.Header
	// failReturns makes /return answer 500.
	failReturns bool
}

func (c *fakeController) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", func(w http.ResponseWriter, r *http.Request) {
		c.record(r)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /return", func(w http.ResponseWriter, r *http.Request) {
		c.record(r)
		if c.failReturns {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var ret types.ExecutionResult
		if err := json.NewDecoder(r.Body).Decode(&ret); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		c.mu.Lock()
		c.returns = append(c.returns, ret)
		c.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /event", func(w http.ResponseWriter, r *http.Request) {
		c.record(r)
		var ev types.Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		c.mu.Lock()
		c.events = append(c.events, ev)
		c.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (c *fakeController) record(r *http.Request) {
	c.mu.Lock()
	c.headers = append(c.headers, r.Header.Clone())
	c.mu.Unlock()
}

func TestHTTPDialProbesController(t *testing.T) {
	ctrl := &fakeController{}
	srv := httptest.NewServer(ctrl.handler())
	defer srv.Close()

	d := &HTTPDialer{BaseURL: srv.URL, AuthToken: "secret"}
	conn, err := d.Dial(context.Background(), "dev-a")
	require.NoError(t, err)
	defer conn.Close()

	assert.True(t, conn.Connected())

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	require.NotEmpty(t, ctrl.headers)
	assert.Equal(t, "dev-a", ctrl.headers[0].Get("X-Minion-ID"))
	assert.Equal(t, "Bearer secret", ctrl.headers[0].Get("Authorization"))
}

func TestHTTPDialFailsWhenControllerDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	d := &HTTPDialer{BaseURL: url}
	_, err := d.Dial(context.Background(), "dev-a")
	assert.Error(t, err)
}

func TestHTTPSendReturn(t *testing.T) {
	ctrl := &fakeController{}
	srv := httptest.NewServer(ctrl.handler())
	defer srv.Close()

	conn, err := (&HTTPDialer{BaseURL: srv.URL}).Dial(context.Background(), "dev-a")
	require.NoError(t, err)

	ret := types.ExecutionResult{JID: "j1", MinionID: "dev-a", Fun: "test.ping", Return: true, Success: true}
	require.NoError(t, conn.Send(context.Background(), ret, 5*time.Second))

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	require.Len(t, ctrl.returns, 1)
	assert.Equal(t, "j1", ctrl.returns[0].JID)
	assert.Equal(t, true, ctrl.returns[0].Return)
}

func TestHTTPSendRejectedStatus(t *testing.T) {
	ctrl := &fakeController{failReturns: true}
	srv := httptest.NewServer(ctrl.handler())
	defer srv.Close()

	conn, err := (&HTTPDialer{BaseURL: srv.URL}).Dial(context.Background(), "dev-a")
	require.NoError(t, err)

	err = conn.Send(context.Background(), types.ExecutionResult{JID: "j1"}, 5*time.Second)
	assert.ErrorContains(t, err, "rejected return")
}

func TestHTTPPublishEvent(t *testing.T) {
	ctrl := &fakeController{}
	srv := httptest.NewServer(ctrl.handler())
	defer srv.Close()

	conn, err := (&HTTPDialer{BaseURL: srv.URL}).Dial(context.Background(), "dev-a")
	require.NoError(t, err)

	ev := types.Event{Tag: "job/j1/prog/dev-a/0", Data: map[string]any{"fun": "test.stream"}}
	require.NoError(t, conn.Publish(context.Background(), ev))

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	require.Len(t, ctrl.events, 1)
	assert.Equal(t, "job/j1/prog/dev-a/0", ctrl.events[0].Tag)
}

func TestLoopbackDialer(t *testing.T) {
	shared := NewLoopback()
	d := &LoopbackDialer{Shared: shared}

	a, err := d.Dial(context.Background(), "dev-a")
	require.NoError(t, err)
	b, err := d.Dial(context.Background(), "dev-b")
	require.NoError(t, err)
	assert.Same(t, a, b, "shared dialer hands out one channel")

	fresh := &LoopbackDialer{}
	x, err := fresh.Dial(context.Background(), "dev-a")
	require.NoError(t, err)
	y, err := fresh.Dial(context.Background(), "dev-b")
	require.NoError(t, err)
	assert.NotSame(t, x, y)
}

func TestLoopbackReconnect(t *testing.T) {
	l := NewLoopback()
	l.SetConnected(false)
	assert.False(t, l.Connected())

	require.NoError(t, l.Reconnect(context.Background()))
	assert.True(t, l.Connected())
}
