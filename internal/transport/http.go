package transport

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/flotilla-sh/flotilla/pkg/types"
)

// HTTPDialer opens HTTP channels against a controller base URL. One resty
// client is created per dialed identity so sub-minion channels stay
// independent.
type HTTPDialer struct {
	BaseURL   string
	AuthToken string
}

// Dial probes the controller and returns a connected channel for minionID.
func (d *HTTPDialer) Dial(ctx context.Context, minionID string) (Transport, error) {
	client := resty.New().
		SetBaseURL(d.BaseURL).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Minion-ID", minionID).
		SetRetryCount(2)
	if d.AuthToken != "" {
		client.SetAuthToken(d.AuthToken)
	}

	t := &httpTransport{client: client, minionID: minionID}
	if err := t.Probe(ctx); err != nil {
		return nil, fmt.Errorf("dial %s for %s: %w", d.BaseURL, minionID, err)
	}
	t.connected.Store(true)
	return t, nil
}

type httpTransport struct {
	client    *resty.Client
	minionID  string
	connected atomic.Bool
}

func (t *httpTransport) Connected() bool {
	return t.connected.Load()
}

func (t *httpTransport) Send(ctx context.Context, ret types.ExecutionResult, timeout time.Duration) error {
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := t.client.R().
		SetContext(sendCtx).
		SetBody(ret).
		Post("/return")
	if err != nil {
		t.connected.Store(false)
		return fmt.Errorf("send return: %w", err)
	}
	if resp.StatusCode() != 200 {
		return fmt.Errorf("controller rejected return with status %d", resp.StatusCode())
	}
	return nil
}

func (t *httpTransport) Publish(ctx context.Context, event types.Event) error {
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(event).
		Post("/event")
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	if resp.StatusCode() != 200 {
		return fmt.Errorf("controller rejected event with status %d", resp.StatusCode())
	}
	return nil
}

func (t *httpTransport) Probe(ctx context.Context) error {
	resp, err := t.client.R().
		SetContext(ctx).
		Get("/ping")
	if err != nil {
		t.connected.Store(false)
		return fmt.Errorf("probe: %w", err)
	}
	if resp.StatusCode() != 200 {
		t.connected.Store(false)
		return fmt.Errorf("probe status %d", resp.StatusCode())
	}
	t.connected.Store(true)
	return nil
}

func (t *httpTransport) Reconnect(ctx context.Context) error {
	return t.Probe(ctx)
}

func (t *httpTransport) Close() error {
	t.connected.Store(false)
	return nil
}
