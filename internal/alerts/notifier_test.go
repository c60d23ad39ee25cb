package alerts

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/classtrader/trading-core/internal/config"
)

type capture struct {
	mu     sync.Mutex
	bodies []map[string]any
}

func (c *capture) handler(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	json.NewDecoder(r.Body).Decode(&body)
	c.mu.Lock()
	c.bodies = append(c.bodies, body)
	c.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func newNotifier(t *testing.T, url string, dedupeSecs int) *Notifier {
	t.Helper()
	n := NewNotifier(config.Alerts{Enabled: true, WebhookURL: url, DedupeWindowSecs: dedupeSecs})
	t.Cleanup(n.Close)
	return n
}

func TestNotifierDeliversAlert(t *testing.T) {
	var c capture
	srv := httptest.NewServer(http.HandlerFunc(c.handler))
	defer srv.Close()

	n := newNotifier(t, srv.URL, 60)
	n.Notify("circuit_breaker_tripped", map[string]any{"type": "CONSECUTIVE_LOSSES", "sleeve": "MAIN"})

	require.Eventually(t, func() bool { return c.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Equal(t, "circuit_breaker_tripped", c.bodies[0]["type"])
	payload := c.bodies[0]["payload"].(map[string]any)
	require.Equal(t, "MAIN", payload["sleeve"])
}

func TestNotifierDeduplicatesWithinWindow(t *testing.T) {
	var c capture
	srv := httptest.NewServer(http.HandlerFunc(c.handler))
	defer srv.Close()

	n := newNotifier(t, srv.URL, 60)
	for i := 0; i < 3; i++ {
		n.Notify("trade_pending", map[string]any{"decision_id": 42})
	}
	n.Notify("trade_pending", map[string]any{"decision_id": 43})

	require.Eventually(t, func() bool { return c.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 2, c.count())
}

func TestNotifierDropsOnWebhookFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := newNotifier(t, srv.URL, 60)
	// Must not block or panic; the failure is logged and swallowed.
	n.Notify("trade_failed", map[string]any{"decision_id": 1})
	n.Close()
}

func TestNotifierDisabledIsNoOp(t *testing.T) {
	var c capture
	srv := httptest.NewServer(http.HandlerFunc(c.handler))
	defer srv.Close()

	n := NewNotifier(config.Alerts{Enabled: false, WebhookURL: srv.URL, DedupeWindowSecs: 60})
	t.Cleanup(n.Close)
	n.Notify("trade_pending", map[string]any{"decision_id": 1})

	time.Sleep(50 * time.Millisecond)
	require.Zero(t, c.count())
}
