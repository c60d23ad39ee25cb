package alerts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/classtrader/trading-core/internal/config"
	"github.com/classtrader/trading-core/internal/observ"
)

const queueDepth = 256

type queuedAlert struct {
	eventType string
	payload   map[string]any
	hash      string
}

// Notifier posts operator alerts to a webhook asynchronously. Delivery is
// best-effort: failures are logged and dropped, duplicate alerts within the
// dedupe window are suppressed, and a full queue never blocks the caller.
type Notifier struct {
	cfg    config.Alerts
	client *resty.Client
	queue  chan queuedAlert

	mu       sync.Mutex
	lastSent map[string]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	now    func() time.Time
}

func NewNotifier(cfg config.Alerts) *Notifier {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Notifier{
		cfg:      cfg,
		client:   resty.New().SetTimeout(10 * time.Second),
		queue:    make(chan queuedAlert, queueDepth),
		lastSent: make(map[string]time.Time),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		now:      time.Now,
	}
	go n.worker()
	return n
}

// Notify queues one alert. Safe to call from any goroutine; never blocks.
func (n *Notifier) Notify(eventType string, payload map[string]any) {
	if !n.cfg.Enabled || n.cfg.WebhookURL == "" {
		return
	}
	a := queuedAlert{eventType: eventType, payload: payload, hash: alertHash(eventType, payload)}
	if n.isDuplicate(a.hash) {
		observ.IncCounter("alerts_deduped_total", nil)
		return
	}
	select {
	case n.queue <- a:
	default:
		observ.IncCounter("alerts_dropped_total", nil)
		observ.Log("alert_queue_full", map[string]any{"type": eventType})
	}
}

// Close stops the worker after draining queued alerts.
func (n *Notifier) Close() {
	n.cancel()
	<-n.done
}

func (n *Notifier) worker() {
	defer close(n.done)
	for {
		select {
		case a := <-n.queue:
			n.deliver(a)
		case <-n.ctx.Done():
			for {
				select {
				case a := <-n.queue:
					n.deliver(a)
				default:
					return
				}
			}
		}
	}
}

func (n *Notifier) deliver(a queuedAlert) {
	body := map[string]any{
		"type":    a.eventType,
		"ts_utc":  n.now().UTC().Format(time.RFC3339),
		"payload": a.payload,
	}
	resp, err := n.client.R().
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(n.cfg.WebhookURL)
	if err != nil || resp.IsError() {
		status := 0
		if resp != nil {
			status = resp.StatusCode()
		}
		observ.IncCounter("alert_webhook_errors_total", nil)
		observ.Log("alert_delivery_failed", map[string]any{
			"type":   a.eventType,
			"status": status,
		})
		return
	}
	observ.IncCounter("alerts_sent_total", nil)
}

func (n *Notifier) isDuplicate(hash string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.now()
	window := time.Duration(n.cfg.DedupeWindowSecs) * time.Second
	if sent, ok := n.lastSent[hash]; ok && now.Sub(sent) < window {
		return true
	}
	n.lastSent[hash] = now
	// Opportunistic cleanup keeps the cache bounded.
	for h, ts := range n.lastSent {
		if now.Sub(ts) >= window {
			delete(n.lastSent, h)
		}
	}
	return false
}

func alertHash(eventType string, payload map[string]any) string {
	b, _ := json.Marshal(payload)
	sum := sha256.Sum256(append([]byte(eventType+"|"), b...))
	return hex.EncodeToString(sum[:8])
}
