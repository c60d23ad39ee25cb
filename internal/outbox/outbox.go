package outbox

import (
	"bufio"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// OrderEntry is the journal record written when an order is submitted.
type OrderEntry struct {
	DecisionID     int64     `json:"decision_id"`
	OrderID        string    `json:"order_id"`
	Ticker         string    `json:"ticker"`
	Sleeve         string    `json:"sleeve"`
	Side           string    `json:"side"`
	Qty            float64   `json:"qty"`
	IntendedPrice  float64   `json:"intended_price"`
	IdempotencyKey string    `json:"idempotency_key"`
	Timestamp      time.Time `json:"timestamp"`
}

// FillEntry is the journal record written when an order reaches a terminal
// state, filled or not.
type FillEntry struct {
	DecisionID  int64     `json:"decision_id"`
	OrderID     string    `json:"order_id"`
	Ticker      string    `json:"ticker"`
	Status      string    `json:"status"`
	FilledQty   float64   `json:"filled_qty"`
	FilledPrice float64   `json:"filled_price"`
	Slippage    float64   `json:"slippage"`
	Timestamp   time.Time `json:"timestamp"`
}

type entry struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
	Event time.Time       `json:"event"`
}

// Outbox is the append-only jsonl audit journal of everything sent to the
// brokerage. It survives crashes between order submission and fill.
type Outbox struct {
	mu   sync.Mutex
	path string
}

func New(path string) (*Outbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &Outbox{path: path}, nil
}

func (o *Outbox) WriteOrder(e OrderEntry) error { return o.append("order", e) }
func (o *Outbox) WriteFill(e FillEntry) error   { return o.append("fill", e) }

func (o *Outbox) append(kind string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	line, err := json.Marshal(entry{Type: kind, Data: raw, Event: time.Now().UTC()})
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	f, err := os.OpenFile(o.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

// HasRecentOrder reports whether an order with the key was journaled inside
// the window. Used to refuse re-submitting the same decision after a crash.
func (o *Outbox) HasRecentOrder(idempotencyKey string, window time.Duration) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	f, err := os.Open(o.path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer f.Close()

	cutoff := time.Now().UTC().Add(-window)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if e.Type != "order" || e.Event.Before(cutoff) {
			continue
		}
		var oe OrderEntry
		if err := json.Unmarshal(e.Data, &oe); err != nil {
			continue
		}
		if oe.IdempotencyKey == idempotencyKey {
			return true, nil
		}
	}
	return false, sc.Err()
}

// IdempotencyKey derives a stable key for one decision's submission.
func IdempotencyKey(decisionID int64, ticker, side string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d-%s-%s", decisionID, ticker, side)))
	return fmt.Sprintf("%x", sum[:8])
}
