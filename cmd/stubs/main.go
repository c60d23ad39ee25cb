package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Stub brokerage for local development. Speaks just enough of the Alpaca
// REST surface for the trading daemon: quotes drift randomly, market
// orders fill after a configurable number of status polls.

type order struct {
	ID             string `json:"id"`
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	Qty            string `json:"qty"`
	Status         string `json:"status"`
	FilledQty      string `json:"filled_qty"`
	FilledAvgPrice string `json:"filled_avg_price"`

	pollsLeft int
	qty       float64
}

type position struct {
	Symbol string `json:"symbol"`
	Qty    string `json:"qty"`
}

type stubState struct {
	mu        sync.Mutex
	prices    map[string]float64
	orders    map[string]*order
	holdings  map[string]float64
	equity    float64
	fillAfter int
	nextID    int
}

func newState(equity float64, fillAfter int) *stubState {
	return &stubState{
		prices: map[string]float64{
			"AAPL": 180.00, "MSFT": 420.00, "NVDA": 120.00,
			"TINY": 2.10, "SNDL": 1.45,
		},
		orders:    make(map[string]*order),
		holdings:  make(map[string]float64),
		equity:    equity,
		fillAfter: fillAfter,
	}
}

func (s *stubState) price(symbol string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prices[symbol]
	if !ok {
		p = 10 + rand.Float64()*90
	}
	// Small random walk so repeated runs see movement.
	p *= 1 + (rand.Float64()-0.5)*0.002
	s.prices[symbol] = p
	return p
}

func (s *stubState) submit(symbol, side string, qty float64) *order {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	o := &order{
		ID:        fmt.Sprintf("stub-%d", s.nextID),
		Symbol:    symbol,
		Side:      side,
		Qty:       strconv.FormatFloat(qty, 'f', -1, 64),
		Status:    "accepted",
		FilledQty: "0",
		pollsLeft: s.fillAfter,
		qty:       qty,
	}
	s.orders[o.ID] = o
	return o
}

func (s *stubState) poll(id string) (*order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, false
	}
	if o.Status == "accepted" {
		o.pollsLeft--
		if o.pollsLeft <= 0 {
			price := s.prices[o.Symbol]
			if price == 0 {
				price = 10
			}
			o.Status = "filled"
			o.FilledQty = o.Qty
			o.FilledAvgPrice = strconv.FormatFloat(price, 'f', 2, 64)
			if o.Side == "buy" {
				s.holdings[o.Symbol] += o.qty
			} else {
				s.holdings[o.Symbol] -= o.qty
				if s.holdings[o.Symbol] <= 0 {
					delete(s.holdings, o.Symbol)
				}
			}
		}
	}
	cp := *o
	return &cp, true
}

func (s *stubState) cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return false
	}
	if o.Status == "accepted" {
		o.Status = "canceled"
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func main() {
	var (
		addr      = flag.String("addr", ":8090", "listen address")
		equity    = flag.Float64("equity", 100_000, "stub account equity")
		fillAfter = flag.Int("fill-after", 2, "status polls before a market order fills")
	)
	flag.Parse()

	state := newState(*equity, *fillAfter)
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v2/account", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"equity": strconv.FormatFloat(state.equity, 'f', 2, 64),
		})
	})

	mux.HandleFunc("GET /v2/positions", func(w http.ResponseWriter, r *http.Request) {
		state.mu.Lock()
		out := make([]position, 0, len(state.holdings))
		for sym, qty := range state.holdings {
			out = append(out, position{Symbol: sym, Qty: strconv.FormatFloat(qty, 'f', -1, 64)})
		}
		state.mu.Unlock()
		writeJSON(w, http.StatusOK, out)
	})

	mux.HandleFunc("GET /v2/stocks/{symbol}/trades/latest", func(w http.ResponseWriter, r *http.Request) {
		symbol := r.PathValue("symbol")
		writeJSON(w, http.StatusOK, map[string]any{
			"symbol": symbol,
			"trade": map[string]any{
				"p": state.price(symbol),
				"t": time.Now().UTC().Format(time.RFC3339),
			},
		})
	})

	mux.HandleFunc("POST /v2/orders", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Symbol string `json:"symbol"`
			Side   string `json:"side"`
			Qty    string `json:"qty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad order body"})
			return
		}
		qty, err := strconv.ParseFloat(req.Qty, 64)
		if err != nil || qty <= 0 {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "invalid qty"})
			return
		}
		o := state.submit(req.Symbol, req.Side, qty)
		log.Printf("order %s: %s %s %s", o.ID, o.Side, o.Qty, o.Symbol)
		writeJSON(w, http.StatusOK, o)
	})

	mux.HandleFunc("GET /v2/orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		o, ok := state.poll(r.PathValue("id"))
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "order not found"})
			return
		}
		writeJSON(w, http.StatusOK, o)
	})

	mux.HandleFunc("DELETE /v2/orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		if !state.cancel(r.PathValue("id")) {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "order not found"})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	log.Printf("stub brokerage listening on %s (equity %.2f, fills after %d polls)", *addr, *equity, *fillAfter)
	log.Fatal(http.ListenAndServe(*addr, mux))
}
