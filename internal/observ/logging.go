package observ

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

var (
	outMu sync.Mutex
	out   io.Writer = os.Stdout
)

// SetOutput redirects the log stream. Tests use it to capture events.
func SetOutput(w io.Writer) {
	outMu.Lock()
	defer outMu.Unlock()
	out = w
}

// Log emits one structured event as a single JSON line. The kv map is
// mutated to carry the timestamp and event name.
func Log(event string, kv map[string]any) {
	if kv == nil {
		kv = map[string]any{}
	}
	kv["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	kv["event"] = event
	b, _ := json.Marshal(kv)
	b = append(b, '\n')

	outMu.Lock()
	defer outMu.Unlock()
	_, _ = out.Write(b)
}
