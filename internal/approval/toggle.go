package approval

import "sync"

// Toggle is the runtime auto-approve switch. It is independent of the
// persisted configuration: Set survives until Reset or process restart,
// at which point the config default applies again.
type Toggle struct {
	mu  sync.Mutex
	def bool
	cur bool
}

func NewToggle(defaultOn bool) *Toggle {
	return &Toggle{def: defaultOn, cur: defaultOn}
}

func (t *Toggle) Get() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cur
}

func (t *Toggle) Set(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cur = on
}

func (t *Toggle) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cur = t.def
}
