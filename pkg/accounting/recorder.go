package accounting

import (
	"sync"
	"time"
)

// Sink receives each entry as it is recorded.
type Sink func(Entry)

// Recorder collects the accounting entries of one session in record
// order and fans each entry out to the registered sinks. It is safe
// for concurrent use; tool executions record from multiple goroutines.
type Recorder struct {
	mu         sync.Mutex
	sessionKey string
	entries    []Entry
	own        []Entry
	sinks      []Sink
}

// NewRecorder creates an empty recorder with the given sinks.
func NewRecorder(sinks ...Sink) *Recorder {
	return &Recorder{sinks: sinks}
}

// SetSessionKey stamps the key onto every entry recorded from now on.
func (r *Recorder) SetSessionKey(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionKey = key
}

// Record appends the entry, stamping the timestamp and session key if
// unset.
func (r *Recorder) Record(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	r.mu.Lock()
	if e.SessionKey == "" {
		e.SessionKey = r.sessionKey
	}
	r.entries = append(r.entries, e)
	r.own = append(r.own, e)
	sinks := r.sinks
	r.mu.Unlock()

	for _, sink := range sinks {
		sink(e)
	}
}

// Merge appends a child session's entries, preserving their order.
// Sinks are not re-notified, and merged entries are excluded from
// OwnEntries: the child session already fanned them out and flushed
// them to the billing ledger itself.
func (r *Recorder) Merge(entries []Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entries...)
}

// Entries returns a copy of all recorded entries, merged child entries
// included.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// OwnEntries returns a copy of the entries this session recorded
// itself, without merged child entries. The billing flush writes these
// so each entry reaches the ledger exactly once, from the session that
// produced it.
func (r *Recorder) OwnEntries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.own))
	copy(out, r.own)
	return out
}

// Summary folds the recorded entries.
func (r *Recorder) Summary() Summary {
	return Summarize(r.Entries())
}
