package rpc

import (
	"encoding/json"
	"sync"

	"github.com/jkaninda/hpcbridge/internal/hpc"
)

// Receipt records one mediated capability call: the request as sent and the
// raw response as received.
type Receipt struct {
	Request  hpc.Request
	Response hpc.Response
}

// MarshalJSON emits the request object with the response attached under
// "response", e.g. {"tlsp": {...}, "response": {...}}.
func (r Receipt) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]json.RawMessage{
		r.Request.Capability(): r.Request.Payload(),
		hpc.ResponseKey:        r.Response.Raw(),
	})
}

// Log is an append-only, call-ordered sequence of receipts. Entries are never
// removed or reordered.
type Log struct {
	mu       sync.Mutex
	receipts []Receipt
}

// NewLog creates an empty receipt log.
func NewLog() *Log {
	return &Log{}
}

// Append adds a receipt at the end of the log.
func (l *Log) Append(r Receipt) {
	l.mu.Lock()
	l.receipts = append(l.receipts, r)
	l.mu.Unlock()
}

// Len returns the number of receipts.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.receipts)
}

// Receipts returns a copy of the log in call order.
func (l *Log) Receipts() []Receipt {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Receipt, len(l.receipts))
	copy(out, l.receipts)
	return out
}

// MarshalJSON emits the log as a JSON array; an empty log is [].
func (l *Log) MarshalJSON() ([]byte, error) {
	receipts := l.Receipts()
	if receipts == nil {
		receipts = []Receipt{}
	}
	return json.Marshal(receipts)
}
