package radio

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultReassemblyTimeout bounds how long a partial message is kept.
const DefaultReassemblyTimeout = 120 * time.Second

// Result is what one inbound frame produced: a complete envelope, an ack, or nothing yet.
type Result struct {
	Envelope *Envelope
	Ack      *Ack
}

type partial struct {
	total   int
	parts   map[int][]byte
	updated time.Time
}

// Assembler turns raw inbound frames into envelopes and acks.
// Partial messages are keyed per batch (binary) or per sender and timestamp (text).
type Assembler struct {
	mu      sync.Mutex
	buffers map[string]*partial
	timeout time.Duration
}

func NewAssembler(timeout time.Duration) *Assembler {
	if timeout <= 0 {
		timeout = DefaultReassemblyTimeout
	}
	return &Assembler{buffers: make(map[string]*partial), timeout: timeout}
}

// Accept consumes one frame received at now.
func (a *Assembler) Accept(raw []byte, now time.Time) (Result, error) {
	if IsText(raw) {
		f, err := ParseText(string(raw))
		if err != nil {
			return Result{}, err
		}
		return a.acceptText(f, now), nil
	}

	chunk, ack, err := Decode(raw)
	if err != nil {
		return Result{}, err
	}
	if ack != nil {
		return Result{Ack: ack}, nil
	}
	return a.acceptChunk(chunk, now)
}

func (a *Assembler) acceptChunk(c *Chunk, now time.Time) (Result, error) {
	if c.Total == 1 {
		env, err := UnmarshalEnvelope(c.Data)
		if err != nil {
			return Result{}, err
		}
		return Result{Envelope: &env}, nil
	}

	key := fmt.Sprintf("bin:%08x", c.Batch)
	data, done := a.add(key, int(c.Total), int(c.Seq), c.Data, now)
	if !done {
		return Result{}, nil
	}
	env, err := UnmarshalEnvelope(joinParts(data, int(c.Total)))
	if err != nil {
		return Result{}, err
	}
	return Result{Envelope: &env}, nil
}

func (a *Assembler) acceptText(f TextFrame, now time.Time) Result {
	key := fmt.Sprintf("txt:%s|%d", f.From, f.Timestamp)
	data, done := a.add(key, f.ChunkBatch, f.ChunkID, []byte(f.Message), now)
	if !done {
		return Result{}
	}
	return Result{Envelope: &Envelope{
		Sender:    f.From,
		Body:      string(joinParts(data, f.ChunkBatch)),
		CreatedAt: f.Timestamp * 1000,
		Legacy:    true,
	}}
}

func (a *Assembler) add(key string, total, seq int, data []byte, now time.Time) (map[int][]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.buffers[key]
	if !ok || p.total != total {
		p = &partial{total: total, parts: make(map[int][]byte, total)}
		a.buffers[key] = p
	}
	p.parts[seq] = data
	p.updated = now

	if len(p.parts) < p.total {
		return nil, false
	}
	delete(a.buffers, key)
	return p.parts, true
}

func joinParts(parts map[int][]byte, total int) []byte {
	var b strings.Builder
	for i := 1; i <= total; i++ {
		b.Write(parts[i])
	}
	return []byte(b.String())
}

// Expire drops partial messages not touched since now minus the timeout and
// returns the keys removed.
func (a *Assembler) Expire(now time.Time) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	var dropped []string
	for k, p := range a.buffers {
		if now.Sub(p.updated) > a.timeout {
			delete(a.buffers, k)
			dropped = append(dropped, k)
		}
	}
	sort.Strings(dropped)
	return dropped
}

// Pending returns the number of partial messages being held.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers)
}
