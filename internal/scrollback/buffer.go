package scrollback

import (
	"strings"
	"sync"
	"time"

	"github.com/mconnect/mconnect/internal/database"
)

// Config sizes a per-session buffer.
type Config struct {
	// MemoryLines is the target size of the in-memory tail.
	MemoryLines int
	// MaxTotalLines bounds retained lines across memory and store.
	MaxTotalLines int
	// SpillBatchSize is how many lines move to the store per spill.
	SpillBatchSize int
}

// DefaultConfig mirrors the daemon defaults.
func DefaultConfig() Config {
	return Config{MemoryLines: 1000, MaxTotalLines: 10000, SpillBatchSize: 100}
}

// Line is one retained scrollback line. Numbers are allocated
// monotonically from 0 per session and survive trimming (trimming
// removes the oldest numbers; it never renumbers).
type Line struct {
	Number    int64
	Content   string
	Timestamp time.Time
}

// Buffer is a per-session hybrid scrollback buffer: a bounded
// in-memory tail over a persistent spillover in the session store.
// Append, Flush and the range queries are mutually exclusive.
type Buffer struct {
	store     *database.Store
	sessionID string
	cfg       Config

	mu      sync.Mutex
	memory  []Line // tail, ascending line numbers
	persisted int  // prefix of memory already present in the store
	partial string // bytes after the last line feed
	next    int64  // next line number to allocate
	total   int64  // retained lines, memory + store
	inStore int64  // retained rows in the store
}

// New creates a buffer for sessionID backed by store.
func New(store *database.Store, sessionID string, cfg Config) *Buffer {
	if cfg.MemoryLines <= 0 {
		cfg.MemoryLines = DefaultConfig().MemoryLines
	}
	if cfg.MaxTotalLines <= 0 {
		cfg.MaxTotalLines = DefaultConfig().MaxTotalLines
	}
	if cfg.SpillBatchSize <= 0 {
		cfg.SpillBatchSize = DefaultConfig().SpillBatchSize
	}
	return &Buffer{store: store, sessionID: sessionID, cfg: cfg}
}

// Append splits data into lines on line feeds, retaining any trailing
// remainder as the current partial line. Complete lines are appended
// to the memory tail; the tail spills to the store in batches and the
// store is trimmed when the total exceeds MaxTotalLines.
func (b *Buffer) Append(data string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	text := b.partial + data
	for {
		idx := strings.IndexByte(text, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimSuffix(text[:idx], "\r")
		text = text[idx+1:]
		b.pushLine(line)
	}
	b.partial = text

	return b.maintain()
}

// pushLine appends one complete line to the memory tail.
// Caller holds b.mu.
func (b *Buffer) pushLine(content string) {
	b.memory = append(b.memory, Line{Number: b.next, Content: content, Timestamp: time.Now()})
	b.next++
	b.total++
}

// maintain spills and trims as needed. Caller holds b.mu.
func (b *Buffer) maintain() error {
	for len(b.memory) > b.cfg.MemoryLines+b.cfg.SpillBatchSize {
		if err := b.spill(b.cfg.SpillBatchSize); err != nil {
			return err
		}
	}
	if b.total > int64(b.cfg.MaxTotalLines) {
		unpersisted := int64(len(b.memory) - b.persisted)
		keep := int64(b.cfg.MaxTotalLines) - unpersisted
		if keep < int64(b.persisted) {
			keep = int64(b.persisted)
		}
		if keep < 0 {
			keep = 0
		}
		if err := b.store.TrimScrollback(b.sessionID, keep); err != nil {
			return err
		}
		b.inStore = keep
		b.total = b.inStore + unpersisted
	}
	return nil
}

// spill moves the oldest n memory lines to the store. Lines already
// mirrored in the store (restored tail) are simply dropped from memory.
// Caller holds b.mu.
func (b *Buffer) spill(n int) error {
	if n > len(b.memory) {
		n = len(b.memory)
	}
	batch := b.memory[:n]
	mirrored := b.persisted
	if mirrored > n {
		mirrored = n
	}
	toWrite := batch[mirrored:]
	if len(toWrite) > 0 {
		contents := make([]string, len(toWrite))
		for i, l := range toWrite {
			contents[i] = l.Content
		}
		if err := b.store.AppendScrollbackBatchAt(b.sessionID, toWrite[0].Number, contents); err != nil {
			return err
		}
		b.inStore += int64(len(toWrite))
	}
	b.memory = append([]Line(nil), b.memory[n:]...)
	b.persisted -= mirrored
	return nil
}

// Flush appends any outstanding partial line as a full line and drains
// the memory tail to the store. Idempotent.
func (b *Buffer) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.partial != "" {
		b.pushLine(strings.TrimSuffix(b.partial, "\r"))
		b.partial = ""
	}

	unpersisted := b.memory[b.persisted:]
	if len(unpersisted) > 0 {
		contents := make([]string, len(unpersisted))
		for i, l := range unpersisted {
			contents[i] = l.Content
		}
		if err := b.store.AppendScrollbackBatchAt(b.sessionID, unpersisted[0].Number, contents); err != nil {
			return err
		}
		b.inStore += int64(len(unpersisted))
		b.persisted = len(b.memory)
	}
	return b.maintain()
}

// Restore re-populates the memory tail with the latest MemoryLines
// from the store after a daemon restart.
func (b *Buffer) Restore() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	count, err := b.store.GetScrollbackLineCount(b.sessionID)
	if err != nil {
		return err
	}
	tail, err := b.store.GetLatestScrollback(b.sessionID, b.cfg.MemoryLines)
	if err != nil {
		return err
	}

	b.memory = b.memory[:0]
	for _, row := range tail {
		b.memory = append(b.memory, Line{Number: row.LineNumber, Content: row.Content, Timestamp: row.Timestamp})
	}
	b.persisted = len(b.memory)
	b.inStore = count
	b.total = count
	if n := len(b.memory); n > 0 {
		b.next = b.memory[n-1].Number + 1
	} else {
		b.next = 0
	}
	b.partial = ""
	return nil
}

// TotalLines returns the number of retained lines.
func (b *Buffer) TotalLines() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// NextLineNumber returns the number the next complete line will get.
func (b *Buffer) NextLineNumber() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.next
}

// GetRecent returns the last min(count, TotalLines) retained lines in
// order, preferring memory and filling the prefix from the store.
func (b *Buffer) GetRecent(count int) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if count <= 0 {
		return nil, nil
	}
	n := int64(count)
	if n > b.total {
		n = b.total
	}
	if n == 0 {
		return []string{}, nil
	}

	fromMem := int(n)
	if fromMem > len(b.memory) {
		fromMem = len(b.memory)
	}
	tail := b.memory[len(b.memory)-fromMem:]

	need := int(n) - fromMem
	var result []string
	if need > 0 {
		var prefix []database.ScrollbackLine
		var err error
		if len(b.memory) > 0 {
			first := b.memory[0].Number
			prefix, err = b.store.GetScrollback(b.sessionID, first-int64(need), need)
		} else {
			prefix, err = b.store.GetLatestScrollback(b.sessionID, need)
		}
		if err != nil {
			return nil, err
		}
		for _, row := range prefix {
			result = append(result, row.Content)
		}
	}
	for _, l := range tail {
		result = append(result, l.Content)
	}
	return result, nil
}

// GetRange returns up to count retained lines whose number is at least
// fromLine, in ascending order. A fromLine past the end returns empty.
func (b *Buffer) GetRange(fromLine int64, count int) ([]Line, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if count <= 0 || fromLine >= b.next {
		return []Line{}, nil
	}

	var result []Line

	// Store rows first: everything persisted precedes the unpersisted
	// memory suffix.
	rows, err := b.store.GetScrollback(b.sessionID, fromLine, count)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		result = append(result, Line{Number: row.LineNumber, Content: row.Content, Timestamp: row.Timestamp})
	}

	for _, l := range b.memory[b.persisted:] {
		if len(result) >= count {
			break
		}
		if l.Number < fromLine {
			continue
		}
		result = append(result, l)
	}
	if result == nil {
		result = []Line{}
	}
	return result, nil
}
