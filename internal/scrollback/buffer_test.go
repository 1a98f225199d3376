package scrollback

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/mconnect/mconnect/internal/database"
)

func setupBuffer(t *testing.T, cfg Config) (*Buffer, *database.Store) {
	t.Helper()
	store, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if _, err := store.CreateSession("s1", database.StateRunning, "{}", "/"); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return New(store, "s1", cfg), store
}

func TestAppendSplitsLines(t *testing.T) {
	b, _ := setupBuffer(t, DefaultConfig())

	b.Append("hello\nworld\n")
	if b.TotalLines() != 2 {
		t.Errorf("total = %d, want 2", b.TotalLines())
	}

	got, err := b.GetRecent(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"hello", "world"}) {
		t.Errorf("recent = %v", got)
	}
}

func TestAppendKeepsPartialLine(t *testing.T) {
	b, _ := setupBuffer(t, DefaultConfig())

	b.Append("hel")
	b.Append("lo\nwor")
	if b.TotalLines() != 1 {
		t.Errorf("total = %d, want 1 (partial not counted)", b.TotalLines())
	}
	b.Append("ld\n")

	got, _ := b.GetRecent(10)
	if !reflect.DeepEqual(got, []string{"hello", "world"}) {
		t.Errorf("recent = %v", got)
	}
}

func TestAppendStripsCarriageReturn(t *testing.T) {
	b, _ := setupBuffer(t, DefaultConfig())
	b.Append("one\r\ntwo\r\n")
	got, _ := b.GetRecent(10)
	if !reflect.DeepEqual(got, []string{"one", "two"}) {
		t.Errorf("recent = %v", got)
	}
}

func TestFlushWritesPartialAndDrains(t *testing.T) {
	b, store := setupBuffer(t, DefaultConfig())

	b.Append("x\ny\ntail")
	if err := b.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	rows, _ := store.GetLatestScrollback("s1", 100)
	if len(rows) != 3 || rows[2].Content != "tail" {
		t.Errorf("store rows = %v, want x,y,tail", rows)
	}
	if b.TotalLines() != 3 {
		t.Errorf("total = %d, want 3", b.TotalLines())
	}
}

func TestFlushIdempotent(t *testing.T) {
	b, store := setupBuffer(t, DefaultConfig())
	b.Append("a\nb")

	for i := 0; i < 3; i++ {
		if err := b.Flush(); err != nil {
			t.Fatalf("flush %d: %v", i, err)
		}
	}

	count, _ := store.GetScrollbackLineCount("s1")
	if count != 2 {
		t.Errorf("store count = %d, want 2 (no duplicates)", count)
	}
}

func TestAppendFlushRoundTrip(t *testing.T) {
	b, store := setupBuffer(t, DefaultConfig())

	b.Append("hello\nwor")
	b.Append("ld\npartial")
	b.Flush()

	rows, _ := store.GetLatestScrollback("s1", 100)
	var got []string
	for _, r := range rows {
		got = append(got, r.Content)
	}
	if !reflect.DeepEqual(got, []string{"hello", "world", "partial"}) {
		t.Errorf("round trip = %v", got)
	}
}

func TestSpilloverAndTrim(t *testing.T) {
	// Scenario: memoryLines=3, maxTotalLines=5, spillBatchSize=2,
	// append L0..L9; only the 5 newest lines survive.
	b, _ := setupBuffer(t, Config{MemoryLines: 3, MaxTotalLines: 5, SpillBatchSize: 2})

	for i := 0; i < 10; i++ {
		if err := b.Append(fmt.Sprintf("L%d\n", i)); err != nil {
			t.Fatalf("append L%d: %v", i, err)
		}
	}

	if b.TotalLines() != 5 {
		t.Errorf("total = %d, want 5", b.TotalLines())
	}

	recent, _ := b.GetRecent(3)
	if !reflect.DeepEqual(recent, []string{"L7", "L8", "L9"}) {
		t.Errorf("recent(3) = %v", recent)
	}

	rng, err := b.GetRange(4, 5)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	var contents []string
	for _, l := range rng {
		contents = append(contents, l.Content)
	}
	if !reflect.DeepEqual(contents, []string{"L5", "L6", "L7", "L8", "L9"}) {
		t.Errorf("range(4,5) = %v", contents)
	}
	// Numbers stay contiguous across the surviving range.
	for i := 1; i < len(rng); i++ {
		if rng[i].Number != rng[i-1].Number+1 {
			t.Errorf("non-contiguous numbers: %d then %d", rng[i-1].Number, rng[i].Number)
		}
	}
}

func TestGetRangePastEndIsEmpty(t *testing.T) {
	b, _ := setupBuffer(t, DefaultConfig())
	b.Append("a\nb\n")

	lines, err := b.GetRange(2, 10)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(lines) != 0 {
		t.Errorf("range past end = %v, want empty", lines)
	}
}

func TestGetRecentPrefersMemoryFillsFromStore(t *testing.T) {
	b, _ := setupBuffer(t, Config{MemoryLines: 2, MaxTotalLines: 100, SpillBatchSize: 2})
	for i := 0; i < 8; i++ {
		b.Append(fmt.Sprintf("L%d\n", i))
	}
	// Memory holds at most 4 lines here; ask for more than that.
	got, err := b.GetRecent(6)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"L2", "L3", "L4", "L5", "L6", "L7"}) {
		t.Errorf("recent(6) = %v", got)
	}
}

func TestRestoreRebuildsTail(t *testing.T) {
	cfg := Config{MemoryLines: 3, MaxTotalLines: 100, SpillBatchSize: 2}
	b, store := setupBuffer(t, cfg)
	for i := 0; i < 6; i++ {
		b.Append(fmt.Sprintf("L%d\n", i))
	}
	b.Flush()

	// Fresh buffer over the same store, as after a daemon restart.
	fresh := New(store, "s1", cfg)
	if err := fresh.Restore(); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if fresh.TotalLines() != 6 {
		t.Errorf("total = %d, want 6", fresh.TotalLines())
	}
	if fresh.NextLineNumber() != 6 {
		t.Errorf("next = %d, want 6", fresh.NextLineNumber())
	}

	recent, _ := fresh.GetRecent(4)
	if !reflect.DeepEqual(recent, []string{"L2", "L3", "L4", "L5"}) {
		t.Errorf("recent after restore = %v", recent)
	}

	// Appending after restore continues the numbering.
	fresh.Append("L6\n")
	rng, _ := fresh.GetRange(6, 1)
	if len(rng) != 1 || rng[0].Number != 6 || rng[0].Content != "L6" {
		t.Errorf("appended line = %v", rng)
	}

	// Flushing after restore must not duplicate the mirrored tail.
	fresh.Flush()
	count, _ := store.GetScrollbackLineCount("s1")
	if count != 7 {
		t.Errorf("store count = %d, want 7", count)
	}
}
