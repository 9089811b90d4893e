package chipset

import (
	"errors"
	"sync"
	"testing"
)

type recordingSink struct {
	mu     sync.Mutex
	events []struct {
		line  uint32
		level bool
	}
}

func (s *recordingSink) SetIRQ(line uint32, level bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, struct {
		line  uint32
		level bool
	}{line, level})
	return nil
}

func TestLineSetAllocate(t *testing.T) {
	sink := &recordingSink{}
	ls := NewLineSet(sink, 16, 4)

	seen := map[uint32]bool{}
	for i := 0; i < 4; i++ {
		_, line, err := ls.Allocate()
		if err != nil {
			t.Fatalf("Allocate %d: %v", i, err)
		}
		if line < 16 || line > 19 {
			t.Errorf("line %d outside arena", line)
		}
		if seen[line] {
			t.Errorf("line %d handed out twice", line)
		}
		seen[line] = true
	}

	if _, _, err := ls.Allocate(); !errors.Is(err, ErrInterruptExhausted) {
		t.Fatalf("Allocate = %v, want ErrInterruptExhausted", err)
	}
	if got := ls.Allocated(); got != 4 {
		t.Errorf("Allocated = %d, want 4", got)
	}
}

func TestLineSetFreeAndReuse(t *testing.T) {
	ls := NewLineSet(&recordingSink{}, 5, 2)

	_, a, err := ls.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if _, _, err := ls.Allocate(); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if err := ls.Free(a); err != nil {
		t.Fatalf("Free: %v", err)
	}
	_, c, err := ls.Allocate()
	if err != nil {
		t.Fatalf("Allocate after free: %v", err)
	}
	if c != a {
		t.Errorf("freed line not reused: got %d, want %d", c, a)
	}

	if err := ls.Free(99); err == nil {
		t.Error("freed a line outside the arena")
	}
}

func TestLineSetSignals(t *testing.T) {
	sink := &recordingSink{}
	ls := NewLineSet(sink, 10, 1)

	irq, line, err := ls.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	irq.SetLevel(true)
	if lvl, err := ls.Level(line); err != nil || !lvl {
		t.Errorf("Level = %v, %v; want true", lvl, err)
	}
	irq.SetLevel(false)
	irq.PulseInterrupt()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	want := []bool{true, false, true, false}
	if len(sink.events) != len(want) {
		t.Fatalf("got %d sink events, want %d", len(sink.events), len(want))
	}
	for i, ev := range sink.events {
		if ev.line != line || ev.level != want[i] {
			t.Errorf("event %d = line %d level %v, want line %d level %v", i, ev.line, ev.level, line, want[i])
		}
	}
}
