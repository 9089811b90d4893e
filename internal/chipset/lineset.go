package chipset

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInterruptExhausted means every line in the arena is allocated.
var ErrInterruptExhausted = errors.New("interrupt lines exhausted")

// InterruptSink receives interrupt level changes for a given line. The KVM
// virtual machine is the production sink.
type InterruptSink interface {
	SetIRQ(line uint32, level bool) error
}

type lineState struct {
	allocated bool
	level     bool
}

// LineSet is an arena of interrupt lines [first, first+count). Devices
// allocate a line at attach time and return it at detach time; freed lines
// are reissued lowest-first. The set tracks levels so a freed line is always
// driven low before reuse.
type LineSet struct {
	mu sync.Mutex

	sink  InterruptSink
	first uint32
	lines []lineState
}

// NewLineSet builds a LineSet over count lines starting at first, forwarding
// level changes to the provided sink.
func NewLineSet(sink InterruptSink, first uint32, count int) *LineSet {
	if sink == nil {
		sink = noopInterruptSink{}
	}
	return &LineSet{
		sink:  sink,
		first: first,
		lines: make([]lineState, count),
	}
}

// Allocate reserves the lowest free line and returns its number with a
// handle for driving it.
func (l *LineSet) Allocate() (LineInterrupt, uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.lines {
		if !l.lines[i].allocated {
			l.lines[i].allocated = true
			line := l.first + uint32(i)
			return &lineHandle{owner: l, line: line}, line, nil
		}
	}

	return nil, 0, fmt.Errorf("allocate line in [%d,%d): %w", l.first, l.first+uint32(len(l.lines)), ErrInterruptExhausted)
}

// Free returns a line to the arena. A line still asserted is driven low
// first so the next owner starts from a clean level.
func (l *LineSet) Free(line uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	i, err := l.indexLocked(line)
	if err != nil {
		return err
	}
	if !l.lines[i].allocated {
		return fmt.Errorf("lineset: free line %d: not allocated", line)
	}

	if l.lines[i].level {
		if err := l.sink.SetIRQ(line, false); err != nil {
			return fmt.Errorf("lineset: deassert line %d on free: %w", line, err)
		}
		l.lines[i].level = false
	}

	l.lines[i].allocated = false
	return nil
}

// Allocated reports how many lines are currently reserved.
func (l *LineSet) Allocated() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for i := range l.lines {
		if l.lines[i].allocated {
			n++
		}
	}
	return n
}

// Level reports the current drive level of a line.
func (l *LineSet) Level(line uint32) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	i, err := l.indexLocked(line)
	if err != nil {
		return false, err
	}
	return l.lines[i].level, nil
}

func (l *LineSet) indexLocked(line uint32) (int, error) {
	if line < l.first || line >= l.first+uint32(len(l.lines)) {
		return 0, fmt.Errorf("lineset: line %d outside arena [%d,%d)", line, l.first, l.first+uint32(len(l.lines)))
	}
	return int(line - l.first), nil
}

type lineHandle struct {
	owner *LineSet
	line  uint32
}

func (h *lineHandle) SetLevel(high bool) {
	h.owner.setLevel(h.line, high)
}

func (h *lineHandle) PulseInterrupt() {
	h.owner.setLevel(h.line, true)
	h.owner.setLevel(h.line, false)
}

func (l *LineSet) setLevel(line uint32, high bool) {
	l.mu.Lock()
	i, err := l.indexLocked(line)
	if err != nil || !l.lines[i].allocated {
		l.mu.Unlock()
		return
	}
	changed := l.lines[i].level != high
	l.lines[i].level = high
	l.mu.Unlock()

	if changed {
		_ = l.sink.SetIRQ(line, high)
	}
}

type noopInterruptSink struct{}

func (noopInterruptSink) SetIRQ(uint32, bool) error { return nil }
