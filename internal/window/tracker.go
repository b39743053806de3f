package window

import "fmt"

// Tracker assigns stable identities to windows across sampling steps. The
// uniform schedules move window boundaries every step, but per-window state
// (cached residuals in particular) must follow the same region of the
// video, so windows are keyed by their frame set rather than their position
// in the step's window list.
type Tracker struct {
	ids  map[string]int
	next int
}

// NewTracker returns an empty tracker. IDs start at 0 and are assigned in
// first-seen order.
func NewTracker() *Tracker {
	return &Tracker{ids: make(map[string]int)}
}

// ID returns the identity for the window covering the given frames. The
// same frame set always yields the same ID regardless of element order.
func (t *Tracker) ID(win []int) int {
	key := frameKey(sortedUnique(win))
	if id, ok := t.ids[key]; ok {
		return id
	}
	id := t.next
	t.next++
	t.ids[key] = id
	return id
}

// Count returns how many distinct windows have been seen.
func (t *Tracker) Count() int { return t.next }

func frameKey(frames []int) string {
	// Compact run-length form: contiguous windows, the common case, key
	// as "lo-hi" instead of every member.
	if len(frames) == 0 {
		return ""
	}
	contiguous := true
	for i := 1; i < len(frames); i++ {
		if frames[i] != frames[i-1]+1 {
			contiguous = false
			break
		}
	}
	if contiguous {
		return fmt.Sprintf("%d-%d", frames[0], frames[len(frames)-1])
	}
	return fmt.Sprint(frames)
}
