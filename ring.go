package astiflow

import "sync"

// SlotState is the publication state of one ring slot, matching spec.md
// §4.6's wait/advance protocol vocabulary.
type SlotState int

const (
	// SlotEmpty is free for the input stage to fill.
	SlotEmpty SlotState = iota
	// SlotFilled carries a packet produced by input or passed through
	// unchanged by a processor.
	SlotFilled
	// SlotDropped carries no usable packet; later stages must skip it
	// without calling into a plugin, but still advance past it.
	SlotDropped
	// SlotNullified carries a synthesized null packet (PID 0x1FFF) in
	// place of whatever a processor replaced.
	SlotNullified
	// SlotTerminal is the poison pill the scheduler sends through the ring
	// at shutdown; every stage passes it on unchanged and then stops.
	SlotTerminal
)

type ringSlot struct {
	mu     sync.Mutex
	cond   *sync.Cond
	state  SlotState
	seq    int
	packet *Packet
}

// Ring is the central packet buffer shared by every pipeline stage: N
// slots, each carrying one packet, a publication state, and a sequence
// number. Ownership of a slot's content passes between stages by state
// transition plus the sequence number, which tells a stage whether its
// immediate predecessor has actually finished with this lap of the slot
// yet — state alone is ambiguous, since e.g. SlotFilled is both what input
// leaves behind and what a processor leaves behind after passing a packet
// through unchanged, and a downstream stage must never act on a slot its
// predecessor hasn't reached yet.
//
// Grounded on spec.md §4.6's cursor/wait/advance protocol. Each slot owns
// its own mutex and condition variable rather than sharing one per
// adjacent cursor pair: in steady state only the stage immediately behind
// a slot's last writer ever waits on it, so a per-slot condition already
// gives the "wakes the immediate neighbor only" property spec.md calls
// for, without a separate boundary-bookkeeping layer.
type Ring struct {
	slots []*ringSlot
}

// NewRing allocates a ring of n slots, all initially empty. n is clamped to
// a minimum of 2 (an input and an output need at least one slot each to
// make progress without deadlocking on themselves).
func NewRing(n int) *Ring {
	if n < 2 {
		n = 2
	}
	r := &Ring{slots: make([]*ringSlot, n)}
	for i := range r.slots {
		s := &ringSlot{}
		s.cond = sync.NewCond(&s.mu)
		r.slots[i] = s
	}
	return r
}

// Len returns the number of slots in the ring.
func (r *Ring) Len() int { return len(r.slots) }

func (r *Ring) slot(idx int) *ringSlot {
	return r.slots[idx%len(r.slots)]
}

// WaitState blocks until the slot at idx carries a sequence number of at
// least minSeq and is in one of the wanted states, or until aborted
// reports true. It returns the slot's current state and packet (possibly
// not matching wanted/minSeq if aborted fired first).
func (r *Ring) WaitState(idx int, minSeq int, aborted func() bool, wanted ...SlotState) (SlotState, *Packet) {
	s := r.slot(idx)
	s.mu.Lock()
	defer s.mu.Unlock()
	for !(s.seq >= minSeq && stateIn(s.state, wanted)) && !aborted() {
		s.cond.Wait()
	}
	return s.state, s.packet
}

// Publish sets the slot at idx to state/packet/seq and wakes whoever is
// waiting on it. Stage k should publish with seq = k+1 once it has
// finished with a slot (whatever its verdict), so that stage k+1's
// WaitState(minSeq=k+1) only unblocks once stage k has genuinely moved on.
func (r *Ring) Publish(idx int, state SlotState, packet *Packet, seq int) {
	s := r.slot(idx)
	s.mu.Lock()
	s.state = state
	s.packet = packet
	s.seq = seq
	s.mu.Unlock()
	s.cond.Broadcast()
}

// BroadcastAll wakes every slot's waiters unconditionally. Used once, when
// the scheduler raises the abort flag, so no stage is left waiting forever
// on a slot state that will never arrive.
func (r *Ring) BroadcastAll() {
	for _, s := range r.slots {
		s.cond.Broadcast()
	}
}

func stateIn(state SlotState, wanted []SlotState) bool {
	for _, w := range wanted {
		if state == w {
			return true
		}
	}
	return false
}
