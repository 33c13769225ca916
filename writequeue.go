package spdy

import "sync"

// writeUnit is the tagged variant queued for transmission: either a
// control-frame unit, whose bytes are already fully formed, or a
// data-frame unit, whose bytes are produced lazily at flush time because
// how much of it can be sent depends on the stream's flow-control window
// at that moment.
type writeUnit struct {
	// done, if non-nil, is invoked once this unit's payload has been fully
	// written (or has failed), so a caller can be notified without
	// blocking the queue.
	done func(error)

	// control units carry ready-made bytes.
	bytes []byte

	// data units carry a pending payload plus enough to regenerate it a
	// fragment at a time as window opens up. fin is the DataFlagFin state
	// of the original write, only emitted on the final fragment.
	stream    *Stream
	pending   []byte
	fin       bool
	generator *Generator
}

func (u *writeUnit) isData() bool { return u.stream != nil }

// writeQueue is a session's single outbound FIFO, drained by at most one
// flush at a time: the flushing flag enforces single-flight so two
// goroutines calling flush concurrently never interleave writes on the
// wire. Its mutex is distinct from a Session's sessionMu so queueing a
// write never contends with id allocation or header compression.
type writeQueue struct {
	mu         sync.Mutex
	items      []*writeUnit
	flushing   bool
	controller Controller
}

func newWriteQueue(controller Controller) *writeQueue {
	return &writeQueue{controller: controller}
}

// enqueue appends unit without triggering a flush, for callers that must
// enqueue inside a critical section and flush after releasing it.
func (q *writeQueue) enqueue(unit *writeUnit) {
	q.mu.Lock()
	q.items = append(q.items, unit)
	q.mu.Unlock()
}

// enqueueControl appends a fully-formed control frame to the queue and
// kicks off a flush.
func (q *writeQueue) enqueueControl(b []byte, done func(error)) {
	q.enqueue(&writeUnit{bytes: b, done: done})
	q.flush()
}

// enqueueData appends a pending DATA payload to the queue. Its wire bytes
// are not produced here; they are produced fragment by fragment inside
// flush, gated by the stream's flow-control window.
func (q *writeQueue) enqueueData(s *Stream, data []byte, fin bool, gen *Generator, done func(error)) {
	q.enqueue(&writeUnit{stream: s, pending: data, fin: fin, generator: gen, done: done})
	q.flush()
}

// flush drains the queue, writing each unit's bytes through the
// controller in order. If a flush is already running, flush returns
// immediately; the running flush keeps draining anything enqueued after
// it started, since it re-checks the queue before giving up single-flight.
//
// A data unit whose stream has no window left is re-enqueued at the tail,
// behind whatever else is pending, rather than holding the head of the
// queue: the peer must eventually grant a WINDOW_UPDATE, and other
// streams' frames should not wait for it. Once every remaining unit is
// window-stalled the flush stops; the WINDOW_UPDATE that reopens a
// stream triggers the next one.
func (q *writeQueue) flush() {
	q.mu.Lock()
	if q.flushing {
		q.mu.Unlock()
		return
	}
	q.flushing = true
	q.mu.Unlock()

	stalled := 0
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			// Single-flight is given up under the same lock as this final
			// check, so a unit enqueued afterwards finds flushing false and
			// its own flush call drains it.
			q.flushing = false
			q.mu.Unlock()
			return
		}
		unit := q.items[0]
		q.mu.Unlock()

		b, complete, blocked, err := q.materialize(unit)
		if blocked {
			q.mu.Lock()
			if len(q.items) > 0 && q.items[0] == unit {
				q.items = append(q.items[1:], unit)
			}
			stalled++
			if stalled >= len(q.items) {
				q.flushing = false
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
			continue
		}
		stalled = 0
		if err == nil && len(b) > 0 {
			_, err = q.controller.Write(b)
		}

		if !complete && err == nil {
			// Partial data fragment written; the unit stays at the head
			// of the queue for its remainder on the next pass.
			continue
		}

		// A data unit's FIN advances the stream's close-state only once
		// its final fragment has actually been emitted.
		if err == nil && unit.isData() && unit.fin {
			unit.stream.halfCloseLocal()
		}
		if unit.done != nil {
			unit.done(err)
		}
		q.mu.Lock()
		q.items = q.items[1:]
		if err != nil {
			q.flushing = false
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()
	}
}

// materialize produces the wire bytes for one step of unit. For a control
// unit this is always the whole frame in one step (complete == true). For
// a data unit it reserves as much of the stream's flow-control window as
// is currently available and slices off that much of the pending
// payload; complete is true once the unit's pending bytes are exhausted.
// If the window is currently zero, blocked is true and no bytes are
// produced.
func (q *writeQueue) materialize(unit *writeUnit) (b []byte, complete bool, blocked bool, err error) {
	if !unit.isData() {
		return unit.bytes, true, false, nil
	}

	grant := unit.stream.TryReserve(int32(len(unit.pending)))
	if grant == 0 && len(unit.pending) > 0 {
		return nil, false, true, nil
	}

	chunk := unit.pending[:grant]
	unit.pending = unit.pending[grant:]

	flags := DataFlags(0)
	last := len(unit.pending) == 0
	if last && unit.fin {
		flags = DataFlagFin
	}
	frame := &DataFrame{StreamID: unit.stream.id, Flags: flags, Data: chunk}
	out, genErr := unit.generator.Generate(frame)
	if genErr != nil {
		return nil, true, false, genErr
	}
	return out, last, false, nil
}
