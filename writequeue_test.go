package spdy

import (
	"bytes"
	"testing"
)

// captureController records every buffer the queue submits, in order.
type captureController struct {
	writes [][]byte
}

func (c *captureController) Write(b []byte) (int, error) {
	c.writes = append(c.writes, append([]byte(nil), b...))
	return len(b), nil
}

func (c *captureController) Close() error { return nil }

func TestWriteQueuePreservesEnqueueOrder(t *testing.T) {
	ctrl := &captureController{}
	q := newWriteQueue(ctrl)

	q.enqueue(&writeUnit{bytes: []byte("one")})
	q.enqueue(&writeUnit{bytes: []byte("two")})
	q.enqueue(&writeUnit{bytes: []byte("three")})
	q.flush()

	want := []string{"one", "two", "three"}
	if len(ctrl.writes) != len(want) {
		t.Fatalf("got %d writes want %d", len(ctrl.writes), len(want))
	}
	for i, w := range want {
		if string(ctrl.writes[i]) != w {
			t.Errorf("write %d = %q want %q", i, ctrl.writes[i], w)
		}
	}
}

// A window-stalled data unit is re-enqueued behind later frames rather
// than holding the head of the queue, so other traffic keeps flowing
// while the stream waits for a WINDOW_UPDATE.
func TestWriteQueueStalledDataDoesNotBlockControlFrames(t *testing.T) {
	ctrl := &captureController{}
	q := newWriteQueue(ctrl)
	sess := &Session{}
	st := newStream(sess, 1, Version3, 0, 0) // no window at all
	gen := NewGenerator(Version3)

	q.enqueue(&writeUnit{stream: st, pending: []byte("stalled"), fin: true, generator: gen})
	q.enqueue(&writeUnit{bytes: []byte("control")})
	q.flush()

	if len(ctrl.writes) != 1 || string(ctrl.writes[0]) != "control" {
		t.Fatalf("writes = %q want just the control frame", ctrl.writes)
	}

	// Granting window and flushing again releases the data unit.
	if err := st.growWindow(100); err != nil {
		t.Fatalf("growWindow: %v", err)
	}
	q.flush()

	if len(ctrl.writes) != 2 {
		t.Fatalf("got %d writes after resume want 2", len(ctrl.writes))
	}
	frame := ctrl.writes[1]
	if !bytes.Equal(frame[8:], []byte("stalled")) {
		t.Errorf("data payload = %q want %q", frame[8:], "stalled")
	}
	if frame[4]&byte(DataFlagFin) == 0 {
		t.Error("final fragment should carry FIN")
	}
}

// done callbacks fire once the unit's payload has been fully written,
// after any window-stalled interludes.
func TestWriteQueueDataDoneFiresOnCompletion(t *testing.T) {
	ctrl := &captureController{}
	q := newWriteQueue(ctrl)
	sess := &Session{}
	st := newStream(sess, 1, Version3, 0, 4)
	gen := NewGenerator(Version3)

	var doneCalls int
	q.enqueueData(st, []byte("abcdefgh"), false, gen, func(err error) {
		if err != nil {
			t.Errorf("done err = %v", err)
		}
		doneCalls++
	})

	// Only the first 4 bytes fit the window; done must not have fired.
	if doneCalls != 0 {
		t.Fatalf("done fired %d times before completion", doneCalls)
	}
	if len(ctrl.writes) != 1 || !bytes.Equal(ctrl.writes[0][8:], []byte("abcd")) {
		t.Fatalf("first fragment = %q want %q", ctrl.writes[0][8:], "abcd")
	}

	if err := st.growWindow(100); err != nil {
		t.Fatalf("growWindow: %v", err)
	}
	q.flush()
	if doneCalls != 1 {
		t.Fatalf("done fired %d times want exactly 1", doneCalls)
	}
	if !bytes.Equal(ctrl.writes[1][8:], []byte("efgh")) {
		t.Errorf("second fragment = %q want %q", ctrl.writes[1][8:], "efgh")
	}
}
