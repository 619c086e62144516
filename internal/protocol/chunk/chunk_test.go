package chunk

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/danmuck/uadissect/internal/protocol/flow"
	"github.com/danmuck/uadissect/internal/testutil/testlog"
)

var conv = flow.MustTCP("10.0.0.1:50000", "10.0.0.2:4840")

func key(id uint32) Key {
	return Key{Flow: conv, MessageID: id}
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func split(b []byte, parts int) [][]byte {
	out := make([][]byte, 0, parts)
	step := (len(b) + parts - 1) / parts
	for off := 0; off < len(b); off += step {
		end := min(off+step, len(b))
		out = append(out, b[off:end])
	}
	return out
}

func viewBytes(t *testing.T, res Result) []byte {
	t.Helper()
	b, err := res.View.Bytes(0, res.View.Len())
	if err != nil {
		t.Fatalf("view bytes: %v", err)
	}
	return b
}

func TestRoundTripInChunkOrder(t *testing.T) {
	testlog.Start(t)
	for _, n := range []int{1, 2, 10} {
		t.Run(fmt.Sprintf("chunks=%d", n), func(t *testing.T) {
			r := New(DefaultLimits())
			orig := payload(1000)
			parts := split(orig, n)
			if len(parts) != n {
				t.Fatalf("split produced %d parts", len(parts))
			}
			var res Result
			var err error
			for i, p := range parts {
				final := i == len(parts)-1
				res, err = r.Deliver(key(7), p, uint32(5000+i), final)
				if err != nil {
					t.Fatalf("deliver %d: %v", i, err)
				}
				if res.Index != uint32(i) {
					t.Fatalf("chunk %d got synthetic index %d", i, res.Index)
				}
				if !final && res.State != Incomplete {
					t.Fatalf("chunk %d: expected incomplete, got %s", i, res.State)
				}
			}
			if res.State != Completed {
				t.Fatalf("expected completed, got %s", res.State)
			}
			if !bytes.Equal(viewBytes(t, res), orig) {
				t.Fatalf("reassembled view differs from original")
			}
			if res.View.Name() != ReassembledSource {
				t.Fatalf("unexpected source name %q", res.View.Name())
			}
			if res.Chunks != n || len(res.Layout) != n {
				t.Fatalf("chunks=%d layout=%d want %d", res.Chunks, len(res.Layout), n)
			}
			last := res.Layout[n-1]
			if last.Offset+last.Length != len(orig) || last.WireSeq != uint32(5000+n-1) {
				t.Fatalf("unexpected layout tail: %+v", last)
			}
		})
	}
}

func TestGapBlocksCompletion(t *testing.T) {
	testlog.Start(t)
	r := New(DefaultLimits())
	orig := payload(30)
	parts := split(orig, 3)

	res, err := r.Insert(key(1), 2, parts[2], 12, true)
	if err != nil || res.State != Incomplete {
		t.Fatalf("index 2 first: state=%s err=%v", res.State, err)
	}
	res, err = r.Insert(key(1), 0, parts[0], 10, false)
	if err != nil || res.State != Incomplete {
		t.Fatalf("index 0 with gap at 1: state=%s err=%v", res.State, err)
	}
	if r.Lookup(key(1)).State != Incomplete {
		t.Fatalf("lookup must report incomplete")
	}
	res, err = r.Insert(key(1), 1, parts[1], 11, false)
	if err != nil || res.State != Completed {
		t.Fatalf("gap filled: state=%s err=%v", res.State, err)
	}
	if !bytes.Equal(viewBytes(t, res), orig) {
		t.Fatalf("reassembled bytes out of synthetic order")
	}
}

func TestNoCompletionWithoutFinal(t *testing.T) {
	testlog.Start(t)
	r := New(DefaultLimits())
	for i := 0; i < 4; i++ {
		res, err := r.Deliver(key(2), []byte{byte(i)}, 0, false)
		if err != nil || res.State != Incomplete {
			t.Fatalf("chunk %d: state=%s err=%v", i, res.State, err)
		}
	}
	if got := r.Pending(); len(got) != 1 || got[0] != key(2) {
		t.Fatalf("expected one pending group, got %+v", got)
	}
}

func TestWireSequenceIgnoredForOrdering(t *testing.T) {
	testlog.Start(t)
	r := New(DefaultLimits())
	// wire counters decreasing and repeating must not matter
	_, _ = r.Deliver(key(3), []byte("ab"), 900, false)
	_, _ = r.Deliver(key(3), []byte("cd"), 900, false)
	res, err := r.Deliver(key(3), []byte("ef"), 1, true)
	if err != nil || res.State != Completed {
		t.Fatalf("state=%s err=%v", res.State, err)
	}
	if string(viewBytes(t, res)) != "abcdef" {
		t.Fatalf("unexpected reassembly %q", viewBytes(t, res))
	}
}

func TestCompletedIsIdempotent(t *testing.T) {
	testlog.Start(t)
	r := New(DefaultLimits())
	_, _ = r.Deliver(key(4), []byte("hello "), 1, false)
	first, err := r.Deliver(key(4), []byte("world"), 2, true)
	if err != nil || first.State != Completed {
		t.Fatalf("state=%s err=%v", first.State, err)
	}
	firstBytes := viewBytes(t, first)

	again, err := r.Deliver(key(4), []byte("ignored"), 3, true)
	if err != nil || again.State != Completed {
		t.Fatalf("redeliver: state=%s err=%v", again.State, err)
	}
	looked := r.Lookup(key(4))
	for _, res := range []Result{again, looked} {
		b := viewBytes(t, res)
		if !bytes.Equal(b, firstBytes) {
			t.Fatalf("cached view changed: %q", b)
		}
		if &b[0] != &firstBytes[0] {
			t.Fatalf("cached view was recomputed")
		}
	}
	if r.Abort(key(4)) {
		t.Fatalf("abort after completion must be a no-op")
	}
	if r.Lookup(key(4)).State != Completed {
		t.Fatalf("completed group must survive abort")
	}
}

func TestSingleChunkCompletesTrivially(t *testing.T) {
	testlog.Start(t)
	r := New(DefaultLimits())
	data := []byte{0x01, 0x00, 0x77, 0x02}
	res, err := r.Deliver(key(7), data, 51, true)
	if err != nil || res.State != Completed || res.Chunks != 1 {
		t.Fatalf("state=%s chunks=%d err=%v", res.State, res.Chunks, err)
	}
	if !bytes.Equal(viewBytes(t, res), data) {
		t.Fatalf("single chunk view mismatch")
	}
	data[0] = 0xff
	if b := viewBytes(t, res); b[0] != 0x01 {
		t.Fatalf("view must not alias caller bytes")
	}
}

func TestAbortDiscardsAndKeyRestartsAtZero(t *testing.T) {
	testlog.Start(t)
	r := New(DefaultLimits())
	_, _ = r.Deliver(key(5), []byte("stale-1"), 1, false)
	_, _ = r.Deliver(key(5), []byte("stale-2"), 2, false)

	if !r.Abort(key(5)) {
		t.Fatalf("expected abort to discard open group")
	}
	if r.Lookup(key(5)).State != Aborted {
		t.Fatalf("expected aborted state")
	}
	if r.Abort(key(5)) {
		t.Fatalf("second abort must be a no-op")
	}
	if len(r.Pending()) != 0 {
		t.Fatalf("aborted group must not be pending")
	}

	res, err := r.Deliver(key(5), []byte("fresh"), 3, false)
	if err != nil || res.State != Incomplete || res.Index != 0 {
		t.Fatalf("fresh group: state=%s index=%d err=%v", res.State, res.Index, err)
	}
	res, err = r.Deliver(key(5), []byte("!"), 4, true)
	if err != nil || res.State != Completed || string(viewBytes(t, res)) != "fresh!" {
		t.Fatalf("fresh completion: state=%s err=%v", res.State, err)
	}
}

func TestAbortUnknownKeyIsNoop(t *testing.T) {
	testlog.Start(t)
	r := New(DefaultLimits())
	if r.Abort(key(99)) {
		t.Fatalf("abort on unknown key must be a no-op")
	}
	if r.Len() != 0 {
		t.Fatalf("abort must not create state")
	}
}

func TestDuplicateAndOverlappingChunks(t *testing.T) {
	testlog.Start(t)
	r := New(DefaultLimits())
	if _, err := r.Insert(key(6), 0, []byte("aa"), 1, false); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := r.Insert(key(6), 0, []byte("aa"), 1, false); err != nil {
		t.Fatalf("identical duplicate must be ignored: %v", err)
	}
	res, err := r.Insert(key(6), 0, []byte("bb"), 1, false)
	if !errors.Is(err, ErrChunkOverlap) {
		t.Fatalf("expected ErrChunkOverlap, got %v", err)
	}
	if res.Chunks != 1 {
		t.Fatalf("overlap must leave group unchanged, chunks=%d", res.Chunks)
	}
}

func TestMultipleTailsRejected(t *testing.T) {
	testlog.Start(t)
	r := New(DefaultLimits())
	_, _ = r.Insert(key(8), 0, []byte("a"), 0, false)
	_, _ = r.Insert(key(8), 3, []byte("d"), 0, true)
	if _, err := r.Insert(key(8), 4, []byte("e"), 0, false); !errors.Is(err, ErrMultipleTails) {
		t.Fatalf("chunk past final: expected ErrMultipleTails, got %v", err)
	}
	if _, err := r.Insert(key(8), 2, []byte("c"), 0, true); !errors.Is(err, ErrMultipleTails) {
		t.Fatalf("second final: expected ErrMultipleTails, got %v", err)
	}
	if _, err := r.Insert(key(8), 1, []byte("b"), 0, false); err != nil {
		t.Fatalf("gap fill: %v", err)
	}
	if _, err := r.Insert(key(8), 2, []byte("c"), 0, false); err != nil {
		t.Fatalf("gap fill: %v", err)
	}
	if got := r.Lookup(key(8)); got.State != Completed || string(viewBytes(t, got)) != "abcd" {
		t.Fatalf("expected abcd, got state=%s", got.State)
	}
}

func TestLimitsRejectWithoutCreatingState(t *testing.T) {
	testlog.Start(t)
	r := New(Limits{MaxChunks: 2, MaxBytes: 8})
	if _, err := r.Deliver(key(9), payload(9), 0, false); !errors.Is(err, ErrGroupTooLarge) {
		t.Fatalf("expected ErrGroupTooLarge on bytes, got %v", err)
	}
	if r.Lookup(key(9)).State != None {
		t.Fatalf("rejected first chunk must not create a group")
	}
	_, _ = r.Deliver(key(9), []byte("a"), 0, false)
	_, _ = r.Deliver(key(9), []byte("b"), 0, false)
	if _, err := r.Deliver(key(9), []byte("c"), 0, true); !errors.Is(err, ErrGroupTooLarge) {
		t.Fatalf("expected ErrGroupTooLarge on count, got %v", err)
	}
	if r.Lookup(key(9)).Chunks != 2 {
		t.Fatalf("rejected chunk must not be stored")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	testlog.Start(t)
	r := New(DefaultLimits())
	other := Key{Flow: conv.Reverse(), MessageID: 10}
	_, _ = r.Deliver(key(10), []byte("x"), 0, false)
	_, _ = r.Deliver(other, []byte("y"), 0, false)
	r.Abort(key(10))
	if r.Lookup(other).State != Incomplete {
		t.Fatalf("abort leaked across flows")
	}
	if got := r.Pending(); len(got) != 1 || got[0] != other {
		t.Fatalf("unexpected pending: %+v", got)
	}
}

func TestResetReleasesEverything(t *testing.T) {
	testlog.Start(t)
	r := New(DefaultLimits())
	_, _ = r.Deliver(key(11), []byte("x"), 0, false)
	_, _ = r.Deliver(key(12), []byte("y"), 0, true)
	r.Reset()
	if r.Len() != 0 || r.Lookup(key(12)).State != None {
		t.Fatalf("reset left groups behind")
	}
}

func TestPendingLenTracksOpenGroups(t *testing.T) {
	testlog.Start(t)
	r := New(DefaultLimits())
	check := func(step string) {
		t.Helper()
		if got, want := r.PendingLen(), len(r.Pending()); got != want {
			t.Fatalf("%s: pending len %d, open groups %d", step, got, want)
		}
	}

	_, _ = r.Deliver(key(20), []byte("a"), 0, false)
	_, _ = r.Deliver(key(21), []byte("b"), 0, false)
	_, _ = r.Deliver(key(22), []byte("c"), 0, true)
	check("open")
	if r.PendingLen() != 2 {
		t.Fatalf("expected two open groups, got %d", r.PendingLen())
	}

	_, _ = r.Deliver(key(20), []byte("d"), 1, true)
	check("complete")
	r.Abort(key(21))
	r.Abort(key(21))
	check("abort")
	if r.PendingLen() != 0 {
		t.Fatalf("expected no open groups, got %d", r.PendingLen())
	}

	_, _ = r.Deliver(key(21), []byte("e"), 5, false)
	_, _ = r.Deliver(key(20), []byte("f"), 9, false)
	if _, err := r.Deliver(key(23), payload(8), 0, false); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if _, err := r.Insert(key(23), 0, payload(4), 0, false); !errors.Is(err, ErrChunkOverlap) {
		t.Fatalf("expected overlap, got %v", err)
	}
	check("reuse")
	if r.PendingLen() != 2 {
		t.Fatalf("reuse after abort must reopen once, got %d", r.PendingLen())
	}

	r.Reset()
	check("reset")
	if r.PendingLen() != 0 {
		t.Fatalf("reset must clear open groups, got %d", r.PendingLen())
	}
}
