package chunk

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/danmuck/uadissect/internal/protocol/byteview"
	"github.com/danmuck/uadissect/internal/protocol/flow"
	"github.com/elliotchance/orderedmap/v2"
	"github.com/rs/zerolog/log"
)

// ReassembledSource names the data source of every reassembled view.
const ReassembledSource = "Reassembled Message"

var (
	ErrChunkOverlap  = errors.New("chunk: index already holds different bytes")
	ErrMultipleTails = errors.New("chunk: message has multiple tail chunks")
	ErrGroupTooLarge = errors.New("chunk: group exceeds limits")
)

// State is the reassembly state of one group.
type State int

const (
	None State = iota
	Incomplete
	Completed
	Aborted
)

func (s State) String() string {
	switch s {
	case None:
		return "none"
	case Incomplete:
		return "incomplete"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Key identifies the chunks of one upper-layer message.
type Key struct {
	Flow      flow.Key
	MessageID uint32
}

// Result reports a group after a call. View and Layout are set only when
// State is Completed. Index is the synthetic index stored by the call, if any.
type Result struct {
	State  State
	View   byteview.View
	Layout []Info
	Index  uint32
	Chunks int
}

// Info locates one chunk inside a reassembled view.
type Info struct {
	Index   uint32
	WireSeq uint32
	Offset  int
	Length  int
}

// Limits bounds a single group. Zero values disable a check.
type Limits struct {
	MaxChunks int
	MaxBytes  int
}

func DefaultLimits() Limits {
	return Limits{MaxChunks: 4096, MaxBytes: 64 * 1024 * 1024}
}

type entry struct {
	wireSeq uint32
	final   bool
	data    []byte
}

type group struct {
	state    State
	entries  map[uint32]entry
	maxIndex uint32
	final    bool
	size     int
	chunks   int
	view     byteview.View
	layout   []Info
}

func newGroup() *group {
	return &group{state: Incomplete, entries: make(map[uint32]entry)}
}

func (g *group) result(index uint32) Result {
	return Result{State: g.state, View: g.view, Layout: g.layout, Index: index, Chunks: g.chunks}
}

// Reassembler owns every chunk group of an analysis session. Groups never
// expire; Reset releases them. Completed views and abort tombstones are kept
// for the whole pass, so memory grows with the number of distinct message ids.
// It is not safe for concurrent use.
type Reassembler struct {
	limits Limits
	groups *orderedmap.OrderedMap[Key, *group]
	open   int
}

func New(limits Limits) *Reassembler {
	return &Reassembler{
		limits: limits,
		groups: orderedmap.NewOrderedMap[Key, *group](),
	}
}

// Deliver stores the next chunk of key under a synthetic index of one past the
// group's current maximum (0 for a new group). wireSeq is kept for
// diagnostics only. A Completed group returns its cached view and ignores data.
func (r *Reassembler) Deliver(key Key, data []byte, wireSeq uint32, final bool) (Result, error) {
	g, ok := r.groups.Get(key)
	if ok && g.state == Completed {
		log.Debug().
			Uint32("message_id", key.MessageID).
			Msg("chunk.Reassembler.Deliver cached")
		return g.result(0), nil
	}
	var index uint32
	if !ok || g.state == Aborted {
		g = nil
	} else {
		index = g.maxIndex + 1
	}
	return r.store(key, g, index, data, wireSeq, final)
}

// Insert stores a chunk at an explicit synthetic index.
func (r *Reassembler) Insert(key Key, index uint32, data []byte, wireSeq uint32, final bool) (Result, error) {
	g, ok := r.groups.Get(key)
	if ok && g.state == Completed {
		return g.result(0), nil
	}
	if ok && g.state == Aborted {
		g = nil
	}
	return r.store(key, g, index, data, wireSeq, final)
}

func (r *Reassembler) store(key Key, g *group, index uint32, data []byte, wireSeq uint32, final bool) (Result, error) {
	fresh := g == nil
	if fresh {
		g = newGroup()
	}
	reject := func(err error) (Result, error) {
		if fresh {
			return Result{State: None}, err
		}
		return g.result(index), err
	}

	if prev, dup := g.entries[index]; dup {
		if prev.final == final && bytes.Equal(prev.data, data) {
			return g.result(index), nil
		}
		return reject(fmt.Errorf("%w: message_id=%d index=%d", ErrChunkOverlap, key.MessageID, index))
	}
	if g.final && index > g.maxIndex {
		return reject(fmt.Errorf("%w: message_id=%d index=%d after final", ErrMultipleTails, key.MessageID, index))
	}
	if final && (g.final || (g.chunks > 0 && index < g.maxIndex)) {
		return reject(fmt.Errorf("%w: message_id=%d index=%d", ErrMultipleTails, key.MessageID, index))
	}
	if r.limits.MaxChunks > 0 && g.chunks+1 > r.limits.MaxChunks {
		return reject(fmt.Errorf("%w: message_id=%d chunks=%d", ErrGroupTooLarge, key.MessageID, g.chunks+1))
	}
	if r.limits.MaxBytes > 0 && g.size+len(data) > r.limits.MaxBytes {
		return reject(fmt.Errorf("%w: message_id=%d bytes=%d", ErrGroupTooLarge, key.MessageID, g.size+len(data)))
	}

	own := make([]byte, len(data))
	copy(own, data)
	g.entries[index] = entry{wireSeq: wireSeq, final: final, data: own}
	if g.chunks == 0 || index > g.maxIndex {
		g.maxIndex = index
	}
	g.chunks++
	g.size += len(own)
	if final {
		g.final = true
	}
	if fresh {
		r.groups.Delete(key)
		r.groups.Set(key, g)
		r.open++
	}

	if g.final && g.chunks == int(g.maxIndex)+1 {
		r.complete(g)
		log.Debug().
			Stringer("flow", key.Flow).
			Uint32("message_id", key.MessageID).
			Int("chunks", g.chunks).
			Int("bytes", g.view.Len()).
			Msg("chunk.Reassembler completed")
	}
	return g.result(index), nil
}

func (r *Reassembler) complete(g *group) {
	parts := make([][]byte, 0, g.chunks)
	g.layout = make([]Info, 0, g.chunks)
	off := 0
	for i := uint32(0); i <= g.maxIndex; i++ {
		e := g.entries[i]
		parts = append(parts, e.data)
		g.layout = append(g.layout, Info{Index: i, WireSeq: e.wireSeq, Offset: off, Length: len(e.data)})
		off += len(e.data)
	}
	if g.chunks == 1 {
		g.view = byteview.NewNamed(ReassembledSource, parts[0])
	} else {
		g.view = byteview.Concat(ReassembledSource, parts...)
	}
	g.state = Completed
	g.entries = nil
	r.open--
}

// Abort discards an open group. It reports whether anything was discarded;
// aborting a Completed, Aborted, or unknown key is a no-op.
func (r *Reassembler) Abort(key Key) bool {
	g, ok := r.groups.Get(key)
	if !ok || g.state != Incomplete {
		return false
	}
	r.groups.Set(key, &group{state: Aborted})
	r.open--
	log.Debug().
		Stringer("flow", key.Flow).
		Uint32("message_id", key.MessageID).
		Int("chunks", g.chunks).
		Msg("chunk.Reassembler.Abort discarded")
	return true
}

// Lookup reports the state of key without changing it.
func (r *Reassembler) Lookup(key Key) Result {
	g, ok := r.groups.Get(key)
	if !ok {
		return Result{State: None}
	}
	return g.result(0)
}

// Pending returns the keys of open groups in creation order.
func (r *Reassembler) Pending() []Key {
	keys := make([]Key, 0)
	for el := r.groups.Front(); el != nil; el = el.Next() {
		if el.Value.state == Incomplete {
			keys = append(keys, el.Key)
		}
	}
	return keys
}

// PendingLen returns the number of open groups.
func (r *Reassembler) PendingLen() int {
	return r.open
}

// Len returns the number of tracked groups, tombstones included.
func (r *Reassembler) Len() int {
	return r.groups.Len()
}

// Reset releases every group.
func (r *Reassembler) Reset() {
	if n := r.groups.Len(); n > 0 {
		log.Debug().Int("groups", n).Msg("chunk.Reassembler.Reset released")
	}
	r.groups = orderedmap.NewOrderedMap[Key, *group]()
	r.open = 0
}
