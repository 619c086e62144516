// Package desegment turns per-flow transport byte streams into framed PDUs.
//
// A Framer tells the reassembler how many bytes are needed before the total
// PDU length is known and how to read it. The reassembler has no notion of
// upper-layer chunking.
package desegment

import (
	"errors"
	"fmt"

	"github.com/danmuck/uadissect/internal/protocol/byteview"
	"github.com/danmuck/uadissect/internal/protocol/flow"
	"github.com/rs/zerolog/log"
)

var (
	ErrLengthSanity = errors.New("desegment: implausible pdu length")
	ErrStaleSegment = errors.New("desegment: segment not newer than last seen")
)

// LengthSanityError reports a declared PDU length outside [Min, Max].
type LengthSanityError struct {
	Flow     flow.Key
	Declared int
	Min      int
	Max      int
}

func (e *LengthSanityError) Error() string {
	return fmt.Sprintf(
		"desegment: flow %s declared pdu length %d outside [%d, %d]",
		e.Flow,
		e.Declared,
		e.Min,
		e.Max,
	)
}

func (e *LengthSanityError) Is(target error) bool {
	return target == ErrLengthSanity
}

// Framer describes the length-prefixed framing of a protocol.
type Framer interface {
	// HeaderLen returns how many bytes must be buffered before PDULen can run.
	HeaderLen(v byteview.View) int
	// PDULen returns the total declared PDU length, header included.
	PDULen(v byteview.View) (int, error)
}

// FixedHeader is a Framer for a fixed header carrying a uint32 little-endian
// total length at LengthAt.
type FixedHeader struct {
	Len      int
	LengthAt int
}

func (f FixedHeader) HeaderLen(byteview.View) int {
	return f.Len
}

func (f FixedHeader) PDULen(v byteview.View) (int, error) {
	n, err := v.Uint32LE(f.LengthAt)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Limits bounds per-PDU memory use. A zero MaxPDULen disables the check.
type Limits struct {
	MaxPDULen int
}

func DefaultLimits() Limits {
	return Limits{MaxPDULen: 16 * 1024 * 1024}
}

// Segment is one chunk of transport bytes for a flow. Seq is the arrival
// order and must increase per flow.
type Segment struct {
	Flow flow.Key
	Seq  uint64
	Data []byte
}

// PDU is one complete framed message. View owns its bytes.
type PDU struct {
	Flow  flow.Key
	Index uint64
	View  byteview.View
}

type stream struct {
	buf     []byte
	seen    bool
	lastSeq uint64
	emitted uint64
}

// Reassembler buffers partial data per flow until whole PDUs are available.
// It is not safe for concurrent use.
type Reassembler struct {
	framer  Framer
	limits  Limits
	streams map[flow.Key]*stream
}

func New(framer Framer, limits Limits) *Reassembler {
	return &Reassembler{
		framer:  framer,
		limits:  limits,
		streams: make(map[flow.Key]*stream),
	}
}

// Feed appends a segment to its flow buffer and returns every PDU that became
// complete, in arrival order. On a length sanity failure the PDUs framed
// before the bad header are still returned alongside the error and the rest
// of the flow buffer is discarded.
func (r *Reassembler) Feed(seg Segment) ([]PDU, error) {
	st := r.streams[seg.Flow]
	if st == nil {
		st = &stream{}
		r.streams[seg.Flow] = st
	}
	if st.seen && seg.Seq <= st.lastSeq {
		log.Warn().
			Stringer("flow", seg.Flow).
			Uint64("seq", seg.Seq).
			Uint64("last_seq", st.lastSeq).
			Msg("desegment.Reassembler.Feed stale segment ignored")
		return nil, ErrStaleSegment
	}
	st.seen = true
	st.lastSeq = seg.Seq
	st.buf = append(st.buf, seg.Data...)

	var out []PDU
	off := 0
	for off < len(st.buf) {
		view := byteview.New(st.buf[off:])
		headerLen := r.framer.HeaderLen(view)
		if view.Len() < headerLen {
			break
		}
		declared, err := r.framer.PDULen(view)
		if err == nil {
			err = r.checkLength(seg.Flow, declared, headerLen)
		}
		if err != nil {
			log.Warn().
				Err(err).
				Stringer("flow", seg.Flow).
				Int("discarded", len(st.buf)-off).
				Msg("desegment.Reassembler.Feed frame rejected")
			st.buf = st.buf[:0]
			return out, err
		}
		if view.Len() < declared {
			break
		}
		data, _ := view.Copy(0, declared)
		out = append(out, PDU{
			Flow:  seg.Flow,
			Index: st.emitted,
			View:  byteview.NewNamed("frame", data),
		})
		st.emitted++
		off += declared
	}
	st.buf = append(st.buf[:0], st.buf[off:]...)

	if len(out) > 0 {
		log.Debug().
			Stringer("flow", seg.Flow).
			Uint64("seq", seg.Seq).
			Int("pdus", len(out)).
			Int("pending", len(st.buf)).
			Msg("desegment.Reassembler.Feed framed")
	}
	return out, nil
}

func (r *Reassembler) checkLength(k flow.Key, declared, headerLen int) error {
	minLen := max(headerLen, 1)
	if declared < minLen || (r.limits.MaxPDULen > 0 && declared > r.limits.MaxPDULen) {
		return &LengthSanityError{Flow: k, Declared: declared, Min: minLen, Max: r.limits.MaxPDULen}
	}
	return nil
}

// Pending returns the number of buffered bytes waiting for more data.
func (r *Reassembler) Pending(k flow.Key) int {
	if st := r.streams[k]; st != nil {
		return len(st.buf)
	}
	return 0
}

// Flows returns the number of flows with state.
func (r *Reassembler) Flows() int {
	return len(r.streams)
}

// Drop forgets all state for one flow.
func (r *Reassembler) Drop(k flow.Key) {
	delete(r.streams, k)
}

// Reset forgets all flows. Redissection starts from here.
func (r *Reassembler) Reset() {
	r.streams = make(map[flow.Key]*stream)
}
