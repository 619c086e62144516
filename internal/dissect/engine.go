// Package dissect wires the stream reassembler, the chunk reassembler, and
// the OPC UA dissector into one engine per analysis session.
package dissect

import (
	"errors"
	"fmt"

	"github.com/danmuck/uadissect/internal/config"
	"github.com/danmuck/uadissect/internal/observability"
	"github.com/danmuck/uadissect/internal/opcua"
	"github.com/danmuck/uadissect/internal/protocol/byteview"
	"github.com/danmuck/uadissect/internal/protocol/chunk"
	"github.com/danmuck/uadissect/internal/protocol/desegment"
	"github.com/danmuck/uadissect/internal/protocol/fields"
	"github.com/danmuck/uadissect/internal/protocol/flow"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("dissect: engine closed")

type Options struct {
	Segment desegment.Limits
	Chunk   chunk.Limits
}

func DefaultOptions() Options {
	return Options{Segment: desegment.DefaultLimits(), Chunk: chunk.DefaultLimits()}
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Segment: desegment.Limits{MaxPDULen: cfg.MaxPDULength},
		Chunk:   chunk.Limits{MaxChunks: cfg.MaxChunks, MaxBytes: cfg.MaxMessageBytes},
	}
}

// Stats is a snapshot of the state retained between calls.
type Stats struct {
	Flows         int
	Groups        int
	PendingGroups int
}

// Engine runs dissection passes. All flow-keyed state lives here and is
// only discarded by Reset or Close. It is not safe for concurrent use.
type Engine struct {
	reg    *fields.Registry
	segs   *desegment.Reassembler
	chunks *chunk.Reassembler
	dis    *opcua.Dissector

	pass    uuid.UUID
	nextSeq map[flow.Key]uint64
	closed  bool
}

func New(opts Options) (*Engine, error) {
	reg := fields.NewRegistry()
	chunks := chunk.New(opts.Chunk)
	dis, err := opcua.NewDissector(reg, chunks)
	if err != nil {
		return nil, fmt.Errorf("dissect: %w", err)
	}
	e := &Engine{
		reg:     reg,
		segs:    desegment.New(opcua.Framer(), opts.Segment),
		chunks:  chunks,
		dis:     dis,
		pass:    uuid.New(),
		nextSeq: make(map[flow.Key]uint64),
	}
	log.Debug().
		Str("pass", e.pass.String()).
		Int("fields", reg.Len()).
		Msg("dissect.Engine created")
	return e, nil
}

func (e *Engine) Registry() *fields.Registry {
	return e.reg
}

// PassID identifies the current dissection pass in logs.
func (e *Engine) PassID() string {
	return e.pass.String()
}

// Feed pushes one segment through the pipeline and returns a result for every
// PDU it completed. Per-PDU decoding failures are reported on the result;
// the returned error only covers the segment itself.
func (e *Engine) Feed(seg desegment.Segment) ([]opcua.Result, error) {
	if e.closed {
		return nil, ErrClosed
	}
	if next := seg.Seq + 1; next > e.nextSeq[seg.Flow] {
		e.nextSeq[seg.Flow] = next
	}

	pdus, ferr := e.segs.Feed(seg)
	if ferr != nil {
		observability.RecordSegmentRejected(segmentReason(ferr))
		log.Warn().
			Err(ferr).
			Str("pass", e.pass.String()).
			Stringer("flow", seg.Flow).
			Uint64("seq", seg.Seq).
			Msg("dissect.Engine.Feed segment rejected")
	}

	results := make([]opcua.Result, 0, len(pdus))
	for _, pdu := range pdus {
		results = append(results, e.dissect(pdu))
	}
	observability.SetPendingGroups(e.chunks.PendingLen())
	return results, ferr
}

func (e *Engine) dissect(pdu desegment.PDU) opcua.Result {
	res, err := e.dis.Dissect(pdu)
	reason := ""
	if err != nil {
		reason = malformedReason(err)
		log.Warn().
			Err(err).
			Str("pass", e.pass.String()).
			Stringer("flow", pdu.Flow).
			Uint64("pdu", pdu.Index).
			Str("reason", reason).
			Msg("dissect.Engine malformed pdu")
	}
	observability.RecordPDU(res.Type.String(), reason)
	if res.Reassembly != chunk.None {
		observability.RecordReassembly(res.Reassembly.String())
	}
	return res
}

// FeedStream replays data as consecutive segments of at most segmentSize
// bytes, continuing the flow's arrival order. It stops at the first
// rejected segment.
func (e *Engine) FeedStream(k flow.Key, data []byte, segmentSize int) ([]opcua.Result, error) {
	if segmentSize <= 0 {
		return nil, fmt.Errorf("dissect: segment size must be positive, got %d", segmentSize)
	}
	var out []opcua.Result
	for off := 0; off < len(data); off += segmentSize {
		end := min(off+segmentSize, len(data))
		seg := desegment.Segment{Flow: k, Seq: e.nextSeq[k], Data: data[off:end]}
		results, err := e.Feed(seg)
		out = append(out, results...)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

func (e *Engine) Stats() Stats {
	return Stats{
		Flows:         e.segs.Flows(),
		Groups:        e.chunks.Len(),
		PendingGroups: e.chunks.PendingLen(),
	}
}

// Reset discards all flow state and starts a new pass. Replaying the same
// input after Reset reproduces the same results.
func (e *Engine) Reset() {
	prev := e.pass
	e.segs.Reset()
	e.chunks.Reset()
	e.nextSeq = make(map[flow.Key]uint64)
	e.pass = uuid.New()
	observability.SetPendingGroups(0)
	log.Debug().
		Str("previous", prev.String()).
		Str("pass", e.pass.String()).
		Msg("dissect.Engine.Reset")
}

func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.Reset()
	e.closed = true
	return nil
}

func segmentReason(err error) string {
	switch {
	case errors.Is(err, desegment.ErrLengthSanity):
		return "length_sanity"
	case errors.Is(err, desegment.ErrStaleSegment):
		return "stale"
	default:
		return "other"
	}
}

func malformedReason(err error) string {
	switch {
	case errors.Is(err, byteview.ErrBounds):
		return "bounds"
	case errors.Is(err, opcua.ErrInvalidLength):
		return "invalid_length"
	case errors.Is(err, opcua.ErrUnknownNodeIDMask):
		return "nodeid"
	case errors.Is(err, chunk.ErrChunkOverlap):
		return "overlap"
	case errors.Is(err, chunk.ErrMultipleTails):
		return "multiple_tails"
	case errors.Is(err, chunk.ErrGroupTooLarge):
		return "too_large"
	default:
		return "other"
	}
}
