package opcua

import (
	"fmt"

	"github.com/danmuck/uadissect/internal/protocol/byteview"
	"github.com/danmuck/uadissect/internal/protocol/chunk"
	"github.com/danmuck/uadissect/internal/protocol/desegment"
	"github.com/danmuck/uadissect/internal/protocol/fields"
	"github.com/danmuck/uadissect/internal/protocol/flow"
	"github.com/rs/zerolog/log"
)

// Result is the outcome of dissecting one PDU.
type Result struct {
	Flow  flow.Key
	Index uint64
	View  byteview.View
	Type  MessageType
	// Summary is the one-line label of the PDU.
	Summary string
	// Correlation is the service name or "ServiceId N"; empty when the
	// payload was not parsed or carries no numeric type id.
	Correlation string
	ServiceID   int
	Reassembly  chunk.State
	Malformed   bool
	Tree        *fields.Tree
}

// Dissector classifies PDUs and builds their field trees. It shares the
// chunk reassembler with the caller and is not safe for concurrent use.
type Dissector struct {
	reg    *fields.Registry
	hf     *hfs
	chunks *chunk.Reassembler
	kinds  map[[3]byte]kind
}

func NewDissector(reg *fields.Registry, chunks *chunk.Reassembler) (*Dissector, error) {
	if reg == nil || chunks == nil {
		return nil, fmt.Errorf("opcua: registry and chunk reassembler are required")
	}
	hf, err := registerFields(reg)
	if err != nil {
		return nil, fmt.Errorf("opcua: register fields: %w", err)
	}
	d := &Dissector{reg: reg, hf: hf, chunks: chunks, kinds: make(map[[3]byte]kind)}
	for _, k := range kinds() {
		d.kinds[k.tag] = k
	}
	return d, nil
}

func (d *Dissector) Registry() *fields.Registry {
	return d.reg
}

func (d *Dissector) classify(v byteview.View) (kind, bool) {
	b, err := v.Bytes(0, 3)
	if err != nil {
		return kind{}, false
	}
	k, ok := d.kinds[[3]byte(b)]
	return k, ok
}

// Dissect runs one pass over pdu. A decoding failure still yields the
// partial tree with Malformed set, together with the error.
func (d *Dissector) Dissect(pdu desegment.PDU) (Result, error) {
	v := pdu.View
	res := Result{
		Flow:      pdu.Flow,
		Index:     pdu.Index,
		View:      v,
		Type:      MsgInvalid,
		ServiceID: -1,
		Tree:      fields.NewTree(d.reg),
	}
	root := res.Tree.Root()

	k, ok := d.classify(v)
	if !ok {
		root.Add(d.hf.protocol, v, 0, -1, nil)
		res.Summary = MsgInvalid.String()
		log.Debug().
			Stringer("flow", pdu.Flow).
			Uint64("pdu", pdu.Index).
			Msg("opcua.Dissector.Dissect unknown discriminator")
		return res, nil
	}
	res.Type = k.typ
	proto := root.Add(d.hf.protocol, v, 0, -1, nil)

	var err error
	if k.chunkable {
		err = d.dissectChunk(k, pdu, proto, &res)
	} else {
		res.ServiceID, _, err = k.parse(d, proto, v, 0)
		res.Summary = summary(k.typ, res.ServiceID, "")
	}
	if err != nil {
		res.Malformed = true
		proto.AddText(v, 0, 0, "[Malformed Packet: %v]", err)
		res.Summary += " [Malformed Packet]"
		log.Debug().
			Err(err).
			Stringer("flow", pdu.Flow).
			Uint64("pdu", pdu.Index).
			Str("type", k.typ.String()).
			Msg("opcua.Dissector.Dissect malformed")
		return res, fmt.Errorf("opcua: %s: %w", k.typ, err)
	}
	if res.ServiceID >= 0 {
		res.Correlation = ServiceName(uint32(res.ServiceID))
	}
	return res, nil
}

type chunkHeader struct {
	chunkType byte
	seq       uint32
	requestID uint32
}

func readChunkHeader(v byteview.View) (chunkHeader, error) {
	if _, err := v.Bytes(0, MessageHeaderLen); err != nil {
		return chunkHeader{}, err
	}
	ct, _ := v.Uint8(3)
	seq, _ := v.Uint32LE(16)
	rq, _ := v.Uint32LE(20)
	return chunkHeader{chunkType: ct, seq: seq, requestID: rq}, nil
}

// dissectChunk handles a chunkable kind. Abort chunks discard their group;
// other chunks go through the reassembler and the service is parsed only
// when the whole message is available.
func (d *Dissector) dissectChunk(k kind, pdu desegment.PDU, proto *fields.Node, res *Result) error {
	v := pdu.View
	res.Summary = k.typ.String()
	hdr, err := readChunkHeader(v)
	if err != nil {
		_, _, _ = k.parse(d, proto, v, 0)
		return err
	}
	key := chunk.Key{Flow: pdu.Flow, MessageID: hdr.requestID}

	if hdr.chunkType == ChunkAbort {
		d.chunks.Abort(key)
		res.Summary = AbortLabel
		res.Reassembly = chunk.Aborted
		_, off, err := k.parse(d, proto, v, 0)
		if err != nil {
			return err
		}
		_, _, err = parseAbort(d, proto, v, off)
		return err
	}

	body, _ := v.Bytes(MessageHeaderLen, v.Remaining(MessageHeaderLen))
	cr, derr := d.chunks.Deliver(key, body, hdr.seq, hdr.chunkType == ChunkFinal)
	res.Reassembly = cr.State

	if _, _, err = k.parse(d, proto, v, 0); err != nil {
		return err
	}
	if derr != nil {
		return derr
	}

	if cr.State != chunk.Completed {
		proto.Add(d.hf.fragmentIndex, v, MessageHeaderLen, -1, cr.Index)
		res.Summary = summary(k.typ, -1, fmt.Sprintf(" (Message fragment %d)", hdr.seq))
		return nil
	}

	suffix := ""
	if cr.Chunks > 1 {
		d.addFragments(proto, cr)
		suffix = " (Message Reassembled)"
	}
	res.ServiceID, _, err = d.parseService(proto, cr.View, 0)
	res.Summary = summary(k.typ, res.ServiceID, suffix)
	return err
}

func (d *Dissector) addFragments(parent *fields.Node, cr chunk.Result) {
	frags := parent.Add(d.hf.fragments, cr.View, 0, -1, nil)
	frags.SetText("[%d Message fragments (%d bytes)]", cr.Chunks, cr.View.Len())
	for _, info := range cr.Layout {
		item := frags.Add(d.hf.fragment, cr.View, info.Offset, info.Length, info.WireSeq)
		item.SetText(
			"[Message fragment: #%d (seq %d), payload: %d-%d (%d bytes)]",
			info.Index,
			info.WireSeq,
			info.Offset,
			info.Offset+info.Length-1,
			info.Length,
		)
	}
	frags.Add(d.hf.fragmentCount, cr.View, 0, 0, uint32(cr.Chunks))
	frags.Add(d.hf.reassembledLen, cr.View, 0, 0, uint32(cr.View.Len()))
}

// summary renders "<kind>[: <service>][suffix]".
func summary(typ MessageType, serviceID int, suffix string) string {
	s := typ.String()
	if serviceID >= 0 {
		s += ": " + ServiceName(uint32(serviceID))
	}
	return s + suffix
}
