package opcua

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/danmuck/uadissect/internal/protocol/byteview"
	"github.com/danmuck/uadissect/internal/protocol/chunk"
	"github.com/danmuck/uadissect/internal/protocol/desegment"
	"github.com/danmuck/uadissect/internal/protocol/fields"
	"github.com/danmuck/uadissect/internal/protocol/flow"
	"github.com/danmuck/uadissect/internal/testutil/testlog"
)

var client = flow.MustTCP("192.168.1.10:51000", "192.168.1.20:4840")

func u32(x uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, x)
}

func uaString(s string) []byte {
	return append(u32(uint32(len(s))), s...)
}

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// frame prefixes body with the 8-byte transport header.
func frame(typ string, chunkType byte, body []byte) []byte {
	b := make([]byte, FrameHeaderLen, FrameHeaderLen+len(body))
	copy(b, typ)
	b[3] = chunkType
	binary.LittleEndian.PutUint32(b[MessageSizeOffset:], uint32(FrameHeaderLen+len(body)))
	return append(b, body...)
}

func msg(chunkType byte, seq, requestID uint32, payload []byte) []byte {
	return frame("MSG", chunkType, cat(u32(1), u32(2), u32(seq), u32(requestID), payload))
}

// service encodes a four-byte NodeId type id followed by body.
func service(id uint16, body []byte) []byte {
	return cat([]byte{nodeIDFourByte, 0x00}, binary.LittleEndian.AppendUint16(nil, id), body)
}

func newDissector(t *testing.T) (*Dissector, *chunk.Reassembler) {
	t.Helper()
	chunks := chunk.New(chunk.DefaultLimits())
	d, err := NewDissector(fields.NewRegistry(), chunks)
	if err != nil {
		t.Fatalf("new dissector: %v", err)
	}
	return d, chunks
}

func pdu(b []byte) desegment.PDU {
	return desegment.PDU{Flow: client, View: byteview.New(b)}
}

func find(t *testing.T, res Result, abbrev string) *fields.Node {
	t.Helper()
	n := res.Tree.Root().Find(abbrev)
	if n == nil {
		t.Fatalf("%s: missing field %s", res.Summary, abbrev)
	}
	return n
}

func TestDiscriminatorCoverage(t *testing.T) {
	testlog.Start(t)
	hello := cat(u32(0), u32(65536), u32(65536), u32(0), u32(0), uaString("opc.tcp://plc:4840"))
	ack := cat(u32(0), u32(65536), u32(65536), u32(0), u32(0))

	cases := []struct {
		name    string
		data    []byte
		summary string
		field   string
		absent  string
	}{
		{"hello", frame("HEL", 'F', hello), "Hello message", "opcua.transport.endpoint", "opcua.security.rqid"},
		{"ack", frame("ACK", 'F', ack), "Acknowledge message", "opcua.transport.mcc", "opcua.transport.endpoint"},
		{"error", frame("ERR", 'F', cat(u32(0x80010000), uaString("bad"))), "Error message", "opcua.transport.error", "opcua.transport.ver"},
		{"reverse hello", frame("RHE", 'F', cat(uaString("urn:srv"), uaString("opc.tcp://srv"))), "Reverse Hello message", "opcua.transport.serveruri", "opcua.transport.ver"},
		{"message", msg('F', 1, 1, service(631, []byte{0x01})), "UA Secure Conversation Message: ReadRequest", "opcua.security.rqid", "opcua.security.policy"},
		{
			"open",
			frame("OPN", 'F', cat(
				u32(0),
				uaString("http://opcfoundation.org/UA/SecurityPolicy#None"),
				u32(0xffffffff),
				u32(0xffffffff),
				u32(51),
				u32(1),
				service(446, []byte{0x00}),
			)),
			"OpenSecureChannel message: OpenSecureChannelRequest",
			"opcua.security.policy",
			"opcua.security.tokenid",
		},
		{"close", frame("CLO", 'F', cat(u32(4), u32(1), u32(60), u32(9), service(452, nil))), "CloseSecureChannel message: CloseSecureChannelRequest", "opcua.security.tokenid", "opcua.security.policy"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, _ := newDissector(t)
			res, err := d.Dissect(pdu(tc.data))
			if err != nil {
				t.Fatalf("dissect: %v", err)
			}
			if res.Summary != tc.summary {
				t.Fatalf("summary=%q want %q", res.Summary, tc.summary)
			}
			find(t, res, tc.field)
			if res.Tree.Root().Find(tc.absent) != nil {
				t.Fatalf("%s must not carry %s", tc.name, tc.absent)
			}
			if res.Malformed {
				t.Fatalf("unexpected malformed flag")
			}
		})
	}
}

func TestUnknownDiscriminatorIsPlaceholder(t *testing.T) {
	testlog.Start(t)
	d, chunks := newDissector(t)
	res, err := d.Dissect(pdu(frame("XYZ", 'F', []byte{1, 2, 3})))
	if err != nil {
		t.Fatalf("unknown tag must not be an error: %v", err)
	}
	if res.Type != MsgInvalid || res.Summary != "Invalid message" {
		t.Fatalf("type=%s summary=%q", res.Type, res.Summary)
	}
	children := res.Tree.Root().Children
	if len(children) != 1 || children[0].Abbrev != "opcua" || len(children[0].Children) != 0 {
		t.Fatalf("expected a single placeholder node, got %+v", children)
	}
	if children[0].Length != 11 {
		t.Fatalf("placeholder must cover the pdu, length=%d", children[0].Length)
	}
	if chunks.Len() != 0 {
		t.Fatalf("unknown tag touched reassembly state")
	}
}

func TestSingleFinalChunkEndToEnd(t *testing.T) {
	testlog.Start(t)
	d, chunks := newDissector(t)
	payload := cat([]byte{nodeIDTwoByte, 42}, []byte("abc"))
	res, err := d.Dissect(pdu(msg(ChunkFinal, 100, 7, payload)))
	if err != nil {
		t.Fatalf("dissect: %v", err)
	}
	if res.Summary != "UA Secure Conversation Message: ServiceId 42" {
		t.Fatalf("summary=%q", res.Summary)
	}
	if res.Reassembly != chunk.Completed || res.ServiceID != 42 || res.Correlation != "ServiceId 42" {
		t.Fatalf("reassembly=%s service=%d correlation=%q", res.Reassembly, res.ServiceID, res.Correlation)
	}

	group := chunks.Lookup(chunk.Key{Flow: client, MessageID: 7})
	if group.State != chunk.Completed || group.Chunks != 1 {
		t.Fatalf("group state=%s chunks=%d", group.State, group.Chunks)
	}
	got, _ := group.View.Bytes(0, group.View.Len())
	if !bytes.Equal(got, payload) {
		t.Fatalf("reassembled view %x want %x", got, payload)
	}

	id := find(t, res, "opcua.service.id")
	if id.Offset != 0 || id.Source != chunk.ReassembledSource {
		t.Fatalf("service id must be parsed from offset 0 of the reassembled view: %+v", id)
	}
	body := find(t, res, "opcua.service.body")
	if !bytes.Equal(body.Value.([]byte), []byte("abc")) {
		t.Fatalf("service body=%x", body.Value)
	}
	if res.Tree.Root().Find("opcua.fragments") != nil {
		t.Fatalf("single chunk must not list fragments")
	}
}

func TestMultiChunkReassembly(t *testing.T) {
	testlog.Start(t)
	d, _ := newDissector(t)
	body := bytes.Repeat([]byte{0x5a}, 90)
	payload := service(631, body)
	parts := [][]byte{payload[:3], payload[3:50], payload[50:]}
	types := []byte{ChunkIntermediate, ChunkIntermediate, ChunkFinal}

	var res Result
	var err error
	for i, p := range parts {
		seq := uint32(10 + i)
		res, err = d.Dissect(pdu(msg(types[i], seq, 9, p)))
		if err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
		if i < len(parts)-1 {
			want := fmt.Sprintf("UA Secure Conversation Message (Message fragment %d)", seq)
			if res.Summary != want {
				t.Fatalf("chunk %d summary=%q want %q", i, res.Summary, want)
			}
			if res.Reassembly != chunk.Incomplete {
				t.Fatalf("chunk %d reassembly=%s", i, res.Reassembly)
			}
			if idx := find(t, res, "opcua.fragment.index"); idx.Value != uint32(i) {
				t.Fatalf("chunk %d fragment index=%v", i, idx.Value)
			}
			if res.Tree.Root().Find("opcua.service.id") != nil {
				t.Fatalf("fragment must not parse the service")
			}
		}
	}
	if res.Summary != "UA Secure Conversation Message: ReadRequest (Message Reassembled)" {
		t.Fatalf("summary=%q", res.Summary)
	}
	frags := find(t, res, "opcua.fragments")
	if frags.Label() != "[3 Message fragments (94 bytes)]" {
		t.Fatalf("fragments label=%q", frags.Label())
	}
	if got := find(t, res, "opcua.service.body").Value.([]byte); !bytes.Equal(got, body) {
		t.Fatalf("reassembled body mismatch")
	}
}

func TestAbortChunk(t *testing.T) {
	testlog.Start(t)
	d, chunks := newDissector(t)
	key := chunk.Key{Flow: client, MessageID: 5}

	if _, err := d.Dissect(pdu(msg(ChunkIntermediate, 1, 5, []byte("partial")))); err != nil {
		t.Fatalf("intermediate: %v", err)
	}
	res, err := d.Dissect(pdu(msg(ChunkAbort, 2, 5, cat(u32(0x80af0000), uaString("aborted")))))
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	if res.Summary != AbortLabel || res.Reassembly != chunk.Aborted {
		t.Fatalf("summary=%q reassembly=%s", res.Summary, res.Reassembly)
	}
	if chunks.Lookup(key).State != chunk.Aborted {
		t.Fatalf("group must be aborted")
	}
	if reason := find(t, res, "opcua.transport.reason"); reason.Value != "aborted" {
		t.Fatalf("reason=%v", reason.Value)
	}
	find(t, res, "opcua.security.rqid")

	res, err = d.Dissect(pdu(msg(ChunkFinal, 3, 5, service(473, nil))))
	if err != nil {
		t.Fatalf("fresh final: %v", err)
	}
	if res.Summary != "UA Secure Conversation Message: CloseSessionRequest" {
		t.Fatalf("key reuse after abort must start fresh, summary=%q", res.Summary)
	}
}

func TestMalformedPDU(t *testing.T) {
	testlog.Start(t)
	d, chunks := newDissector(t)

	res, err := d.Dissect(pdu(frame("HEL", 'F', u32(0))))
	if !errors.Is(err, byteview.ErrBounds) {
		t.Fatalf("expected bounds error, got %v", err)
	}
	if !res.Malformed || res.Summary != "Hello message [Malformed Packet]" {
		t.Fatalf("malformed=%v summary=%q", res.Malformed, res.Summary)
	}
	find(t, res, "opcua.transport.ver")

	res, err = d.Dissect(pdu(frame("MSG", 'F', u32(1))))
	if !errors.Is(err, byteview.ErrBounds) || !res.Malformed {
		t.Fatalf("short msg: malformed=%v err=%v", res.Malformed, err)
	}
	if chunks.Len() != 0 {
		t.Fatalf("short msg must not reach the reassembler")
	}

	res, err = d.Dissect(pdu(msg(ChunkFinal, 1, 3, []byte{0x07, 0x00})))
	if !errors.Is(err, ErrUnknownNodeIDMask) || !res.Malformed {
		t.Fatalf("bad nodeid: malformed=%v err=%v", res.Malformed, err)
	}

	res, err = d.Dissect(pdu(frame("ACK", 'F', cat(u32(0), u32(1), u32(1), u32(0), u32(0)))))
	if err != nil || res.Malformed {
		t.Fatalf("later pdu affected by earlier failure: %v", err)
	}
}

func TestNullStringRendering(t *testing.T) {
	testlog.Start(t)
	d, _ := newDissector(t)
	res, err := d.Dissect(pdu(frame("HEL", 'F', cat(u32(0), u32(1), u32(1), u32(0), u32(0), u32(0xffffffff)))))
	if err != nil {
		t.Fatalf("dissect: %v", err)
	}
	if got := find(t, res, "opcua.transport.endpoint").Label(); got != "EndpointUrl: [OpcUa Null String]" {
		t.Fatalf("label=%q", got)
	}
}

func TestTreeFormat(t *testing.T) {
	testlog.Start(t)
	d, _ := newDissector(t)
	res, err := d.Dissect(pdu(frame("ACK", 'F', cat(u32(0), u32(8192), u32(8192), u32(0), u32(0)))))
	if err != nil {
		t.Fatalf("dissect: %v", err)
	}
	var buf strings.Builder
	if err := res.Tree.Root().Format(&buf); err != nil {
		t.Fatalf("format: %v", err)
	}
	want := strings.Join([]string{
		"OpcUa Binary Protocol",
		"    Message Type: ACK",
		"    Chunk Type: F",
		"    Message Size: 28",
		"    Version: 0",
		"    ReceiveBufferSize: 8192",
		"    SendBufferSize: 8192",
		"    MaxMessageSize: 0",
		"    MaxChunkCount: 0",
	}, "\n") + "\n"
	if buf.String() != want {
		t.Fatalf("tree:\n%s\nwant:\n%s", buf.String(), want)
	}
}

func TestServiceName(t *testing.T) {
	if got := ServiceName(826); got != "PublishRequest" {
		t.Fatalf("826=%q", got)
	}
	if got := ServiceName(1); got != "ServiceId 1" {
		t.Fatalf("1=%q", got)
	}
}
