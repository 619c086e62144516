package opcua

import (
	"fmt"

	"github.com/danmuck/uadissect/internal/protocol/byteview"
	"github.com/danmuck/uadissect/internal/protocol/desegment"
	"github.com/danmuck/uadissect/internal/protocol/fields"
)

const (
	// FrameHeaderLen is the number of bytes needed to compute a PDU length.
	FrameHeaderLen = 8
	// MessageSizeOffset locates the uint32 little-endian message size.
	MessageSizeOffset = 4
	// MessageHeaderLen is the fixed header of a MSG chunk up to the request id.
	MessageHeaderLen = 24
	// DefaultPort is the IANA port for OPC UA Binary.
	DefaultPort = 4840
)

// Framer returns the length-prefix rule of OPC UA Binary.
func Framer() desegment.FixedHeader {
	return desegment.FixedHeader{Len: FrameHeaderLen, LengthAt: MessageSizeOffset}
}

// MessageType is the transport message kind selected by the discriminator.
type MessageType int

const (
	MsgHello MessageType = iota
	MsgAcknowledge
	MsgError
	MsgReverseHello
	MsgMessage
	MsgOpenSecureChannel
	MsgCloseSecureChannel
	MsgInvalid
)

var messageTypeNames = [...]string{
	MsgHello:              "Hello message",
	MsgAcknowledge:        "Acknowledge message",
	MsgError:              "Error message",
	MsgReverseHello:       "Reverse Hello message",
	MsgMessage:            "UA Secure Conversation Message",
	MsgOpenSecureChannel:  "OpenSecureChannel message",
	MsgCloseSecureChannel: "CloseSecureChannel message",
	MsgInvalid:            "Invalid message",
}

func (m MessageType) String() string {
	if m < 0 || int(m) >= len(messageTypeNames) {
		return fmt.Sprintf("MessageType(%d)", int(m))
	}
	return messageTypeNames[m]
}

// Chunk types carried in the fourth header byte.
const (
	ChunkFinal        byte = 'F'
	ChunkIntermediate byte = 'C'
	ChunkAbort        byte = 'A'
)

// AbortLabel is the summary of an abort chunk.
const AbortLabel = "Abort message"

// parseFunc parses one transport message starting at off and returns the
// service id (-1 when the kind carries none) and the offset after the last
// consumed byte.
type parseFunc func(d *Dissector, parent *fields.Node, v byteview.View, off int) (int, int, error)

type kind struct {
	typ       MessageType
	tag       [3]byte
	parse     parseFunc
	chunkable bool
}

func tag(s string) [3]byte {
	var t [3]byte
	copy(t[:], s)
	return t
}

// kinds lists every known discriminator. The table is closed; anything else
// is MsgInvalid.
func kinds() []kind {
	return []kind{
		{typ: MsgHello, tag: tag("HEL"), parse: parseHello},
		{typ: MsgAcknowledge, tag: tag("ACK"), parse: parseAcknowledge},
		{typ: MsgError, tag: tag("ERR"), parse: parseError},
		{typ: MsgReverseHello, tag: tag("RHE"), parse: parseReverseHello},
		{typ: MsgMessage, tag: tag("MSG"), parse: parseMessage, chunkable: true},
		{typ: MsgOpenSecureChannel, tag: tag("OPN"), parse: parseOpenSecureChannel},
		{typ: MsgCloseSecureChannel, tag: tag("CLO"), parse: parseCloseSecureChannel},
	}
}
