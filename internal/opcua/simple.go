package opcua

import (
	"errors"
	"fmt"

	"github.com/danmuck/uadissect/internal/protocol/byteview"
	"github.com/danmuck/uadissect/internal/protocol/fields"
)

var (
	ErrInvalidLength     = errors.New("opcua: invalid encoded length")
	ErrUnknownNodeIDMask = errors.New("opcua: unknown nodeid encoding")
)

// Every helper below adds one item and returns the decoded value together
// with the offset after it. Callers thread the offset explicitly.

func addUint8(n *fields.Node, h fields.Handle, v byteview.View, off int) (uint8, int, error) {
	x, err := v.Uint8(off)
	if err != nil {
		return 0, off, err
	}
	n.Add(h, v, off, 1, x)
	return x, off + 1, nil
}

func addUint16(n *fields.Node, h fields.Handle, v byteview.View, off int) (uint16, int, error) {
	x, err := v.Uint16LE(off)
	if err != nil {
		return 0, off, err
	}
	n.Add(h, v, off, 2, x)
	return x, off + 2, nil
}

func addUint32(n *fields.Node, h fields.Handle, v byteview.View, off int) (uint32, int, error) {
	x, err := v.Uint32LE(off)
	if err != nil {
		return 0, off, err
	}
	n.Add(h, v, off, 4, x)
	return x, off + 4, nil
}

func addFixedString(n *fields.Node, h fields.Handle, v byteview.View, off, length int) (string, int, error) {
	b, err := v.Bytes(off, length)
	if err != nil {
		return "", off, err
	}
	s := string(b)
	n.Add(h, v, off, length, s)
	return s, off + length, nil
}

// readLengthPrefixed decodes an Int32 length followed by that many bytes.
// A length of -1 is the null value.
func readLengthPrefixed(v byteview.View, off int) ([]byte, bool, int, error) {
	l, err := v.Int32LE(off)
	if err != nil {
		return nil, false, off, err
	}
	off += 4
	if l == -1 {
		return nil, true, off, nil
	}
	if l < -1 {
		return nil, false, off, fmt.Errorf("%w: %d at offset %d", ErrInvalidLength, l, off-4)
	}
	b, err := v.Bytes(off, int(l))
	if err != nil {
		return nil, false, off, err
	}
	return b, false, off + int(l), nil
}

func addString(n *fields.Node, h fields.Handle, v byteview.View, off int) (string, int, error) {
	b, null, next, err := readLengthPrefixed(v, off)
	if err != nil {
		return "", off, err
	}
	item := n.Add(h, v, off, next-off, string(b))
	if null {
		item.Value = nil
		item.SetText("%s: [OpcUa Null String]", item.Name)
	}
	return string(b), next, nil
}

func addByteString(n *fields.Node, h fields.Handle, v byteview.View, off int) ([]byte, int, error) {
	b, null, next, err := readLengthPrefixed(v, off)
	if err != nil {
		return nil, off, err
	}
	item := n.Add(h, v, off, next-off, b)
	if null {
		item.Value = nil
		item.SetText("%s: [OpcUa Null ByteString]", item.Name)
	}
	return b, next, nil
}

// NodeId encodings.
const (
	nodeIDTwoByte    byte = 0x00
	nodeIDFourByte   byte = 0x01
	nodeIDNumeric    byte = 0x02
	nodeIDString     byte = 0x03
	nodeIDGUID       byte = 0x04
	nodeIDByteString byte = 0x05
)

// addNodeID decodes a NodeId under a "NodeId" subtree and returns its
// numeric identifier. ok is false for non-numeric identifiers.
func (d *Dissector) addNodeID(parent *fields.Node, v byteview.View, off int) (uint32, bool, int, error) {
	start := off
	tree := parent.AddText(v, off, 0, "NodeId")
	mask, off, err := addUint8(tree, d.hf.encodingMask, v, off)
	if err != nil {
		return 0, false, start, err
	}

	var id uint32
	numeric := true
	switch mask {
	case nodeIDTwoByte:
		var x uint8
		x, off, err = addUint8(tree, d.hf.numeric, v, off)
		id = uint32(x)
	case nodeIDFourByte:
		if _, off, err = addUint8(tree, d.hf.nsIndex, v, off); err == nil {
			var x uint16
			x, off, err = addUint16(tree, d.hf.numeric, v, off)
			id = uint32(x)
		}
	case nodeIDNumeric:
		if _, off, err = addUint16(tree, d.hf.nsIndex, v, off); err == nil {
			id, off, err = addUint32(tree, d.hf.numeric, v, off)
		}
	case nodeIDString:
		numeric = false
		if _, off, err = addUint16(tree, d.hf.nsIndex, v, off); err == nil {
			_, off, err = addString(tree, d.hf.stringID, v, off)
		}
	case nodeIDGUID:
		numeric = false
		if _, off, err = addUint16(tree, d.hf.nsIndex, v, off); err == nil {
			var b []byte
			if b, err = v.Bytes(off, 16); err == nil {
				tree.Add(d.hf.guid, v, off, 16, b)
				off += 16
			}
		}
	case nodeIDByteString:
		numeric = false
		if _, off, err = addUint16(tree, d.hf.nsIndex, v, off); err == nil {
			_, off, err = addByteString(tree, d.hf.opaque, v, off)
		}
	default:
		return 0, false, start, fmt.Errorf("%w: 0x%02x at offset %d", ErrUnknownNodeIDMask, mask, start)
	}
	if err != nil {
		return 0, false, start, err
	}
	tree.Length = off - start
	return id, numeric, off, nil
}
