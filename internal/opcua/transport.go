package opcua

import (
	"github.com/danmuck/uadissect/internal/protocol/byteview"
	"github.com/danmuck/uadissect/internal/protocol/fields"
)

// parseHeader adds the common 8-byte transport header.
func (d *Dissector) parseHeader(n *fields.Node, v byteview.View, off int) (int, error) {
	_, off, err := addFixedString(n, d.hf.msgType, v, off, 3)
	if err != nil {
		return off, err
	}
	if _, off, err = addFixedString(n, d.hf.chunkType, v, off, 1); err != nil {
		return off, err
	}
	_, off, err = addUint32(n, d.hf.size, v, off)
	return off, err
}

func addUint32s(n *fields.Node, v byteview.View, off int, hs ...fields.Handle) (int, error) {
	var err error
	for _, h := range hs {
		if _, off, err = addUint32(n, h, v, off); err != nil {
			return off, err
		}
	}
	return off, nil
}

func parseHello(d *Dissector, n *fields.Node, v byteview.View, off int) (int, int, error) {
	off, err := d.parseHeader(n, v, off)
	if err != nil {
		return -1, off, err
	}
	off, err = addUint32s(n, v, off, d.hf.version, d.hf.recvBuf, d.hf.sendBuf, d.hf.maxMsg, d.hf.maxChunks)
	if err != nil {
		return -1, off, err
	}
	_, off, err = addString(n, d.hf.endpoint, v, off)
	return -1, off, err
}

func parseAcknowledge(d *Dissector, n *fields.Node, v byteview.View, off int) (int, int, error) {
	off, err := d.parseHeader(n, v, off)
	if err != nil {
		return -1, off, err
	}
	off, err = addUint32s(n, v, off, d.hf.version, d.hf.recvBuf, d.hf.sendBuf, d.hf.maxMsg, d.hf.maxChunks)
	return -1, off, err
}

func parseError(d *Dissector, n *fields.Node, v byteview.View, off int) (int, int, error) {
	off, err := d.parseHeader(n, v, off)
	if err != nil {
		return -1, off, err
	}
	return parseErrorBody(d, n, v, off)
}

// parseErrorBody adds the status code and reason shared by ERR and abort
// chunks.
func parseErrorBody(d *Dissector, n *fields.Node, v byteview.View, off int) (int, int, error) {
	_, off, err := addUint32(n, d.hf.errorCode, v, off)
	if err != nil {
		return -1, off, err
	}
	_, off, err = addString(n, d.hf.reason, v, off)
	return -1, off, err
}

func parseReverseHello(d *Dissector, n *fields.Node, v byteview.View, off int) (int, int, error) {
	off, err := d.parseHeader(n, v, off)
	if err != nil {
		return -1, off, err
	}
	if _, off, err = addString(n, d.hf.serverURI, v, off); err != nil {
		return -1, off, err
	}
	_, off, err = addString(n, d.hf.endpoint, v, off)
	return -1, off, err
}

// parseMessage adds the MSG transport and symmetric security headers. The
// service is parsed by the caller once the whole message is available.
func parseMessage(d *Dissector, n *fields.Node, v byteview.View, off int) (int, int, error) {
	off, err := d.parseHeader(n, v, off)
	if err != nil {
		return -1, off, err
	}
	off, err = addUint32s(n, v, off, d.hf.channelID, d.hf.tokenID, d.hf.seqNum, d.hf.requestID)
	return -1, off, err
}

func parseAbort(d *Dissector, n *fields.Node, v byteview.View, off int) (int, int, error) {
	return parseErrorBody(d, n, v, off)
}

func parseOpenSecureChannel(d *Dissector, n *fields.Node, v byteview.View, off int) (int, int, error) {
	off, err := d.parseHeader(n, v, off)
	if err != nil {
		return -1, off, err
	}
	if _, off, err = addUint32(n, d.hf.channelID, v, off); err != nil {
		return -1, off, err
	}
	if _, off, err = addString(n, d.hf.policyURI, v, off); err != nil {
		return -1, off, err
	}
	if _, off, err = addByteString(n, d.hf.senderCert, v, off); err != nil {
		return -1, off, err
	}
	if _, off, err = addByteString(n, d.hf.thumbprint, v, off); err != nil {
		return -1, off, err
	}
	if off, err = addUint32s(n, v, off, d.hf.seqNum, d.hf.requestID); err != nil {
		return -1, off, err
	}
	return d.parseService(n, v, off)
}

func parseCloseSecureChannel(d *Dissector, n *fields.Node, v byteview.View, off int) (int, int, error) {
	off, err := d.parseHeader(n, v, off)
	if err != nil {
		return -1, off, err
	}
	off, err = addUint32s(n, v, off, d.hf.channelID, d.hf.tokenID, d.hf.seqNum, d.hf.requestID)
	if err != nil {
		return -1, off, err
	}
	return d.parseService(n, v, off)
}
