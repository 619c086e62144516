package opcua

import (
	"github.com/danmuck/uadissect/internal/protocol/fields"
)

// hfs holds every field handle the dissector attaches.
type hfs struct {
	protocol fields.Handle

	msgType    fields.Handle
	chunkType  fields.Handle
	size       fields.Handle
	version    fields.Handle
	recvBuf    fields.Handle
	sendBuf    fields.Handle
	maxMsg     fields.Handle
	maxChunks  fields.Handle
	endpoint   fields.Handle
	serverURI  fields.Handle
	channelID  fields.Handle
	errorCode  fields.Handle
	reason     fields.Handle
	tokenID    fields.Handle
	policyURI  fields.Handle
	senderCert fields.Handle
	thumbprint fields.Handle
	seqNum     fields.Handle
	requestID  fields.Handle

	encodingMask fields.Handle
	nsIndex      fields.Handle
	numeric      fields.Handle
	stringID     fields.Handle
	guid         fields.Handle
	opaque       fields.Handle
	serviceID    fields.Handle
	serviceBody  fields.Handle

	fragments      fields.Handle
	fragment       fields.Handle
	fragmentCount  fields.Handle
	fragmentIndex  fields.Handle
	reassembledLen fields.Handle
}

func registerFields(reg *fields.Registry) (*hfs, error) {
	hf := &hfs{}
	table := []struct {
		dst     *fields.Handle
		name    string
		abbrev  string
		typ     fields.Type
		display fields.Display
	}{
		{&hf.protocol, "OpcUa Binary Protocol", "opcua", fields.TypeProtocol, fields.DisplayNone},

		{&hf.msgType, "Message Type", "opcua.transport.type", fields.TypeString, fields.DisplayNone},
		{&hf.chunkType, "Chunk Type", "opcua.transport.chunk", fields.TypeString, fields.DisplayNone},
		{&hf.size, "Message Size", "opcua.transport.size", fields.TypeUint32, fields.DisplayDec},
		{&hf.version, "Version", "opcua.transport.ver", fields.TypeUint32, fields.DisplayDec},
		{&hf.recvBuf, "ReceiveBufferSize", "opcua.transport.rbs", fields.TypeUint32, fields.DisplayDec},
		{&hf.sendBuf, "SendBufferSize", "opcua.transport.sbs", fields.TypeUint32, fields.DisplayDec},
		{&hf.maxMsg, "MaxMessageSize", "opcua.transport.mms", fields.TypeUint32, fields.DisplayDec},
		{&hf.maxChunks, "MaxChunkCount", "opcua.transport.mcc", fields.TypeUint32, fields.DisplayDec},
		{&hf.endpoint, "EndpointUrl", "opcua.transport.endpoint", fields.TypeString, fields.DisplayNone},
		{&hf.serverURI, "ServerUri", "opcua.transport.serveruri", fields.TypeString, fields.DisplayNone},
		{&hf.channelID, "SecureChannelId", "opcua.transport.scid", fields.TypeUint32, fields.DisplayDec},
		{&hf.errorCode, "Error", "opcua.transport.error", fields.TypeUint32, fields.DisplayHex},
		{&hf.reason, "Reason", "opcua.transport.reason", fields.TypeString, fields.DisplayNone},

		{&hf.tokenID, "Security Token Id", "opcua.security.tokenid", fields.TypeUint32, fields.DisplayDec},
		{&hf.policyURI, "SecurityPolicyUri", "opcua.security.policy", fields.TypeString, fields.DisplayNone},
		{&hf.senderCert, "SenderCertificate", "opcua.security.certificate", fields.TypeBytes, fields.DisplayNone},
		{&hf.thumbprint, "ReceiverCertificateThumbprint", "opcua.security.thumbprint", fields.TypeBytes, fields.DisplayNone},
		{&hf.seqNum, "Security Sequence Number", "opcua.security.seq", fields.TypeUint32, fields.DisplayDec},
		{&hf.requestID, "Security RequestId", "opcua.security.rqid", fields.TypeUint32, fields.DisplayDec},

		{&hf.encodingMask, "NodeId EncodingMask", "opcua.nodeid.encodingmask", fields.TypeUint8, fields.DisplayHex},
		{&hf.nsIndex, "NodeId Namespace Index", "opcua.nodeid.nsindex", fields.TypeUint16, fields.DisplayDec},
		{&hf.numeric, "NodeId Identifier Numeric", "opcua.nodeid.numeric", fields.TypeUint32, fields.DisplayDec},
		{&hf.stringID, "NodeId Identifier String", "opcua.nodeid.string", fields.TypeString, fields.DisplayNone},
		{&hf.guid, "NodeId Identifier Guid", "opcua.nodeid.guid", fields.TypeBytes, fields.DisplayNone},
		{&hf.opaque, "NodeId Identifier ByteString", "opcua.nodeid.bytestring", fields.TypeBytes, fields.DisplayNone},
		{&hf.serviceID, "ServiceId", "opcua.service.id", fields.TypeUint32, fields.DisplayDec},
		{&hf.serviceBody, "Service Body", "opcua.service.body", fields.TypeBytes, fields.DisplayNone},

		{&hf.fragments, "Message fragments", "opcua.fragments", fields.TypeNone, fields.DisplayNone},
		{&hf.fragment, "Message fragment", "opcua.fragment", fields.TypeUint32, fields.DisplayDec},
		{&hf.fragmentCount, "Message fragment count", "opcua.fragment.count", fields.TypeUint32, fields.DisplayDec},
		{&hf.fragmentIndex, "Message fragment index", "opcua.fragment.index", fields.TypeUint32, fields.DisplayDec},
		{&hf.reassembledLen, "Reassembled length", "opcua.reassembled.length", fields.TypeUint32, fields.DisplayDec},
	}
	for _, f := range table {
		h, err := reg.Register(f.name, f.abbrev, f.typ, f.display)
		if err != nil {
			return nil, err
		}
		*f.dst = h
	}
	return hf, nil
}
