package opcua

import (
	"fmt"

	"github.com/danmuck/uadissect/internal/protocol/byteview"
	"github.com/danmuck/uadissect/internal/protocol/fields"
)

// serviceNames maps DefaultBinary encoding ids of common services.
var serviceNames = map[uint32]string{
	397: "ServiceFault",
	422: "FindServersRequest",
	425: "FindServersResponse",
	428: "GetEndpointsRequest",
	431: "GetEndpointsResponse",
	446: "OpenSecureChannelRequest",
	449: "OpenSecureChannelResponse",
	452: "CloseSecureChannelRequest",
	455: "CloseSecureChannelResponse",
	461: "CreateSessionRequest",
	464: "CreateSessionResponse",
	467: "ActivateSessionRequest",
	470: "ActivateSessionResponse",
	473: "CloseSessionRequest",
	476: "CloseSessionResponse",
	479: "CancelRequest",
	482: "CancelResponse",
	488: "AddNodesRequest",
	491: "AddNodesResponse",
	527: "BrowseRequest",
	530: "BrowseResponse",
	533: "BrowseNextRequest",
	536: "BrowseNextResponse",
	554: "TranslateBrowsePathsToNodeIdsRequest",
	557: "TranslateBrowsePathsToNodeIdsResponse",
	560: "RegisterNodesRequest",
	563: "RegisterNodesResponse",
	566: "UnregisterNodesRequest",
	569: "UnregisterNodesResponse",
	631: "ReadRequest",
	634: "ReadResponse",
	664: "HistoryReadRequest",
	667: "HistoryReadResponse",
	673: "WriteRequest",
	676: "WriteResponse",
	712: "CallRequest",
	715: "CallResponse",
	751: "CreateMonitoredItemsRequest",
	754: "CreateMonitoredItemsResponse",
	763: "ModifyMonitoredItemsRequest",
	766: "ModifyMonitoredItemsResponse",
	769: "SetMonitoringModeRequest",
	772: "SetMonitoringModeResponse",
	775: "SetTriggeringRequest",
	778: "SetTriggeringResponse",
	781: "DeleteMonitoredItemsRequest",
	784: "DeleteMonitoredItemsResponse",
	787: "CreateSubscriptionRequest",
	790: "CreateSubscriptionResponse",
	793: "ModifySubscriptionRequest",
	796: "ModifySubscriptionResponse",
	799: "SetPublishingModeRequest",
	802: "SetPublishingModeResponse",
	826: "PublishRequest",
	829: "PublishResponse",
	832: "RepublishRequest",
	835: "RepublishResponse",
	841: "TransferSubscriptionsRequest",
	844: "TransferSubscriptionsResponse",
	847: "DeleteSubscriptionsRequest",
	850: "DeleteSubscriptionsResponse",
}

// ServiceName resolves a service encoding id, falling back to "ServiceId N".
func ServiceName(id uint32) string {
	if name, ok := serviceNames[id]; ok {
		return name
	}
	return fmt.Sprintf("ServiceId %d", id)
}

// parseService adds the encodeable object at off: its type id and the raw
// body. It returns the numeric type id, or -1 when the id is not numeric.
func (d *Dissector) parseService(parent *fields.Node, v byteview.View, off int) (int, int, error) {
	start := off
	obj := parent.AddText(v, off, -1, "Message : Encodeable Object")
	id, numeric, off, err := d.addNodeID(obj, v, off)
	if err != nil {
		return -1, start, err
	}

	sid := -1
	if numeric {
		sid = int(id)
		item := obj.Add(d.hf.serviceID, v, start, off-start, id)
		item.SetText("%s: %s (%d)", item.Name, ServiceName(id), id)
	}

	body, err := v.Bytes(off, v.Remaining(off))
	if err != nil {
		return sid, off, err
	}
	obj.Add(d.hf.serviceBody, v, off, len(body), body)
	return sid, off + len(body), nil
}
