package session

import "github.com/pion/webrtc/v3"

// DataChannelLabel names the single transfer channel on both sides.
const DataChannelLabel = "file-transfer"

// DefaultICEServers builds the ICE server list from STUN server URLs. An
// empty list means direct candidates only.
func DefaultICEServers(stunServers []string) []webrtc.ICEServer {
	if len(stunServers) == 0 {
		return nil
	}
	return []webrtc.ICEServer{
		{URLs: stunServers},
	}
}

// DefaultDataChannelInit configures the transfer channel. Ordered delivery
// is required: the file-info-then-chunks protocol depends on it.
func DefaultDataChannelInit() *webrtc.DataChannelInit {
	protocolName := DataChannelLabel
	ordered := true
	return &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: nil,
		Protocol:       &protocolName,
	}
}
