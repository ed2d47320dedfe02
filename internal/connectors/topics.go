package connectors

const (
	TopicInterfaceStatus  = "iface.status"
	TopicPacketIn         = "radio.packet.in"
	TopicTextMessage      = "text.message"
	TopicNodeReachability = "node.reachability"
	TopicDeliveryEvent    = "delivery.event"
	TopicRawFrameIn       = "raw.frame.in"
	TopicRawFrameOut      = "raw.frame.out"
)
