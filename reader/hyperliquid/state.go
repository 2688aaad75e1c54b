package hyperliquid

// ChannelState is the lifecycle of the streaming connection.
type ChannelState int32

const (
	StateDisconnected ChannelState = iota
	StateConnecting
	StateConnected
	StateSubscribed
	// StateDegraded means the socket is open but no topic data arrived
	// within the liveness window.
	StateDegraded
)

func (s ChannelState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

func (s ChannelState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Topic is a Hyperliquid subscription type.
type Topic string

const (
	TopicTrades       Topic = "trades"
	TopicOrderBook    Topic = "l2Book"
	TopicAssetContext Topic = "activeAssetCtx"
)

// Topics lists the data topics the collector subscribes to.
var Topics = []Topic{TopicTrades, TopicOrderBook, TopicAssetContext}
