package hyperliquid

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by operations that need an open socket.
var ErrNotConnected = errors.New("hyperliquid: stream not connected")

// TransportError reports a failed dial, handshake, read or write.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("hyperliquid transport %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError reports an inbound frame or payload that could not be parsed.
type DecodeError struct {
	Channel string
	Err     error
}

func (e *DecodeError) Error() string {
	if e.Channel == "" {
		return fmt.Sprintf("hyperliquid decode: %v", e.Err)
	}
	return fmt.Sprintf("hyperliquid decode %s: %v", e.Channel, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// SubscriptionError reports a subscribe request that could not be sent or
// that the exchange rejected.
type SubscriptionError struct {
	Topic Topic
	Coin  string
	Err   error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("hyperliquid subscribe %s/%s: %v", e.Topic, e.Coin, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// PollError reports a failed REST fetch.
type PollError struct {
	Op     string
	Coin   string
	Status int
	Err    error
}

func (e *PollError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("hyperliquid poll %s %s: status %d: %v", e.Op, e.Coin, e.Status, e.Err)
	}
	return fmt.Sprintf("hyperliquid poll %s %s: %v", e.Op, e.Coin, e.Err)
}

func (e *PollError) Unwrap() error { return e.Err }
