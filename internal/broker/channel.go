package broker

import (
	"context"
	"fmt"
)

// Channel identifies a logical message stream. Each kind maps to one
// durable direct exchange.
type Channel int

const (
	ChannelEmail Channel = iota + 1
)

// Exchange returns the broker exchange name for the kind.
func (c Channel) Exchange() string {
	switch c {
	case ChannelEmail:
		return "email"
	default:
		return fmt.Sprintf("channel-%d", int(c))
	}
}

func (c Channel) String() string { return c.Exchange() }

// Message is one delivery handed to a Handler.
type Message struct {
	// ID is the AMQP message_id property; it may be empty.
	ID          string
	Body        []byte
	RoutingKey  string
	ContentType string
	Redelivered bool
}

// Handler processes a message. A nil return acknowledges the delivery; an
// error negatively acknowledges it with requeue.
type Handler func(ctx context.Context, msg Message) error
