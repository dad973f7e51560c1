package irisfast

import "context"

type MessageCallback func(message *Message)

type StateCallback func(state WebSocketState)

// Ingress delivers chat messages from the gateway. The bot binary only needs
// this much of the WebSocket client.
type Ingress interface {
	Connect(ctx context.Context) error
	Connected() bool
	OnMessage(cb MessageCallback) int
	OnStateChange(cb StateCallback) int
	Close(ctx context.Context) error
}

var _ Ingress = (*WebSocket)(nil)
