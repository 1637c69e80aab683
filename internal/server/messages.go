package server

import (
	"encoding/json"

	"github.com/npezzotti/message-lounge/internal/protocol"
)

// request is a client message bound to the connection it arrived on.
type request struct {
	*protocol.ClientMessage
	client *Client
}

func serializeMessage(msg *protocol.ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func broadcastMessage(topic, event string, payload json.RawMessage) *protocol.ServerMessage {
	return &protocol.ServerMessage{
		BaseMessage: protocol.BaseMessage{
			Timestamp: protocol.Now(),
		},
		Broadcast: &protocol.Broadcast{
			Topic:   topic,
			Event:   event,
			Payload: payload,
		},
	}
}

func presenceMessage(topic string, state map[string][]json.RawMessage) *protocol.ServerMessage {
	return &protocol.ServerMessage{
		BaseMessage: protocol.BaseMessage{
			Timestamp: protocol.Now(),
		},
		Presence: &protocol.Presence{
			Topic: topic,
			Event: protocol.EventSync,
			State: state,
		},
	}
}
