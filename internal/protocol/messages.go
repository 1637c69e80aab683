// Package protocol defines the JSON envelopes exchanged over the realtime
// websocket between the Message Lounge server and its clients.
package protocol

import (
	"encoding/json"
	"net/http"
	"time"
)

// EventSync is the presence event pushed after every membership change.
const EventSync = "sync"

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ClientMessage struct {
	BaseMessage
	Join      *Join      `json:"join,omitempty"`
	Leave     *Leave     `json:"leave,omitempty"`
	Broadcast *Broadcast `json:"broadcast,omitempty"`
	Track     *Track     `json:"track,omitempty"`
}

// Topic returns the topic the message targets, if any.
func (m *ClientMessage) Topic() string {
	switch {
	case m.Join != nil:
		return m.Join.Topic
	case m.Leave != nil:
		return m.Leave.Topic
	case m.Broadcast != nil:
		return m.Broadcast.Topic
	case m.Track != nil:
		return m.Track.Topic
	}

	return ""
}

type Join struct {
	Topic string `json:"topic"`
	// PresenceKey groups this connection's presence under a shared slot.
	// The server assigns a per-connection key when it is empty.
	PresenceKey string `json:"presence_key,omitempty"`
}

type Leave struct {
	Topic string `json:"topic"`
}

type Broadcast struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type Track struct {
	Topic string          `json:"topic"`
	Meta  json.RawMessage `json:"meta"`
}

type ServerMessage struct {
	BaseMessage
	Response  *Response  `json:"response,omitempty"`
	Broadcast *Broadcast `json:"broadcast,omitempty"`
	Presence  *Presence  `json:"presence,omitempty"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

// Presence carries the full presence snapshot of a topic. Metas are opaque
// to the server; clients narrow them to their own record type.
type Presence struct {
	Topic string                       `json:"topic"`
	Event string                       `json:"event"`
	State map[string][]json.RawMessage `json:"state"`
}

func NoErrOK(id int, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func NoErrAccepted(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusAccepted,
		},
	}
}

func ErrTopicNotFound(id int) *ServerMessage {
	return errResponse(id, http.StatusNotFound, "topic not found")
}

func ErrInternalError(id int) *ServerMessage {
	return errResponse(id, http.StatusInternalServerError, "internal server error")
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return errResponse(id, http.StatusServiceUnavailable, "service unavailable")
}

func ErrTooManyRequests(id int) *ServerMessage {
	return errResponse(id, http.StatusTooManyRequests, "too many requests")
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := errResponse(0, http.StatusBadRequest, "invalid message format")
	if id > 0 {
		msg.Id = id
	}
	return msg
}

func errResponse(id, code int, text string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        text,
		},
	}
}

// IsSuccess reports whether the response code is in the 2xx range.
func (r *Response) IsSuccess() bool {
	return r.ResponseCode >= 200 && r.ResponseCode < 300
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
