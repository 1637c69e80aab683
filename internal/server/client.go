package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/message-lounge/internal/protocol"
	"github.com/npezzotti/message-lounge/internal/types"
	"github.com/rs/zerolog"
	"github.com/teris-io/shortid"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 8192

	// broadcasts per second allowed per connection
	broadcastRate  = 10
	broadcastBurst = 20
)

type Client struct {
	conn       *websocket.Conn
	chatServer *ChatServer
	log        zerolog.Logger
	user       types.User
	// ref is the connection's default presence key
	ref        string
	send       chan *protocol.ServerMessage
	topics     map[string]*Topic
	topicsLock sync.RWMutex
	limiter    *rate.Limiter
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewClient(user types.User, conn *websocket.Conn, cs *ChatServer, l zerolog.Logger) *Client {
	ref, err := shortid.Generate()
	if err != nil {
		ref = uuid.NewString()
	}

	return &Client{
		conn:       conn,
		chatServer: cs,
		log:        l.With().Str("user", user.Username).Str("ref", ref).Logger(),
		user:       user,
		ref:        ref,
		send:       make(chan *protocol.ServerMessage, 256),
		topics:     make(map[string]*Topic),
		limiter:    rate.NewLimiter(rate.Limit(broadcastRate), broadcastBurst),
		stop:       make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug().Msg("write exiting")
	}()

	for {
		select {
		case msg := <-c.send:
			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Error().Err(err).Msg("failed to serialize message")
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.sendMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Debug().Msg("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("ws: read")
			}
			break
		}

		var msg protocol.ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Debug().Err(err).Msg("error parsing message")
			c.queueMessage(protocol.ErrInvalidMessage(-1))
			continue
		}

		c.dispatch(&request{ClientMessage: &msg, client: c})
	}
}

func (c *Client) dispatch(req *request) {
	switch {
	case req.Join != nil:
		c.joinTopic(req)
	case req.Leave != nil:
		c.leaveTopic(req)
	case req.Broadcast != nil:
		if !c.limiter.Allow() {
			c.queueMessage(protocol.ErrTooManyRequests(req.Id))
			return
		}
		c.forward(req)
	case req.Track != nil:
		c.forward(req)
	default:
		c.queueMessage(protocol.ErrInvalidMessage(req.Id))
	}
}

// forward hands a broadcast or track request to the topic it targets.
func (c *Client) forward(req *request) {
	t := c.getTopic(req.Topic())
	if t == nil {
		c.queueMessage(protocol.ErrTopicNotFound(req.Id))
		return
	}

	select {
	case t.clientMsgChan <- req:
	default:
		c.queueMessage(protocol.ErrServiceUnavailable(req.Id))
		c.log.Warn().Str("topic", t.name).Msg("clientMsgChan full")
	}
}

func (c *Client) queueMessage(msg *protocol.ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Warn().Msg("failed to send message to client, channel is full")
		return false
	}

	return true
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn().Err(err).Msg("write message")
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) stopped() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

func (c *Client) cleanup() {
	select {
	case c.chatServer.deRegisterChan <- c:
	default:
		c.log.Warn().Msg("deRegisterChan full")
	}
	// stop first so topics refuse joins still queued for this connection
	c.stopClient()
	c.leaveAllTopics()
}

func (c *Client) leaveAllTopics() {
	c.topicsLock.RLock()
	defer c.topicsLock.RUnlock()

	for _, t := range c.topics {
		select {
		case t.leaveChan <- &request{
			ClientMessage: &protocol.ClientMessage{Leave: &protocol.Leave{Topic: t.name}},
			client:        c,
		}:
		default:
			c.log.Warn().Str("topic", t.name).Msg("leaveChan full")
		}
	}
}

func (c *Client) joinTopic(req *request) {
	select {
	case c.chatServer.joinChan <- req:
	default:
		c.log.Warn().Msg("joinChan full")
		c.queueMessage(protocol.ErrServiceUnavailable(req.Id))
	}
}

func (c *Client) leaveTopic(req *request) {
	t := c.getTopic(req.Leave.Topic)
	if t == nil {
		// the join may still be queued in the hub, which applies the leave after it
		c.joinTopic(req)
		return
	}

	select {
	case t.leaveChan <- req:
	default:
		c.log.Warn().Str("topic", t.name).Msg("leaveChan full")
		c.queueMessage(protocol.ErrServiceUnavailable(req.Id))
	}
}

func (c *Client) delTopic(name string) {
	c.topicsLock.Lock()
	defer c.topicsLock.Unlock()
	delete(c.topics, name)
}

func (c *Client) addTopic(t *Topic) {
	c.topicsLock.Lock()
	defer c.topicsLock.Unlock()
	c.topics[t.name] = t
}

func (c *Client) getTopic(name string) *Topic {
	c.topicsLock.RLock()
	defer c.topicsLock.RUnlock()
	return c.topics[name]
}
