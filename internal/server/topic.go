package server

import (
	"bytes"
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/npezzotti/message-lounge/internal/protocol"
	"github.com/npezzotti/message-lounge/internal/stats"
	"github.com/rs/zerolog"
)

const idleTopicTimeout = time.Second * 5

type exitReq struct {
	// idle is set when the topic's own idle timer requested the unload.
	idle bool
	done chan bool
}

type presenceEntry struct {
	key  string
	meta json.RawMessage
}

// Topic fans broadcasts out to its members and keeps their presence. All
// state is owned by the topic goroutine started by start.
type Topic struct {
	name          string
	cs            *ChatServer
	joinChan      chan *request
	leaveChan     chan *request
	clientMsgChan chan *request
	remoteChan    chan remoteBroadcast
	// clients maps each member to its presence key
	clients    map[*Client]string
	presence   map[*Client]presenceEntry
	clientLock sync.RWMutex
	log        zerolog.Logger
	// killTimer is used to automatically unload the topic when it is no longer active
	killTimer *time.Timer
	exit      chan exitReq
}

func newTopic(name string, cs *ChatServer) *Topic {
	return &Topic{
		name:          name,
		cs:            cs,
		joinChan:      make(chan *request, 256),
		leaveChan:     make(chan *request, 256),
		clientMsgChan: make(chan *request, 256),
		remoteChan:    make(chan remoteBroadcast, 256),
		clients:       make(map[*Client]string),
		presence:      make(map[*Client]presenceEntry),
		log:           cs.log.With().Str("topic", name).Logger(),
		exit:          make(chan exitReq),
	}
}

func (t *Topic) start() {
	t.log.Debug().Msg("starting topic")
	t.killTimer = time.NewTimer(idleTopicTimeout)
	t.killTimer.Stop()

	for {
		select {
		case join := <-t.joinChan:
			t.handleJoin(join)
		case leave := <-t.leaveChan:
			t.handleLeave(leave)
		case msg := <-t.clientMsgChan:
			if msg.Broadcast != nil {
				t.handleBroadcast(msg)
			} else if msg.Track != nil {
				t.handleTrack(msg)
			}
		case rb := <-t.remoteChan:
			t.handleRemote(rb)
		case <-t.killTimer.C:
			t.handleTopicTimeout()
		case e := <-t.exit:
			if t.handleTopicExit(e) {
				return
			}
		}
	}
}

func (t *Topic) handleTopicTimeout() {
	t.log.Debug().Msg("topic timed out")
	select {
	case t.cs.unloadTopicChan <- t.name:
	default:
		// try again later
		t.killTimer.Reset(idleTopicTimeout)
	}
}

// handleTopicExit reports whether the topic goroutine should return.
func (t *Topic) handleTopicExit(e exitReq) bool {
	if e.idle && (len(t.clients) > 0 || len(t.joinChan) > 0) {
		e.done <- false
		return false
	}

	t.log.Debug().Msg("topic is exiting")
	t.clientLock.Lock()
	for c := range t.clients {
		c.delTopic(t.name)
	}
	t.clients = make(map[*Client]string)
	t.presence = make(map[*Client]presenceEntry)
	t.clientLock.Unlock()

	// joins that raced the exit are refused, the client may retry
	for len(t.joinChan) > 0 {
		join := <-t.joinChan
		join.client.queueMessage(protocol.ErrServiceUnavailable(join.Id))
	}

	if e.done != nil {
		e.done <- true
	}
	return true
}

func (t *Topic) handleJoin(join *request) {
	// stop the kill timer since we have a new client
	t.killTimer.Stop()

	c := join.client
	if _, ok := t.getClient(c); ok {
		c.queueMessage(protocol.NoErrOK(join.Id, map[string]any{"topic": t.name}))
		c.queueMessage(presenceMessage(t.name, t.snapshot()))
		return
	}

	key := join.Join.PresenceKey
	if key == "" {
		key = c.ref
	}

	t.addClient(c, key)
	if c.stopped() {
		// the connection closed while its join was queued
		t.removeClient(c)
		t.log.Debug().Str("user", c.user.Username).Msg("refused join of closed connection")
		return
	}
	t.log.Debug().Str("user", c.user.Username).Msg("client joined")

	c.queueMessage(protocol.NoErrOK(join.Id, map[string]any{"topic": t.name}))
	// the joining client starts from the current snapshot
	c.queueMessage(presenceMessage(t.name, t.snapshot()))
}

func (t *Topic) handleLeave(leave *request) {
	c := leave.client
	if _, ok := t.getClient(c); !ok {
		t.applyPendingJoins()
	}
	if _, ok := t.getClient(c); !ok {
		if leave.Id > 0 {
			c.queueMessage(protocol.ErrTopicNotFound(leave.Id))
		}
		return
	}

	_, tracked := t.presence[c]
	t.removeClient(c)
	t.log.Debug().Str("user", c.user.Username).Msg("client left")

	if leave.Id > 0 {
		c.queueMessage(protocol.NoErrOK(leave.Id, nil))
	}

	if tracked {
		t.pushPresence()
	}
}

// applyPendingJoins handles the joins queued ahead of a leave so the leave
// is not answered before the join it follows.
func (t *Topic) applyPendingJoins() {
	for len(t.joinChan) > 0 {
		t.handleJoin(<-t.joinChan)
	}
}

func (t *Topic) handleTrack(msg *request) {
	c := msg.client
	key, ok := t.getClient(c)
	if !ok {
		c.queueMessage(protocol.ErrTopicNotFound(msg.Id))
		return
	}

	meta := bytes.TrimSpace(msg.Track.Meta)
	if len(meta) == 0 || meta[0] != '{' || !json.Valid(meta) {
		c.queueMessage(protocol.ErrInvalidMessage(msg.Id))
		return
	}

	t.clientLock.Lock()
	t.presence[c] = presenceEntry{key: key, meta: json.RawMessage(meta)}
	t.clientLock.Unlock()

	c.queueMessage(protocol.NoErrOK(msg.Id, nil))
	t.pushPresence()
}

func (t *Topic) handleBroadcast(msg *request) {
	c := msg.client
	if _, ok := t.getClient(c); !ok {
		c.queueMessage(protocol.ErrTopicNotFound(msg.Id))
		return
	}

	if msg.Broadcast.Event == "" {
		c.queueMessage(protocol.ErrInvalidMessage(msg.Id))
		return
	}

	c.queueMessage(protocol.NoErrAccepted(msg.Id))

	// the sender receives its own broadcast like every other member
	t.broadcast(broadcastMessage(t.name, msg.Broadcast.Event, msg.Broadcast.Payload))
	t.cs.stats.Incr(stats.NumBroadcasts)
	t.cs.relayBroadcast(t.name, msg.Broadcast.Event, msg.Broadcast.Payload)
}

func (t *Topic) handleRemote(rb remoteBroadcast) {
	t.broadcast(broadcastMessage(t.name, rb.event, rb.payload))
	t.cs.stats.Incr(stats.NumRelayed)
}

func (t *Topic) pushPresence() {
	t.broadcast(presenceMessage(t.name, t.snapshot()))
}

// snapshot groups the tracked metas by presence key. Metas under one key are
// ordered by connection ref.
func (t *Topic) snapshot() map[string][]json.RawMessage {
	t.clientLock.RLock()
	defer t.clientLock.RUnlock()

	tracked := make([]*Client, 0, len(t.presence))
	for c := range t.presence {
		tracked = append(tracked, c)
	}
	slices.SortFunc(tracked, func(a, b *Client) int {
		return strings.Compare(a.ref, b.ref)
	})

	state := make(map[string][]json.RawMessage, len(tracked))
	for _, c := range tracked {
		e := t.presence[c]
		state[e.key] = append(state[e.key], e.meta)
	}

	return state
}

func (t *Topic) getClient(c *Client) (string, bool) {
	t.clientLock.RLock()
	defer t.clientLock.RUnlock()
	key, ok := t.clients[c]
	return key, ok
}

func (t *Topic) addClient(c *Client, key string) {
	t.clientLock.Lock()
	t.clients[c] = key
	t.clientLock.Unlock()

	c.addTopic(t)
}

func (t *Topic) removeClient(c *Client) {
	t.clientLock.Lock()
	delete(t.clients, c)
	delete(t.presence, c)
	empty := len(t.clients) == 0
	t.clientLock.Unlock()

	c.delTopic(t.name)

	// if the client is the last one in the topic, start the kill timer
	if empty {
		t.log.Debug().Msg("no clients, starting kill timer")
		t.killTimer.Reset(idleTopicTimeout)
	}
}

func (t *Topic) broadcast(msg *protocol.ServerMessage) {
	t.clientLock.RLock()
	defer t.clientLock.RUnlock()

	for c := range t.clients {
		c.queueMessage(msg)
	}
}
