package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/npezzotti/message-lounge/internal/protocol"
	"github.com/npezzotti/message-lounge/internal/stats"
	"github.com/rs/zerolog"
)

const relayPublishTimeout = 5 * time.Second

// Relay forwards broadcasts accepted on this node to the other nodes of a
// cluster.
type Relay interface {
	Publish(ctx context.Context, topic, event string, payload json.RawMessage) error
}

type stopReq struct {
	done chan struct{}
}

type remoteBroadcast struct {
	topic   string
	event   string
	payload json.RawMessage
}

type ChatServer struct {
	log             zerolog.Logger
	stats           stats.StatsProvider
	relay           Relay
	clients         map[*Client]struct{}
	clientsLock     sync.Mutex
	joinChan        chan *request
	registerChan    chan *Client
	deRegisterChan  chan *Client
	unloadTopicChan chan string
	remoteChan      chan remoteBroadcast
	publishChan     chan remoteBroadcast
	topics          map[string]*Topic
	topicsLock      sync.RWMutex
	stop            chan stopReq
}

func NewChatServer(logger zerolog.Logger, su stats.StatsProvider, relay Relay) (*ChatServer, error) {
	su.RegisterMetric(stats.NumActiveClients)
	su.RegisterMetric(stats.NumActiveTopics)
	su.RegisterMetric(stats.NumBroadcasts)
	su.RegisterMetric(stats.NumRelayed)

	return &ChatServer{
		log:             logger.With().Str("component", "chat-server").Logger(),
		stats:           su,
		relay:           relay,
		clients:         make(map[*Client]struct{}),
		joinChan:        make(chan *request, 256),
		registerChan:    make(chan *Client, 256),
		deRegisterChan:  make(chan *Client, 256),
		unloadTopicChan: make(chan string, 256),
		remoteChan:      make(chan remoteBroadcast, 256),
		publishChan:     make(chan remoteBroadcast, 256),
		topics:          make(map[string]*Topic),
		stop:            make(chan stopReq),
	}, nil
}

func (cs *ChatServer) Run() {
	if cs.relay != nil {
		go cs.publishRelayed()
	}

	for {
		select {
		case req := <-cs.joinChan:
			if req.Leave != nil {
				cs.handleLeave(req)
			} else {
				cs.handleJoin(req)
			}
		case client := <-cs.registerChan:
			cs.log.Debug().Str("user", client.user.Username).Msg("adding connection")
			cs.addClient(client)
		case client := <-cs.deRegisterChan:
			cs.log.Debug().Str("user", client.user.Username).Msg("removing connection")
			cs.removeClient(client)
		case name := <-cs.unloadTopicChan:
			cs.handleUnloadTopic(name)
		case rb := <-cs.remoteChan:
			cs.handleRemote(rb)
		case req := <-cs.stop:
			cs.handleShutdown()
			close(req.done)
			return
		}
	}
}

func (cs *ChatServer) handleJoin(join *request) {
	name := join.Join.Topic
	if name == "" {
		join.client.queueMessage(protocol.ErrInvalidMessage(join.Id))
		return
	}

	t, ok := cs.getTopic(name)
	if !ok {
		t = newTopic(name, cs)
		cs.addTopic(name, t)
		go t.start()
	}

	select {
	case t.joinChan <- join:
	default:
		cs.log.Warn().Str("topic", name).Msg("join channel full")
		join.client.queueMessage(protocol.ErrServiceUnavailable(join.Id))
	}
}

// handleLeave receives leaves for topics the connection had not joined yet
// when the leave was read. They are queued behind the joins that preceded
// them.
func (cs *ChatServer) handleLeave(leave *request) {
	t, ok := cs.getTopic(leave.Leave.Topic)
	if !ok {
		if leave.Id > 0 {
			leave.client.queueMessage(protocol.ErrTopicNotFound(leave.Id))
		}
		return
	}

	select {
	case t.leaveChan <- leave:
	default:
		cs.log.Warn().Str("topic", t.name).Msg("leave channel full")
		leave.client.queueMessage(protocol.ErrServiceUnavailable(leave.Id))
	}
}

// handleUnloadTopic asks an idle topic to exit. The topic refuses when a
// member joined after the idle timer fired.
func (cs *ChatServer) handleUnloadTopic(name string) {
	t, ok := cs.getTopic(name)
	if !ok {
		return
	}

	done := make(chan bool, 1)
	t.exit <- exitReq{idle: true, done: done}
	if !<-done {
		cs.log.Debug().Str("topic", name).Msg("topic became active, keeping it loaded")
		return
	}

	cs.removeTopic(name)
}

func (cs *ChatServer) handleRemote(rb remoteBroadcast) {
	t, ok := cs.getTopic(rb.topic)
	if !ok {
		// no local members
		return
	}

	select {
	case t.remoteChan <- rb:
	default:
		cs.log.Warn().Str("topic", rb.topic).Msg("remote channel full, dropping broadcast")
	}
}

func (cs *ChatServer) handleShutdown() {
	cs.log.Info().Msg("shutting down topics")
	cs.topicsLock.RLock()
	topics := make([]*Topic, 0, len(cs.topics))
	for _, t := range cs.topics {
		topics = append(topics, t)
	}
	cs.topicsLock.RUnlock()

	for _, t := range topics {
		done := make(chan bool, 1)
		t.exit <- exitReq{done: done}
		<-done
		cs.removeTopic(t.name)
	}

	cs.clientsLock.Lock()
	for c := range cs.clients {
		c.stopClient()
	}
	cs.clientsLock.Unlock()

	if cs.relay != nil {
		close(cs.publishChan)
	}
}

// publishRelayed drains publishChan in order so relayed broadcasts keep the
// order in which this node accepted them.
func (cs *ChatServer) publishRelayed() {
	for rb := range cs.publishChan {
		ctx, cancel := context.WithTimeout(context.Background(), relayPublishTimeout)
		if err := cs.relay.Publish(ctx, rb.topic, rb.event, rb.payload); err != nil {
			cs.log.Error().Err(err).Str("topic", rb.topic).Msg("relay publish")
		}
		cancel()
	}
}

func (cs *ChatServer) relayBroadcast(topic, event string, payload json.RawMessage) {
	if cs.relay == nil {
		return
	}

	select {
	case cs.publishChan <- remoteBroadcast{topic: topic, event: event, payload: payload}:
	default:
		cs.log.Warn().Str("topic", topic).Msg("publish channel full, broadcast not relayed")
	}
}

// Deliver hands a broadcast received from another node to the local members
// of its topic.
func (cs *ChatServer) Deliver(topic, event string, payload json.RawMessage) {
	select {
	case cs.remoteChan <- remoteBroadcast{topic: topic, event: event, payload: payload}:
	default:
		cs.log.Warn().Str("topic", topic).Msg("remote channel full, dropping broadcast")
	}
}

func (cs *ChatServer) RegisterClient(c *Client) {
	cs.registerChan <- c
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	cs.clients[c] = struct{}{}
	cs.stats.Incr(stats.NumActiveClients)
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	if _, ok := cs.clients[c]; !ok {
		return
	}
	delete(cs.clients, c)
	cs.stats.Decr(stats.NumActiveClients)
}

func (cs *ChatServer) getTopic(name string) (*Topic, bool) {
	cs.topicsLock.RLock()
	defer cs.topicsLock.RUnlock()
	t, ok := cs.topics[name]
	return t, ok
}

func (cs *ChatServer) addTopic(name string, t *Topic) {
	cs.topicsLock.Lock()
	defer cs.topicsLock.Unlock()
	cs.topics[name] = t
	cs.stats.Incr(stats.NumActiveTopics)
	cs.log.Debug().Str("topic", name).Msg("loaded topic")
}

func (cs *ChatServer) removeTopic(name string) {
	cs.topicsLock.Lock()
	defer cs.topicsLock.Unlock()
	if _, ok := cs.topics[name]; !ok {
		return
	}
	delete(cs.topics, name)
	cs.stats.Decr(stats.NumActiveTopics)
	cs.log.Debug().Str("topic", name).Msg("unloaded topic")
}

func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Info().Msg("received shutdown signal")
	req := stopReq{done: make(chan struct{})}

	select {
	case cs.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
