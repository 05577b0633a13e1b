package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/cardstream/pkg/cards"
	"github.com/go-go-golems/cardstream/pkg/cards/router"
	"github.com/go-go-golems/geppetto/pkg/events"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultInboundTopic = "cardstream.gateway.inbound"
	DefaultAckTopic     = "cardstream.gateway.acks"

	StatusUnavailable = 503
)

// AckFrame answers one inbound event on the ack topic.
type AckFrame struct {
	ID      string      `json:"id"`
	Topic   string      `json:"topic"`
	Status  int         `json:"status"`
	Message string      `json:"message"`
	Payload cards.Value `json:"payload"`
}

type Options struct {
	InboundTopic string
	AckTopic     string
}

type job struct {
	ev   router.Event
	done chan router.Ack
}

// keyQueue holds the pending events of one ordering key. At most one drain
// goroutine runs per key.
type keyQueue struct {
	queue   []job
	running bool
}

// Gateway feeds inbound gateway events to the dispatcher. Events with the
// same key are handled one after another in arrival order; different keys run
// concurrently.
type Gateway struct {
	dispatcher *router.Router
	publisher  message.Publisher
	opts       Options

	mu     sync.Mutex
	queues map[string]*keyQueue
	ctx    context.Context
	closed bool
	wg     sync.WaitGroup
}

func New(dispatcher *router.Router, publisher message.Publisher, opts Options) (*Gateway, error) {
	if dispatcher == nil {
		return nil, errors.New("gateway: dispatcher is required")
	}
	if opts.InboundTopic == "" {
		opts.InboundTopic = DefaultInboundTopic
	}
	if opts.AckTopic == "" {
		opts.AckTopic = DefaultAckTopic
	}
	return &Gateway{
		dispatcher: dispatcher,
		publisher:  publisher,
		opts:       opts,
		queues:     map[string]*keyQueue{},
		ctx:        context.Background(),
	}, nil
}

// Register subscribes the gateway to its inbound topic on er.
func (g *Gateway) Register(er *events.EventRouter) {
	er.AddHandler("cardstream-gateway", g.opts.InboundTopic, g.HandleMessage)
}

// Run handles events in ctx until it is done, then waits for the queued
// events to drain.
func (g *Gateway) Run(ctx context.Context) error {
	g.mu.Lock()
	g.ctx = ctx
	g.mu.Unlock()
	<-ctx.Done()
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.wg.Wait()
	return nil
}

// HandleMessage decodes one inbound frame and queues it. Frames that do not
// decode are acknowledged and dropped.
func (g *Gateway) HandleMessage(msg *message.Message) error {
	msg.Ack()
	var ev router.Event
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		log.Warn().Err(err).Str("component", "gateway").Str("msg_id", msg.UUID).Msg("failed to decode inbound event")
		return nil
	}
	if ev.ID == "" {
		ev.ID = msg.UUID
	}
	g.enqueue(job{ev: ev})
	return nil
}

// Submit queues ev behind the pending events of its key and waits for its
// ack.
func (g *Gateway) Submit(ctx context.Context, ev router.Event) (router.Ack, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	done := make(chan router.Ack, 1)
	g.enqueue(job{ev: ev, done: done})
	select {
	case ack := <-done:
		return ack, nil
	case <-ctx.Done():
		return router.Ack{}, ctx.Err()
	}
}

func (g *Gateway) enqueue(j job) {
	key := j.ev.Key()
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		log.Warn().Str("component", "gateway").Str("event_id", j.ev.ID).Str("topic", j.ev.Topic).Msg("gateway closed, event dropped")
		if j.done != nil {
			j.done <- router.Ack{Status: StatusUnavailable, Message: "gateway closed"}
		}
		return
	}
	q, ok := g.queues[key]
	if !ok {
		q = &keyQueue{}
		g.queues[key] = q
	}
	q.queue = append(q.queue, j)
	start := !q.running
	q.running = true
	if start {
		g.wg.Add(1)
	}
	g.mu.Unlock()

	if start {
		go g.drain(key, q)
	}
}

func (g *Gateway) dequeue(key string, q *keyQueue) (job, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(q.queue) == 0 {
		q.running = false
		delete(g.queues, key)
		return job{}, false
	}
	j := q.queue[0]
	q.queue = q.queue[1:]
	return j, true
}

func (g *Gateway) drain(key string, q *keyQueue) {
	defer g.wg.Done()
	for {
		j, ok := g.dequeue(key, q)
		if !ok {
			return
		}
		g.mu.Lock()
		ctx := g.ctx
		g.mu.Unlock()

		ack := g.dispatcher.Dispatch(ctx, j.ev)
		if j.done != nil {
			j.done <- ack
		}
		g.publishAck(j.ev, ack)
	}
}

func (g *Gateway) publishAck(ev router.Event, ack router.Ack) {
	if g.publisher == nil {
		return
	}
	b, err := json.Marshal(AckFrame{
		ID:      ev.ID,
		Topic:   ev.Topic,
		Status:  ack.Status,
		Message: ack.Message,
		Payload: ack.Payload,
	})
	if err != nil {
		log.Warn().Err(err).Str("component", "gateway").Str("event_id", ev.ID).Msg("failed to encode ack")
		return
	}
	msg := message.NewMessage(uuid.NewString(), b)
	msg.Metadata.Set("event_id", ev.ID)
	if err := g.publisher.Publish(g.opts.AckTopic, msg); err != nil {
		log.Warn().Err(err).Str("component", "gateway").Str("event_id", ev.ID).Msg("failed to publish ack")
	}
}
