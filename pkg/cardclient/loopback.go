package cardclient

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/go-go-golems/cardstream/pkg/cards"
	"github.com/go-go-golems/cardstream/pkg/cards/poller"
	"github.com/go-go-golems/cardstream/pkg/cards/session"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var ErrUnknownCard = errors.New("unknown card")

// Card is the rendered view of one delivered card.
type Card struct {
	ID             string                       `json:"id"`
	TemplateID     string                       `json:"template_id"`
	ConversationID string                       `json:"conversation_id"`
	Public         cards.Data                   `json:"public"`
	Private        cards.PrivateData            `json:"private,omitempty"`
	DynamicData    map[string]poller.PullConfig `json:"-"`
	Streams        map[string]StreamState       `json:"streams,omitempty"`
	UpdatedAt      time.Time                    `json:"updated_at"`
}

type StreamState struct {
	Content   string `json:"content"`
	Finalized bool   `json:"finalized"`
	Failed    bool   `json:"failed"`
}

func (c *Card) clone() Card {
	out := *c
	out.Public = c.Public.Clone()
	out.Private = c.Private.Clone()
	out.Streams = make(map[string]StreamState, len(c.Streams))
	for k, v := range c.Streams {
		out.Streams[k] = v
	}
	return out
}

// Frame is pushed to the websocket viewers of a card.
type Frame struct {
	Type   string     `json:"type"`
	CardID string     `json:"card_id"`
	UserID string     `json:"user_id,omitempty"`
	Data   cards.Data `json:"data,omitempty"`
	Card   *Card      `json:"card,omitempty"`
}

const (
	FrameSnapshot = "snapshot"
	FrameCard     = "card.update"
	FramePrivate  = "private.update"
	FrameStream   = "stream.update"
)

// Loopback is an in-process card platform: it issues card ids, applies
// updates to a rendered copy and pushes every change to websocket viewers.
type Loopback struct {
	mu          sync.Mutex
	cards       map[string]*Card
	pools       map[string]*ConnectionPool
	idleTimeout time.Duration
	now         func() time.Time
}

var _ session.CardClient = &Loopback{}

func NewLoopback(idleTimeout time.Duration) *Loopback {
	return &Loopback{
		cards:       map[string]*Card{},
		pools:       map[string]*ConnectionPool{},
		idleTimeout: idleTimeout,
		now:         time.Now,
	}
}

func (l *Loopback) CreateCard(_ context.Context, req session.CreateRequest) (string, error) {
	if req.TemplateID == "" {
		return "", errors.New("loopback: template id is required")
	}
	id := uuid.NewString()
	c := &Card{
		ID:             id,
		TemplateID:     req.TemplateID,
		ConversationID: req.ConversationID,
		Public:         req.Public.Clone(),
		Private:        req.Private.Clone(),
		DynamicData:    req.DynamicData,
		Streams:        map[string]StreamState{},
		UpdatedAt:      l.now(),
	}
	l.mu.Lock()
	l.cards[id] = c
	l.mu.Unlock()
	log.Debug().Str("component", "cardclient").Str("card_id", id).Str("template_id", req.TemplateID).Msg("card created")
	return id, nil
}

func (l *Loopback) UpdateCard(_ context.Context, cardID string, patch cards.Data, opts session.UpdateOptions) error {
	l.mu.Lock()
	c, ok := l.cards[cardID]
	if !ok {
		l.mu.Unlock()
		return errors.Wrapf(ErrUnknownCard, "card %s", cardID)
	}
	if opts.CardDataByKey {
		c.Public = c.Public.Merge(patch)
	} else {
		c.Public = patch.Clone()
	}
	c.UpdatedAt = l.now()
	l.mu.Unlock()
	l.broadcast(cardID, Frame{Type: FrameCard, CardID: cardID, Data: patch})
	return nil
}

func (l *Loopback) UpdatePrivateData(_ context.Context, cardID, userID string, patch cards.Data, opts session.UpdateOptions) error {
	l.mu.Lock()
	c, ok := l.cards[cardID]
	if !ok {
		l.mu.Unlock()
		return errors.Wrapf(ErrUnknownCard, "card %s", cardID)
	}
	if c.Private == nil {
		c.Private = cards.PrivateData{}
	}
	if opts.PrivateDataByKey {
		c.Private[userID] = c.Private[userID].Merge(patch)
	} else {
		c.Private[userID] = patch.Clone()
	}
	c.UpdatedAt = l.now()
	l.mu.Unlock()
	l.broadcast(cardID, Frame{Type: FramePrivate, CardID: cardID, UserID: userID, Data: patch})
	return nil
}

func (l *Loopback) StreamUpdate(_ context.Context, req session.StreamRequest) error {
	l.mu.Lock()
	c, ok := l.cards[req.CardID]
	if !ok {
		l.mu.Unlock()
		return errors.Wrapf(ErrUnknownCard, "card %s", req.CardID)
	}
	cur := c.Streams[req.Key]
	if cur.Finalized || cur.Failed {
		l.mu.Unlock()
		return errors.Errorf("loopback: stream %s of card %s is closed", req.Key, req.CardID)
	}
	if req.IsFull {
		cur.Content = req.Content
	} else {
		cur.Content += req.Content
	}
	cur.Finalized = req.IsFinalize
	cur.Failed = req.IsError
	c.Streams[req.Key] = cur
	c.Public = c.Public.Merge(cards.Data{req.Key: cards.String(cur.Content)})
	c.UpdatedAt = l.now()
	l.mu.Unlock()
	l.broadcast(req.CardID, Frame{Type: FrameStream, CardID: req.CardID, Data: cards.Data{
		req.Key:     cards.String(cur.Content),
		"finalized": cards.Bool(cur.Finalized),
		"failed":    cards.Bool(cur.Failed),
	}})
	return nil
}

// Snapshot returns a copy of the rendered card.
func (l *Loopback) Snapshot(cardID string) (Card, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.cards[cardID]
	if !ok {
		return Card{}, false
	}
	return c.clone(), true
}

// Cards returns the ids of all delivered cards, optionally limited to one
// conversation.
func (l *Loopback) Cards(conversationID string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var ids []string
	for id, c := range l.cards {
		if conversationID == "" || c.ConversationID == conversationID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// DynamicSources returns the cards that declared a dynamic data source.
func (l *Loopback) DynamicSources() map[string]map[string]poller.PullConfig {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := map[string]map[string]poller.PullConfig{}
	for id, c := range l.cards {
		if len(c.DynamicData) > 0 {
			out[id] = c.DynamicData
		}
	}
	return out
}

// Forget drops a card and closes its viewers.
func (l *Loopback) Forget(cardID string) {
	l.mu.Lock()
	delete(l.cards, cardID)
	pool := l.pools[cardID]
	delete(l.pools, cardID)
	l.mu.Unlock()
	pool.CloseAll()
}

// Attach registers conn as a viewer of cardID and sends it the current
// rendering.
func (l *Loopback) Attach(cardID string, conn wsConn) error {
	l.mu.Lock()
	c, ok := l.cards[cardID]
	if !ok {
		l.mu.Unlock()
		return errors.Wrapf(ErrUnknownCard, "card %s", cardID)
	}
	snap := c.clone()
	pool := l.poolLocked(cardID)
	l.mu.Unlock()

	pool.Add(conn)
	b, err := json.Marshal(Frame{Type: FrameSnapshot, CardID: cardID, Card: &snap})
	if err != nil {
		return errors.Wrap(err, "encode snapshot frame")
	}
	pool.SendToOne(conn, b)
	return nil
}

// Detach removes conn from the viewers of cardID and closes it.
func (l *Loopback) Detach(cardID string, conn wsConn) {
	l.mu.Lock()
	pool := l.pools[cardID]
	l.mu.Unlock()
	if pool == nil {
		_ = closeConn(conn)
		return
	}
	pool.Remove(conn)
}

func (l *Loopback) Viewers(cardID string) int {
	l.mu.Lock()
	pool := l.pools[cardID]
	l.mu.Unlock()
	return pool.Count()
}

func (l *Loopback) poolLocked(cardID string) *ConnectionPool {
	pool, ok := l.pools[cardID]
	if !ok {
		pool = NewConnectionPool(cardID, l.idleTimeout, func() {
			l.mu.Lock()
			if l.pools[cardID] != nil && l.pools[cardID].Count() == 0 {
				delete(l.pools, cardID)
			}
			l.mu.Unlock()
		})
		l.pools[cardID] = pool
	}
	return pool
}

func (l *Loopback) broadcast(cardID string, f Frame) {
	l.mu.Lock()
	pool := l.pools[cardID]
	l.mu.Unlock()
	if pool == nil {
		return
	}
	b, err := json.Marshal(f)
	if err != nil {
		log.Warn().Err(err).Str("component", "cardclient").Str("card_id", cardID).Msg("encode frame failed")
		return
	}
	pool.Broadcast(b)
}
