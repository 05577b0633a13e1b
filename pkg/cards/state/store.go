package state

import (
	"context"
	"sync"
	"time"

	"github.com/go-go-golems/cardstream/pkg/metrics"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var ErrCardNotFound = errors.New("card state not found")

// Initializer builds the first state of a card. The store assigns the card id
// and the version.
type Initializer func() State

// MutateFunc receives a copy of the current state and returns the next one.
// Returning an error aborts the mutation; nothing is written.
type MutateFunc func(State) (State, error)

// SnapshotStore persists states so they survive eviction and restarts.
type SnapshotStore interface {
	Save(ctx context.Context, st State) error
	Load(ctx context.Context, cardID string) (State, bool, error)
	Delete(ctx context.Context, cardID string) error
}

type entry struct {
	id string

	// lock is a one-slot semaphore; waiting on it respects ctx.
	lock chan struct{}

	state State

	// live is written with both lock and Store.mu held.
	live bool

	// guarded by Store.mu
	refs       int
	lastActive time.Time
}

// Store maps card ids to session state. Mutations of one card are applied one
// at a time in arrival order; different cards never wait on each other.
type Store struct {
	mu        sync.Mutex
	entries   map[string]*entry
	snapshots SnapshotStore
	listeners []func(cardID string)
	now       func() time.Time

	evictIdle     time.Duration
	evictInterval time.Duration
	evictRunning  bool
}

type Option func(*Store)

func WithSnapshotStore(ss SnapshotStore) Option {
	return func(s *Store) { s.snapshots = ss }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		entries: map[string]*entry{},
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// OnEvict registers fn to be called once a card state is gone for good: on
// Evict, and on idle eviction when there is no snapshot store to rehydrate
// from.
func (s *Store) OnEvict(fn func(cardID string)) {
	if s == nil || fn == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Store) acquire(ctx context.Context, cardID string) (*entry, error) {
	if cardID == "" {
		return nil, errors.New("state: empty card id")
	}
	s.mu.Lock()
	e, ok := s.entries[cardID]
	if !ok {
		e = &entry{id: cardID, lock: make(chan struct{}, 1)}
		s.entries[cardID] = e
	}
	e.refs++
	s.mu.Unlock()

	select {
	case e.lock <- struct{}{}:
		return e, nil
	case <-ctx.Done():
		s.unref(e)
		return nil, errors.Wrapf(ctx.Err(), "state: waiting for card %s", cardID)
	}
}

func (s *Store) release(e *entry) {
	<-e.lock
	s.unref(e)
}

func (s *Store) unref(e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.refs--
	e.lastActive = s.now()
	if e.refs == 0 && !e.live {
		if current, ok := s.entries[e.id]; ok && current == e {
			delete(s.entries, e.id)
		}
	}
}

// load makes e live from the snapshot store. Called with e.lock held.
func (s *Store) load(ctx context.Context, e *entry) (bool, error) {
	if e.live {
		return true, nil
	}
	if s.snapshots == nil {
		return false, nil
	}
	st, ok, err := s.snapshots.Load(ctx, e.id)
	if err != nil {
		return false, errors.Wrapf(err, "state: load snapshot for card %s", e.id)
	}
	if !ok {
		return false, nil
	}
	e.state = st.Clone()
	s.setLive(e, true)
	log.Debug().Str("component", "card_state").Str("card_id", e.id).Uint64("version", st.Version).Msg("card state rehydrated from snapshot")
	return true, nil
}

// GetOrCreate returns the state of cardID, creating it with init when the
// card is unknown. Creation does not count as a mutation: a new state starts
// at version 0.
func (s *Store) GetOrCreate(ctx context.Context, cardID string, init Initializer) (State, error) {
	if s == nil {
		return State{}, errors.New("state: nil store")
	}
	e, err := s.acquire(ctx, cardID)
	if err != nil {
		return State{}, err
	}
	defer s.release(e)

	ok, err := s.load(ctx, e)
	if err != nil {
		return State{}, err
	}
	if !ok {
		var st State
		if init != nil {
			st = init()
		}
		st = st.Clone()
		st.Card.ID = cardID
		if st.Card.CreatedAt.IsZero() {
			st.Card.CreatedAt = s.now()
		}
		st.Version = 0
		st.UpdatedAt = s.now()
		e.state = st
		s.setLive(e, true)
		s.save(ctx, e.state)
	}
	return e.state.Clone(), nil
}

// Get returns a copy of the current state of cardID.
func (s *Store) Get(ctx context.Context, cardID string) (State, error) {
	if s == nil {
		return State{}, errors.New("state: nil store")
	}
	e, err := s.acquire(ctx, cardID)
	if err != nil {
		return State{}, err
	}
	defer s.release(e)

	ok, err := s.load(ctx, e)
	if err != nil {
		return State{}, err
	}
	if !ok {
		return State{}, errors.Wrapf(ErrCardNotFound, "card %s", cardID)
	}
	return e.state.Clone(), nil
}

// Mutate applies fn to the current state of cardID and stores the result
// with the version incremented. It is the only write path of the store.
func (s *Store) Mutate(ctx context.Context, cardID string, fn MutateFunc) (State, error) {
	if s == nil {
		return State{}, errors.New("state: nil store")
	}
	if fn == nil {
		return State{}, errors.New("state: nil mutate func")
	}
	e, err := s.acquire(ctx, cardID)
	if err != nil {
		return State{}, err
	}
	defer s.release(e)

	ok, err := s.load(ctx, e)
	if err != nil {
		return State{}, err
	}
	if !ok {
		metrics.StateMutations.WithLabelValues("not_found").Inc()
		return State{}, errors.Wrapf(ErrCardNotFound, "card %s", cardID)
	}

	next, err := fn(e.state.Clone())
	if err != nil {
		metrics.StateMutations.WithLabelValues("aborted").Inc()
		return State{}, err
	}
	next = next.Clone()
	next.Card = e.state.Card
	next.Version = e.state.Version + 1
	next.UpdatedAt = s.now()
	e.state = next
	metrics.StateMutations.WithLabelValues("ok").Inc()

	s.save(ctx, e.state)
	return e.state.Clone(), nil
}

// setLive is called with e.lock held; live is also read under s.mu.
func (s *Store) setLive(e *entry, live bool) {
	s.mu.Lock()
	e.live = live
	s.mu.Unlock()
	if live {
		metrics.LiveCards.Inc()
	}
}

func (s *Store) save(ctx context.Context, st State) {
	if s.snapshots == nil {
		return
	}
	if err := s.snapshots.Save(ctx, st); err != nil {
		log.Warn().Err(err).Str("component", "card_state").Str("card_id", st.Card.ID).Uint64("version", st.Version).Msg("card state snapshot failed")
	}
}

// Evict drops the state of cardID, as on a card expiry notification from the
// gateway. It waits behind pending mutations of the same card and also
// removes the persisted snapshot.
func (s *Store) Evict(ctx context.Context, cardID string) (bool, error) {
	if s == nil {
		return false, nil
	}
	e, err := s.acquire(ctx, cardID)
	if err != nil {
		return false, err
	}
	wasLive := e.live
	e.state = State{}
	s.mu.Lock()
	e.live = false
	s.mu.Unlock()
	if s.snapshots != nil {
		if err := s.snapshots.Delete(ctx, cardID); err != nil {
			log.Warn().Err(err).Str("component", "card_state").Str("card_id", cardID).Msg("card state snapshot delete failed")
		}
	}
	s.release(e)

	if wasLive {
		metrics.RecordEviction("expired", 1)
	}
	s.notifyEvicted(cardID)
	return wasLive, nil
}

func (s *Store) notifyEvicted(cardID string) {
	s.mu.Lock()
	listeners := append([]func(string){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(cardID)
	}
}

// Len returns the number of card states held in memory.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.live {
			n++
		}
	}
	return n
}
