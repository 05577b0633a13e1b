package poller

import (
	"encoding/json"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/cardstream/pkg/cards"
	"github.com/go-go-golems/cardstream/pkg/metrics"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Strategy string

const (
	StrategyOnce     Strategy = "ONCE"
	StrategyRender   Strategy = "RENDER"
	StrategyInterval Strategy = "INTERVAL"
)

// ParseStrategy accepts the strategy names case-insensitively.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToUpper(strings.TrimSpace(s))); st {
	case StrategyOnce, StrategyRender, StrategyInterval:
		return st, nil
	}
	return "", errors.Errorf("unknown pull strategy %q", s)
}

const DefaultIntervalSeconds = 10

type PullConfig struct {
	Strategy        Strategy
	IntervalSeconds int
}

// Value renders the config in the card API's pullConfig shape.
func (c PullConfig) Value() cards.Value {
	m := map[string]cards.Value{"pullStrategy": cards.String(string(c.Strategy))}
	if c.Strategy == StrategyInterval {
		interval := c.IntervalSeconds
		if interval <= 0 {
			interval = DefaultIntervalSeconds
		}
		m["interval"] = cards.Int(interval)
		m["timeUnit"] = cards.String("SECONDS")
	}
	return cards.Map(m)
}

type Progress struct {
	Total    int
	Finished int
}

func (p Progress) Done() bool { return p.Finished >= p.Total }

// Percent is the rounded completion percentage.
func (p Progress) Percent() int {
	if p.Total <= 0 {
		return 100
	}
	return int(math.Round(float64(p.Finished) / float64(p.Total) * 100))
}

// Answer is the fresh data returned for one poll.
type Answer struct {
	Progress Progress
	Data     cards.Data
	// Changed is false when the poll was answered with unchanged data.
	Changed bool
}

type record struct {
	cfg      PullConfig
	progress Progress
	polled   bool
}

// Poller tracks pull progress per card instance. Entries live until Forget,
// which the session engine calls when the card state is evicted.
type Poller struct {
	mu      sync.Mutex
	records map[string]*record
	now     func() time.Time
}

func New() *Poller {
	return &Poller{records: map[string]*record{}, now: time.Now}
}

// SetClock replaces the clock used for update_at.
func (p *Poller) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	p.mu.Lock()
	p.now = now
	p.mu.Unlock()
}

func (p *Poller) Register(cardID string, cfg PullConfig, total int) error {
	if cardID == "" {
		return errors.New("poller: empty card id")
	}
	if _, err := ParseStrategy(string(cfg.Strategy)); err != nil {
		return err
	}
	if total < 0 {
		return errors.Errorf("poller: negative total %d", total)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records[cardID] = &record{cfg: cfg, progress: Progress{Total: total}}
	return nil
}

// Poll answers a data request for cardID. ok is false when the poll must be
// acknowledged without data: the card is unknown, a ONCE card was already
// answered, or an INTERVAL card already reached its total.
func (p *Poller) Poll(cardID string) (Answer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.records[cardID]
	if !ok {
		return Answer{}, false
	}
	strategy := string(r.cfg.Strategy)

	switch r.cfg.Strategy {
	case StrategyOnce:
		if r.polled {
			metrics.PollAnswers.WithLabelValues(strategy, "false").Inc()
			return Answer{}, false
		}
	case StrategyInterval:
		if r.progress.Done() {
			metrics.PollAnswers.WithLabelValues(strategy, "false").Inc()
			return Answer{}, false
		}
	}
	r.polled = true

	changed := false
	if !r.progress.Done() {
		r.progress.Finished++
		changed = true
	}
	metrics.PollAnswers.WithLabelValues(strategy, "true").Inc()
	log.Debug().Str("component", "poller").Str("card_id", cardID).Str("strategy", strategy).
		Int("finished", r.progress.Finished).Int("total", r.progress.Total).Msg("poll answered")

	return Answer{
		Progress: r.progress,
		Data:     progressData(r.progress, p.now()),
		Changed:  changed,
	}, true
}

func progressData(pr Progress, now time.Time) cards.Data {
	return cards.Data{
		"finished":   cards.Int(pr.Finished),
		"unfinished": cards.Int(pr.Total - pr.Finished),
		"progress":   cards.Int(pr.Percent()),
		"update_at":  cards.String(now.Format("01-02 15:04:05")),
	}
}

// Progress returns the tracked progress of cardID.
func (p *Poller) Progress(cardID string) (Progress, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.records[cardID]
	if !ok {
		return Progress{}, false
	}
	return r.progress, true
}

func (p *Poller) Forget(cardID string) {
	p.mu.Lock()
	delete(p.records, cardID)
	p.mu.Unlock()
}

func (p *Poller) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

// Response wraps an answer in the dataSourceQueryResponses envelope the
// gateway expects; the data object is passed as a JSON string.
func Response(sourceID string, a Answer) (cards.Value, error) {
	b, err := json.Marshal(cards.Map(a.Data))
	if err != nil {
		return cards.Value{}, errors.Wrap(err, "encode dynamic data")
	}
	return cards.Map(map[string]cards.Value{
		"dataSourceQueryResponses": cards.List(cards.Map(map[string]cards.Value{
			"data":                 cards.String(string(b)),
			"dynamicDataSourceId":  cards.String(sourceID),
			"dynamicDataValueType": cards.String("OBJECT"),
		})),
	}), nil
}
