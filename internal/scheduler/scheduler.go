package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"bookingsync/internal/domain"
	"bookingsync/internal/events"
	"bookingsync/internal/metrics"
	"bookingsync/internal/models"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

var (
	ErrMissingEntityID = errors.New("change event without entity id")
	ErrStopped         = errors.New("scheduler stopped")
	// ErrEntityBusy is returned by a Dispatcher when the entity already has
	// a running job; the event is kept and retried after another quiet period.
	ErrEntityBusy = errors.New("entity job is active")
)

// Dispatcher receives the latest event of an entity once its quiet period
// elapses.
type Dispatcher interface {
	Dispatch(ctx context.Context, event models.ChangeEvent, debounceCount int) error
}

type DispatcherFunc func(ctx context.Context, event models.ChangeEvent, debounceCount int) error

func (f DispatcherFunc) Dispatch(ctx context.Context, event models.ChangeEvent, debounceCount int) error {
	return f(ctx, event, debounceCount)
}

type DrainMode int

const (
	DrainDiscard DrainMode = iota
	DrainDispatch
)

type Options struct {
	QuietPeriod time.Duration
	Clock       clockwork.Clock
	Bus         domain.EventPublisher
	Logger      *zerolog.Logger
}

// Stats are cumulative counters since the scheduler was created.
type Stats struct {
	Pending          int    `json:"pending"`
	Debounced        uint64 `json:"debounced"`
	Dispatched       uint64 `json:"dispatched"`
	DispatchFailures uint64 `json:"dispatch_failures"`
	Rearmed          uint64 `json:"rearmed"`
}

// DebouncedPayload is published each time a pending event is replaced.
type DebouncedPayload struct {
	EntityID      string    `json:"entity_id"`
	DebounceCount int       `json:"debounce_count"`
	FireAt        time.Time `json:"fire_at"`
}

type pendingTimer struct {
	event           models.ChangeEvent
	firstReceivedAt time.Time
	fireAt          time.Time
	debounceCount   int
	gen             uint64
}

// Scheduler coalesces bursts of change events per entity. Each submit
// restarts the entity's quiet period; only the latest event is dispatched.
type Scheduler struct {
	dispatcher Dispatcher
	quiet      time.Duration
	clock      clockwork.Clock
	bus        domain.EventPublisher
	logger     zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pendingTimer
	timers  timerHeap
	gen     uint64
	stats   Stats
	stopped bool

	wakeCh chan struct{}
}

func New(dispatcher Dispatcher, opts Options) *Scheduler {
	if opts.QuietPeriod <= 0 {
		opts.QuietPeriod = models.DefaultQuietPeriod
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "scheduler").Logger()
	}
	return &Scheduler{
		dispatcher: dispatcher,
		quiet:      opts.QuietPeriod,
		clock:      opts.Clock,
		bus:        opts.Bus,
		logger:     logger,
		pending:    make(map[string]*pendingTimer),
		wakeCh:     make(chan struct{}, 1),
	}
}

// Submit records event as the latest change for entityID and restarts its
// quiet period.
func (s *Scheduler) Submit(entityID string, event models.ChangeEvent) error {
	if entityID == "" {
		return ErrMissingEntityID
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	now := s.clock.Now()
	p, replaced := s.pending[entityID]
	if replaced {
		p.debounceCount++
		s.stats.Debounced++
	} else {
		p = &pendingTimer{firstReceivedAt: now}
		s.pending[entityID] = p
	}
	p.event = event
	s.armLocked(entityID, p, now)
	count, fireAt, pendingN := p.debounceCount, p.fireAt, len(s.pending)
	s.mu.Unlock()

	metrics.SetPendingTimers(pendingN)
	s.wake()

	if replaced {
		metrics.IncWebhook("debounced")
		s.logger.Debug().
			Str("booking_id", entityID).
			Int("debounce_count", count).
			Time("fire_at", fireAt).
			Msg("quiet period restarted")
		if s.bus != nil {
			_ = s.bus.PublishJSON(events.WebhookDebounced, DebouncedPayload{
				EntityID:      entityID,
				DebounceCount: count,
				FireAt:        fireAt,
			})
		}
	}
	return nil
}

func (s *Scheduler) armLocked(key string, p *pendingTimer, now time.Time) {
	s.gen++
	p.gen = s.gen
	p.fireAt = now.Add(s.quiet)
	heap.Push(&s.timers, timerEntry{fireAt: p.fireAt, key: key, gen: p.gen})

	// Stale entries accumulate under heavy debouncing.
	if len(s.timers) > 2*len(s.pending)+64 {
		s.compactLocked()
	}
}

func (s *Scheduler) compactLocked() {
	live := make(timerHeap, 0, len(s.pending))
	for key, p := range s.pending {
		live = append(live, timerEntry{fireAt: p.fireAt, key: key, gen: p.gen})
	}
	heap.Init(&live)
	s.timers = live
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

type dueTimer struct {
	key string
	p   *pendingTimer
}

// FireDue dispatches every entity whose quiet period has elapsed and returns
// how many were dispatched successfully.
func (s *Scheduler) FireDue(ctx context.Context) int {
	now := s.clock.Now()
	s.mu.Lock()
	due := make([]dueTimer, 0)
	for len(s.timers) > 0 && !s.timers[0].fireAt.After(now) {
		e := heap.Pop(&s.timers).(timerEntry)
		p, ok := s.pending[e.key]
		if !ok || p.gen != e.gen {
			continue
		}
		delete(s.pending, e.key)
		due = append(due, dueTimer{key: e.key, p: p})
	}
	pendingN := len(s.pending)
	s.mu.Unlock()

	if len(due) == 0 {
		return 0
	}
	metrics.SetPendingTimers(pendingN)

	ok := 0
	for _, d := range due {
		if s.dispatch(ctx, d, true) {
			ok++
		}
	}
	return ok
}

func (s *Scheduler) dispatch(ctx context.Context, d dueTimer, rearm bool) bool {
	log := s.logger.With().
		Str("booking_id", d.key).
		Int("debounce_count", d.p.debounceCount).
		Dur("waited", s.clock.Since(d.p.firstReceivedAt)).
		Logger()

	err := s.dispatcher.Dispatch(ctx, d.p.event, d.p.debounceCount)
	if err == nil {
		s.mu.Lock()
		s.stats.Dispatched++
		s.mu.Unlock()
		metrics.IncWebhook("dispatched")
		log.Info().Msg("coalesced event dispatched")
		return true
	}

	busy := errors.Is(err, ErrEntityBusy)
	s.mu.Lock()
	s.stats.DispatchFailures++
	rearmed, held := false, false
	if _, newer := s.pending[d.key]; !newer {
		switch {
		case rearm && !s.stopped:
			s.pending[d.key] = d.p
			s.armLocked(d.key, d.p, s.clock.Now())
			s.stats.Rearmed++
			rearmed = true
		case busy:
			// No timer: the event waits for the next DrainAll.
			s.pending[d.key] = d.p
			held = true
		}
	}
	s.mu.Unlock()

	switch {
	case busy && rearmed:
		log.Debug().Msg("booking job is running, event kept for another quiet period")
	case held:
		log.Warn().Msg("booking job is running, event held for the next drain")
	case busy:
		log.Debug().Msg("booking job is running, event superseded by a newer one")
	case rearmed:
		log.Warn().Err(err).Msg("dispatch failed, event re-armed")
	default:
		log.Error().Err(err).Msg("dispatch failed")
	}
	if rearmed {
		s.wake()
	}
	return false
}

// Run fires timers until ctx is done. Pending timers are left in place for
// DrainAll.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		s.FireDue(ctx)

		var (
			timer  clockwork.Timer
			expiry <-chan time.Time
		)
		if next, ok := s.nextFire(); ok {
			d := next.Sub(s.clock.Now())
			if d < 0 {
				d = 0
			}
			timer = s.clock.NewTimer(d)
			expiry = timer.Chan()
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.wakeCh:
		case <-expiry:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (s *Scheduler) nextFire() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.timers) > 0 {
		head := s.timers[0]
		if p, ok := s.pending[head.key]; ok && p.gen == head.gen {
			return head.fireAt, true
		}
		heap.Pop(&s.timers)
	}
	return time.Time{}, false
}

// DrainAll empties the scheduler and stops accepting submits. With
// DrainDispatch every pending event is dispatched immediately, oldest
// deadline first; the count of successful dispatches is returned. An event
// whose entity is busy stays pending so a later DrainAll, run once the
// workers have stopped, can dispatch it. With DrainDiscard the events are
// dropped and their count returned.
func (s *Scheduler) DrainAll(ctx context.Context, mode DrainMode) int {
	s.mu.Lock()
	s.stopped = true
	all := make([]dueTimer, 0, len(s.pending))
	for key, p := range s.pending {
		all = append(all, dueTimer{key: key, p: p})
	}
	s.pending = make(map[string]*pendingTimer)
	s.timers = nil
	s.mu.Unlock()

	metrics.SetPendingTimers(0)
	sort.Slice(all, func(i, j int) bool { return all[i].p.fireAt.Before(all[j].p.fireAt) })

	if mode == DrainDiscard {
		if len(all) > 0 {
			s.logger.Warn().Int("events", len(all)).Msg("pending events discarded")
		}
		return len(all)
	}

	ok := 0
	for _, d := range all {
		if s.dispatch(ctx, d, false) {
			ok++
		}
	}
	s.mu.Lock()
	held := len(s.pending)
	s.mu.Unlock()
	metrics.SetPendingTimers(held)
	s.logger.Info().Int("dispatched", ok).Int("pending", len(all)).Int("held", held).Msg("pending events drained")
	return ok
}

// Status lists the entities with a live quiet-period timer.
func (s *Scheduler) Status() models.PendingStatus {
	s.mu.Lock()
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	sort.Strings(ids)
	return models.PendingStatus{Count: len(ids), EntityIDs: ids}
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Pending = len(s.pending)
	return st
}
