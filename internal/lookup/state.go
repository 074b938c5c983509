package lookup

import (
	"sync"
	"time"

	"go.uber.org/zap"

	derrors "github.com/shizukutanaka/kadnode/internal/errors"
	"github.com/shizukutanaka/kadnode/internal/kademlia"
	"github.com/shizukutanaka/kadnode/internal/wire"
)

type idKey = [kademlia.IDSize]byte

type candidate struct {
	contact kademlia.Contact
	hop     int
}

// request is the response handler for one dispatched query.
type request struct {
	s    *state
	to   kademlia.Contact
	hop  int
	sent time.Time
}

func (r *request) OnResponse(resp *wire.Message, elapsed time.Duration) {
	r.s.onResponse(r, resp, elapsed)
}

func (r *request) OnTimeout(elapsed time.Duration) {
	r.s.onTimeout(r, elapsed)
}

func (r *request) OnError(err error) {
	r.s.onError(r, err)
}

// responder is the contact that answered, at the address we queried.
func (r *request) responder(resp *wire.Message) kademlia.Contact {
	return kademlia.NewContact(resp.Sender, r.to.Address)
}

// state is one lookup in progress. Every field is guarded by mu.
type state struct {
	mu       sync.Mutex
	engine   *Engine
	strategy *strategy
	handle   *Handle
	target   kademlia.KeyID
	local    kademlia.Contact
	started  time.Time
	deadline time.Time
	timer    *time.Timer

	toQuery   []candidate
	seen      map[idKey]struct{}
	responses []kademlia.Contact
	hops      map[idKey]int

	inFlight    int
	maxInFlight int
	queried     int
	targetFound bool
	finished    bool

	value  []byte
	source kademlia.Contact
}

func newState(e *Engine, strat *strategy, target kademlia.KeyID) *state {
	now := time.Now()
	s := &state{
		engine:   e,
		strategy: strat,
		handle:   newHandle(strat.name, target),
		target:   target,
		local:    e.local.LocalContact(),
		started:  now,
		deadline: now.Add(e.config.Timeout),
		seen:     make(map[idKey]struct{}),
		hops:     make(map[idKey]int),
	}
	s.handle.cancel = s.cancel
	s.timer = time.AfterFunc(e.config.Timeout, s.expire)
	return s
}

// seed loads the initial candidates. The local node counts as already
// queried and as a responder.
func (s *state) seed(contacts []kademlia.Contact) {
	s.seen[s.local.ID.Key()] = struct{}{}
	s.responses = append(s.responses, s.local)
	for _, c := range contacts {
		s.consider(c, 1)
	}
}

// consider queues c unless it is the local node or already known to this
// lookup. It reports whether c was queued.
func (s *state) consider(c kademlia.Contact, hop int) bool {
	if !c.Valid() || s.engine.local.IsLocalID(c.ID) {
		return false
	}
	key := c.ID.Key()
	if _, ok := s.seen[key]; ok {
		return false
	}
	s.seen[key] = struct{}{}

	i := len(s.toQuery)
	for i > 0 && kademlia.IsCloser(c.ID, s.toQuery[i-1].contact.ID, s.target) {
		i--
	}
	s.toQuery = append(s.toQuery, candidate{})
	copy(s.toQuery[i+1:], s.toQuery[i:])
	s.toQuery[i] = candidate{contact: c, hop: hop}
	return true
}

// worst returns the responder furthest from the target, found as the one
// closest to the target's inverse.
func (s *state) worst() kademlia.Contact {
	far := s.target.Invert()
	w := s.responses[0]
	for _, c := range s.responses[1:] {
		if kademlia.IsCloser(c.ID, w.ID, far) {
			w = c
		}
	}
	return w
}

func (s *state) addResponder(c kademlia.Contact) {
	for _, r := range s.responses {
		if r.ID.Equal(c.ID) {
			return
		}
	}
	s.responses = append(s.responses, c)
	if len(s.responses) <= s.engine.config.K {
		return
	}
	w := s.worst()
	for i, r := range s.responses {
		if r.ID.Equal(w.ID) {
			s.responses = append(s.responses[:i], s.responses[i+1:]...)
			return
		}
	}
}

func (s *state) full() bool {
	return len(s.responses) >= s.engine.config.K
}

// advance checks for termination and picks the next candidates to query.
// The caller dispatches the returned requests after releasing the lock.
func (s *state) advance() []*request {
	if s.finished {
		return nil
	}
	if !time.Now().Before(s.deadline) {
		s.finish(ErrLookupTimeout)
		return nil
	}

	if s.inFlight == 0 {
		switch {
		case len(s.toQuery) == 0,
			s.strategy.converged(s),
			s.full() && !kademlia.IsCloser(s.toQuery[0].contact.ID, s.worst().ID, s.target):
			s.finish(nil)
			return nil
		}
	}

	var reqs []*request
	for s.inFlight < s.engine.config.Alpha && len(s.toQuery) > 0 {
		next := s.toQuery[0]
		if s.full() && !kademlia.IsCloser(next.contact.ID, s.worst().ID, s.target) {
			break
		}
		s.toQuery = s.toQuery[1:]
		s.inFlight++
		s.queried++
		if s.inFlight > s.maxInFlight {
			s.maxInFlight = s.inFlight
		}
		reqs = append(reqs, &request{s: s, to: next.contact, hop: next.hop})
	}

	if s.inFlight == 0 {
		s.finish(nil)
	}
	return reqs
}

func (s *state) dispatch(reqs []*request) {
	for _, r := range reqs {
		msg := wire.NewRequest(s.strategy.op, s.local.ID, s.target)
		r.sent = time.Now()
		s.engine.transport.Send(r.to, msg, r)
	}
}

func (s *state) onResponse(r *request, resp *wire.Message, elapsed time.Duration) {
	e := s.engine
	responder := r.responder(resp)

	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		e.table.Add(responder, true)
		return
	}
	s.inFlight--

	if !r.to.ID.Equal(resp.Sender) {
		reqs := s.advance()
		s.mu.Unlock()
		e.logger.Warn("Discarding response from unexpected node",
			zap.Stringer("expected", r.to.ID),
			zap.Stringer("got", resp.Sender))
		e.observeRequest(s.strategy.name, "error", elapsed)
		s.dispatch(reqs)
		return
	}

	var discovered []kademlia.Contact
	for _, c := range resp.Contacts {
		if s.consider(c, r.hop+1) {
			discovered = append(discovered, c)
		}
	}
	s.addResponder(responder)
	if s.hops[responder.ID.Key()] < r.hop {
		s.hops[responder.ID.Key()] = r.hop
	}
	if responder.ID.Equal(s.target) {
		s.targetFound = true
	}

	var reqs []*request
	if s.strategy.extract(s, r, resp) {
		s.finish(nil)
	} else {
		reqs = s.advance()
	}
	s.mu.Unlock()

	e.observeRequest(s.strategy.name, "response", elapsed)
	e.table.Add(responder, true)
	for _, c := range discovered {
		e.table.Add(c, false)
	}
	s.dispatch(reqs)
}

func (s *state) onTimeout(r *request, elapsed time.Duration) {
	e := s.engine
	e.observeRequest(s.strategy.name, "timeout", elapsed)
	e.table.HandleFailure(r.to.ID)

	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.inFlight--
	reqs := s.advance()
	s.mu.Unlock()

	s.dispatch(reqs)
}

func (s *state) onError(r *request, err error) {
	e := s.engine
	e.observeRequest(s.strategy.name, "error", time.Since(r.sent))

	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.inFlight--

	var reqs []*request
	if derrors.IsFatal(err) {
		e.logger.Warn("Lookup aborted", zap.String("lookup", s.handle.ID()), zap.Error(err))
		s.finish(err)
	} else {
		e.logger.Debug("Request failed",
			zap.String("lookup", s.handle.ID()),
			zap.Stringer("to", r.to),
			zap.Error(err))
		reqs = s.advance()
	}
	s.mu.Unlock()

	s.dispatch(reqs)
}

func (s *state) expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.finished {
		s.finish(ErrLookupTimeout)
	}
}

func (s *state) cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.finished {
		s.finish(ErrLookupCanceled)
	}
}

// finish completes the lookup. The lock must be held.
func (s *state) finish(err error) {
	s.finished = true
	s.timer.Stop()

	contacts := make([]kademlia.Contact, len(s.responses))
	copy(contacts, s.responses)
	kademlia.SortByDistance(contacts, s.target)

	hops := 0
	for _, h := range s.hops {
		if h > hops {
			hops = h
		}
	}

	result, err := s.strategy.finish(s, Result{
		Target:   s.target,
		Contacts: contacts,
		Hops:     hops,
		Queried:  s.queried,
		Elapsed:  time.Since(s.started),
	}, err)

	s.toQuery = nil
	s.engine.finished(s, result, err)
	s.handle.complete(result, err)
}
