// Package transport carries wire messages over UDP. Every response, timeout
// and error callback, as well as every incoming request, is delivered from a
// single event-loop goroutine per transport.
package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	derrors "github.com/shizukutanaka/kadnode/internal/errors"
	"github.com/shizukutanaka/kadnode/internal/kademlia"
	"github.com/shizukutanaka/kadnode/internal/wire"
)

var (
	// ErrTransportClosed is reported for sends after Close and for requests
	// still pending when the transport shuts down.
	ErrTransportClosed = derrors.New(derrors.KindFatal, "transport.send", "transport closed")

	errInvalidContact    = derrors.New(derrors.KindMalformed, "transport.send", "contact without id or usable address")
	errResponderMismatch = derrors.New(derrors.KindIdentityConflict, "transport.receive", "responder id mismatch")
)

// ResponseHandler receives the outcome of one Send. Exactly one method is
// called, from the event loop.
type ResponseHandler interface {
	OnResponse(resp *wire.Message, elapsed time.Duration)
	OnTimeout(elapsed time.Duration)
	OnError(err error)
}

// RequestHandler answers incoming requests. A nil reply sends nothing.
type RequestHandler interface {
	HandleRequest(req *wire.Message, from *net.UDPAddr) *wire.Message
}

// Config holds the UDP transport settings.
type Config struct {
	ListenAddr     string        `yaml:"listen_addr"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// RateLimit is the sustained number of requests per second accepted from
	// one source IP. Zero disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// DefaultConfig returns the transport defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     "0.0.0.0:4222",
		RequestTimeout: 2 * time.Second,
		RateLimit:      50,
		RateBurst:      100,
	}
}

// Stats are cumulative transport counters.
type Stats struct {
	Sent        uint64 `json:"sent"`
	Received    uint64 `json:"received"`
	Timeouts    uint64 `json:"timeouts"`
	Malformed   uint64 `json:"malformed"`
	RateLimited uint64 `json:"rate_limited"`
	Unsolicited uint64 `json:"unsolicited"`
	Pending     int    `json:"pending"`
}

type pending struct {
	to           kademlia.Contact
	anyResponder bool
	op           wire.Op
	handler      ResponseHandler
	sent         time.Time
	timer        *time.Timer
}

// UDP is a datagram transport.
type UDP struct {
	logger  *zap.Logger
	config  Config
	handler RequestHandler
	limiter *ipLimiter

	conn *net.UDPConn

	mu      sync.Mutex
	pending map[[kademlia.IDSize]byte]*pending
	closed  bool

	qmu      sync.Mutex
	queue    []func()
	loopDone bool
	wake     chan struct{}
	stop     chan struct{}
	wg       sync.WaitGroup

	sent        atomic.Uint64
	received    atomic.Uint64
	timeouts    atomic.Uint64
	malformed   atomic.Uint64
	rateLimited atomic.Uint64
	unsolicited atomic.Uint64
}

// NewUDP creates a transport. Listen must be called before Send.
func NewUDP(logger *zap.Logger, config Config, handler RequestHandler) *UDP {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultConfig().RequestTimeout
	}
	return &UDP{
		logger:  logger,
		config:  config,
		handler: handler,
		limiter: newIPLimiter(config.RateLimit, config.RateBurst),
		pending: make(map[[kademlia.IDSize]byte]*pending),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
}

// Listen binds the socket and starts the receive and event loops.
func (t *UDP) Listen() error {
	udpAddr, err := net.ResolveUDPAddr("udp", t.config.ListenAddr)
	if err != nil {
		return derrors.Wrap(derrors.KindFatal, "transport.listen", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return derrors.Wrap(derrors.KindFatal, "transport.listen", err)
	}
	t.conn = conn

	t.wg.Add(3)
	go t.eventLoop()
	go t.receiveLoop()
	go t.cleanupLoop()

	t.logger.Info("UDP transport listening", zap.String("address", conn.LocalAddr().String()))
	return nil
}

// LocalAddr returns the bound address.
func (t *UDP) LocalAddr() string {
	if t.conn == nil {
		return t.config.ListenAddr
	}
	return t.conn.LocalAddr().String()
}

// Send transmits req to the contact and reports the outcome to h. It never
// blocks on the network. After Close, h.OnError is called synchronously.
// Only a reply from the contact's own id completes the request.
func (t *UDP) Send(to kademlia.Contact, req *wire.Message, h ResponseHandler) {
	if t.isClosed() {
		h.OnError(ErrTransportClosed)
		return
	}
	if !to.Valid() {
		t.deliver(func() { h.OnError(errInvalidContact) })
		return
	}
	t.send(to, false, req, h)
}

// SendToAddress sends req to an address whose node id is not known yet. A
// reply from any node completes it; the caller decides what to make of the
// sender.
func (t *UDP) SendToAddress(address string, req *wire.Message, h ResponseHandler) {
	if t.isClosed() {
		h.OnError(ErrTransportClosed)
		return
	}
	t.send(kademlia.Contact{Address: address}, true, req, h)
}

func (t *UDP) send(to kademlia.Contact, anyResponder bool, req *wire.Message, h ResponseHandler) {
	data, err := wire.Encode(req)
	if err != nil {
		t.deliver(func() { h.OnError(derrors.Wrap(derrors.KindMalformed, "transport.send", err)) })
		return
	}
	addr, err := net.ResolveUDPAddr("udp", to.Address)
	if err != nil {
		t.deliver(func() { h.OnError(derrors.Wrap(derrors.KindMalformed, "transport.resolve", err)) })
		return
	}

	key := req.ID.Key()
	p := &pending{to: to, anyResponder: anyResponder, op: req.Op.Response(), handler: h, sent: time.Now()}

	t.mu.Lock()
	if t.closed || t.conn == nil {
		t.mu.Unlock()
		h.OnError(ErrTransportClosed)
		return
	}
	if _, dup := t.pending[key]; dup {
		t.mu.Unlock()
		t.deliver(func() {
			h.OnError(derrors.New(derrors.KindMalformed, "transport.send", "duplicate message id"))
		})
		return
	}
	t.pending[key] = p
	p.timer = time.AfterFunc(t.config.RequestTimeout, func() { t.expire(key) })
	t.mu.Unlock()

	if _, err := t.conn.WriteToUDP(data, addr); err != nil {
		if t.take(key) == nil {
			return
		}
		p.timer.Stop()
		t.deliver(func() { h.OnError(derrors.Wrap(derrors.KindTransient, "transport.write", err)) })
		return
	}
	t.sent.Add(1)
}

func (t *UDP) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed || t.conn == nil
}

// take removes and returns the pending request for key, if any.
func (t *UDP) take(key [kademlia.IDSize]byte) *pending {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[key]
	if !ok {
		return nil
	}
	delete(t.pending, key)
	return p
}

func (t *UDP) expire(key [kademlia.IDSize]byte) {
	p := t.take(key)
	if p == nil {
		return
	}
	t.timeouts.Add(1)
	elapsed := time.Since(p.sent)
	t.deliver(func() { p.handler.OnTimeout(elapsed) })
}

// deliver queues fn for the event loop. The queue is unbounded so that code
// running on the loop may itself deliver.
func (t *UDP) deliver(fn func()) {
	t.qmu.Lock()
	if t.loopDone {
		t.qmu.Unlock()
		return
	}
	t.queue = append(t.queue, fn)
	t.qmu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *UDP) eventLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.wake:
			t.drain()
		case <-t.stop:
			t.drain()
			t.qmu.Lock()
			t.loopDone = true
			t.queue = nil
			t.qmu.Unlock()
			return
		}
	}
}

func (t *UDP) drain() {
	for {
		t.qmu.Lock()
		batch := t.queue
		t.queue = nil
		t.qmu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			t.run(fn)
		}
	}
}

func (t *UDP) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Transport callback panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}

func (t *UDP) receiveLoop() {
	defer t.wg.Done()
	buffer := make([]byte, wire.MaxMessageSize+1)

	for {
		n, from, err := t.conn.ReadFromUDP(buffer)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Debug("Failed to read UDP packet", zap.Error(err))
			continue
		}
		t.received.Add(1)

		msg, err := wire.Decode(buffer[:n])
		if err != nil {
			t.malformed.Add(1)
			t.logger.Debug("Dropping malformed datagram",
				zap.Stringer("from", from),
				zap.Error(err))
			continue
		}

		if msg.Op.IsRequest() {
			t.onRequest(msg, from)
		} else {
			t.onResponse(msg, from)
		}
	}
}

func (t *UDP) onRequest(msg *wire.Message, from *net.UDPAddr) {
	if !t.limiter.allow(from.IP.String(), time.Now()) {
		t.rateLimited.Add(1)
		return
	}
	if t.handler == nil {
		return
	}
	t.deliver(func() {
		reply := t.handler.HandleRequest(msg, from)
		if reply == nil {
			return
		}
		data, err := wire.Encode(reply)
		if err != nil {
			t.logger.Warn("Failed to encode reply", zap.Stringer("op", reply.Op), zap.Error(err))
			return
		}
		if _, err := t.conn.WriteToUDP(data, from); err != nil {
			t.logger.Debug("Failed to send reply", zap.Stringer("to", from), zap.Error(err))
			return
		}
		t.sent.Add(1)
	})
}

func (t *UDP) onResponse(msg *wire.Message, from *net.UDPAddr) {
	key := msg.ID.Key()

	t.mu.Lock()
	p, ok := t.pending[key]
	if ok && !t.matches(p, msg) {
		ok = false
	}
	if ok {
		delete(t.pending, key)
	}
	t.mu.Unlock()

	if !ok {
		t.unsolicited.Add(1)
		t.logger.Debug("Dropping unsolicited response",
			zap.Stringer("message", msg),
			zap.Stringer("from", from))
		return
	}
	p.timer.Stop()
	elapsed := time.Since(p.sent)
	t.deliver(func() { p.handler.OnResponse(msg, elapsed) })
}

// matches checks the reply against what the request expects. Requests sent
// to a bare address accept any responder.
func (t *UDP) matches(p *pending, msg *wire.Message) bool {
	if msg.Op != p.op {
		return false
	}
	if !p.anyResponder && !p.to.ID.Equal(msg.Sender) {
		t.logger.Warn("Response from unexpected node",
			zap.Error(errResponderMismatch),
			zap.Stringer("expected", p.to.ID),
			zap.Stringer("got", msg.Sender),
			zap.String("address", p.to.Address))
		return false
	}
	return true
}

func (t *UDP) cleanupLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case now := <-ticker.C:
			if n := t.limiter.prune(now, 5*time.Minute); n > 0 {
				t.logger.Debug("Pruned idle rate limiters", zap.Int("count", n))
			}
		}
	}
}

// Stats returns a snapshot of the transport counters.
func (t *UDP) Stats() Stats {
	t.mu.Lock()
	inFlight := len(t.pending)
	t.mu.Unlock()

	return Stats{
		Sent:        t.sent.Load(),
		Received:    t.received.Load(),
		Timeouts:    t.timeouts.Load(),
		Malformed:   t.malformed.Load(),
		RateLimited: t.rateLimited.Load(),
		Unsolicited: t.unsolicited.Load(),
		Pending:     inFlight,
	}
}

// Close fails every pending request with ErrTransportClosed, stops the loops
// and releases the socket.
func (t *UDP) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	abandoned := t.pending
	t.pending = make(map[[kademlia.IDSize]byte]*pending)
	t.mu.Unlock()

	for _, p := range abandoned {
		p := p
		p.timer.Stop()
		t.deliver(func() { p.handler.OnError(ErrTransportClosed) })
	}

	var err error
	if t.conn != nil {
		err = t.conn.Close()
		close(t.stop)
		t.wg.Wait()
	}
	t.logger.Info("UDP transport closed", zap.Int("abandoned", len(abandoned)))
	if err != nil {
		return fmt.Errorf("failed to close socket: %w", err)
	}
	return nil
}
