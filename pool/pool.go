package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/mcpbridge/backend"
	"github.com/guseggert/mcpbridge/internal/jsonrpc"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Pool owns the live processes of a single backend.
// All slot-table mutations happen under mu; each slot guards its own pending-request table.
type Pool struct {
	desc backend.Descriptor
	log  *zap.SugaredLogger

	minSlots         int
	maxSlots         int
	acquireTimeout   time.Duration
	requestTimeout   time.Duration
	handshakeTimeout time.Duration
	pinnedVersion    string
	restart          bool
	restartDelay     time.Duration
	shutdownGrace    time.Duration
	clientInfo       mcp.Implementation

	mu    sync.Mutex
	slots []*Slot
	// changed is closed and replaced whenever a slot may have become acquirable, or the pool closed.
	changed    chan struct{}
	closed     bool
	initResult json.RawMessage

	hub      hub
	done     chan struct{}
	restarts sync.WaitGroup
}

// New builds a pool for d. No processes are started until Start or the first Acquire.
func New(d backend.Descriptor, opts ...Option) *Pool {
	p := &Pool{
		desc:             d,
		log:              zap.NewNop().Sugar(),
		minSlots:         1,
		maxSlots:         d.Kind.DefaultMaxSlots(),
		acquireTimeout:   30 * time.Second,
		requestTimeout:   30 * time.Second,
		handshakeTimeout: 10 * time.Second,
		restart:          true,
		restartDelay:     time.Second,
		shutdownGrace:    2 * time.Second,
		clientInfo:       mcp.Implementation{Name: "mcpbridge", Version: "0.1.0"},
		changed:          make(chan struct{}),
		done:             make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.minSlots > p.maxSlots {
		p.minSlots = p.maxSlots
	}
	p.log = p.log.Named("pool").With("Backend", d.Name)
	return p
}

func (p *Pool) Name() string { return p.desc.Name }

func (p *Pool) Kind() backend.Kind { return p.desc.Kind }

func (p *Pool) Descriptor() backend.Descriptor { return p.desc }

// InitializeResult is the result of the first successful handshake, or nil before one has happened.
func (p *Pool) InitializeResult() json.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initResult
}

// Start eagerly spawns the configured minimum number of processes.
// An error means the backend is unusable, typically because no protocol version was accepted.
func (p *Pool) Start(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < p.minSlots; i++ {
		group.Go(func() error {
			_, err := p.spawnSlot(groupCtx, StateIdle)
			return err
		})
	}
	err := group.Wait()
	if err != nil {
		return fmt.Errorf("starting pool for %s: %w", p.desc.Name, err)
	}
	p.log.Infow("pool started", "Slots", p.minSlots, "MaxSlots", p.maxSlots)
	return nil
}

// broadcast wakes every Acquire that is waiting for a slot. Must be called with mu held.
func (p *Pool) broadcast() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// Acquire returns an idle slot marked busy. If none is idle and the pool is below its cap, a new process is
// spawned and handshaken before returning. Otherwise it waits for a release, up to the acquire timeout.
func (p *Pool) Acquire(ctx context.Context) (*Slot, error) {
	var timeoutCh <-chan time.Time
	if p.acquireTimeout > 0 {
		timer := time.NewTimer(p.acquireTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		for _, s := range p.slots {
			if s.state != StateIdle {
				continue
			}
			select {
			case <-s.done:
				continue
			default:
			}
			s.state = StateBusy
			s.requests++
			p.mu.Unlock()
			return s, nil
		}
		canSpawn := len(p.slots) < p.maxSlots
		changed := p.changed
		p.mu.Unlock()

		if canSpawn {
			s, err := p.spawnSlot(ctx, StateBusy)
			if err != nil {
				return nil, err
			}
			return s, nil
		}

		select {
		case <-changed:
		case <-timeoutCh:
			return nil, fmt.Errorf("%w: %s has %d busy processes after %s", ErrAcquisitionTimeout, p.desc.Name, p.maxSlots, p.acquireTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release returns a busy slot to the idle set. Releasing a slot that has terminated is a no-op.
func (p *Pool) Release(s *Slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.state != StateBusy {
		return
	}
	s.state = StateIdle
	s.lastUsed = time.Now()
	p.broadcast()
}

// Send writes msg to an acquired slot and waits for its response.
// Notifications (no id) are written and nil is returned without waiting.
func (p *Pool) Send(ctx context.Context, s *Slot, req *jsonrpc.Request) (json.RawMessage, error) {
	if s.pool != p {
		return nil, ErrSlotNotAcquired
	}
	p.mu.Lock()
	state := s.state
	p.mu.Unlock()
	if state != StateBusy {
		return nil, fmt.Errorf("%w: slot is %s", ErrSlotNotAcquired, state)
	}
	if req.IsNotification() {
		return nil, s.notify(req)
	}
	return s.roundTrip(ctx, req, p.requestTimeout)
}

// Call acquires a slot, sends req and releases the slot whether or not the request succeeded.
func (p *Pool) Call(ctx context.Context, req *jsonrpc.Request) (json.RawMessage, error) {
	s, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.Release(s)
	return p.Send(ctx, s, req)
}

// Notify delivers a notification through any available slot.
func (p *Pool) Notify(ctx context.Context, req *jsonrpc.Request) error {
	out := *req
	out.ID = nil
	_, err := p.Call(ctx, &out)
	return err
}

// Subscribe returns a channel of out-of-band messages from every process in the pool, and a function to unsubscribe.
// The channel is closed on unsubscribe or shutdown.
func (p *Pool) Subscribe() (<-chan Notification, func()) {
	ch := p.hub.add()
	var once sync.Once
	return ch, func() { once.Do(func() { p.hub.remove(ch) }) }
}

// spawnSlot starts a process and runs the handshake. On success the slot is left in the given state.
func (p *Pool) spawnSlot(ctx context.Context, target State) (*Slot, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	s := newSlot(p, uuid.NewString())
	p.slots = append(p.slots, s)
	p.mu.Unlock()

	fail := func(err error) (*Slot, error) {
		s.stop(err, 0)
		return nil, err
	}

	err := s.start()
	if err != nil {
		return fail(fmt.Errorf("spawning %s: %w", p.desc.Name, err))
	}

	p.setState(s, StateHandshaking)
	hsCtx := ctx
	if p.handshakeTimeout > 0 {
		var cancel context.CancelFunc
		hsCtx, cancel = context.WithTimeout(ctx, p.handshakeTimeout)
		defer cancel()
	}
	err = p.handshake(hsCtx, s)
	if err != nil {
		p.log.Warnw("handshake failed", "Slot", s.ID, "Error", err)
		return fail(err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		go s.stop(ErrPoolClosed, 0)
		return nil, ErrPoolClosed
	}
	select {
	case <-s.done:
		return nil, s.err()
	default:
	}
	s.ready = true
	s.state = target
	s.lastUsed = time.Now()
	if target == StateBusy {
		s.requests++
	}
	if p.initResult == nil {
		p.initResult = s.initResult
	}
	p.broadcast()
	p.log.Debugw("process ready", "Slot", s.ID, "PID", s.PID(), "ProtocolVersion", s.protocolVersion)
	return s, nil
}

func (p *Pool) setState(s *Slot, st State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.state != StateTerminated {
		s.state = st
	}
}

// slotTerminated removes a dead slot and schedules a replacement if the restart policy asks for one.
func (p *Pool) slotTerminated(s *Slot, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s.state = StateTerminated
	for i, other := range p.slots {
		if other == s {
			p.slots = append(p.slots[:i], p.slots[i+1:]...)
			break
		}
	}
	p.broadcast()

	if p.closed || !s.ready {
		return
	}
	p.log.Warnw("process terminated", "Slot", s.ID, "Error", err)
	if !p.restart || len(p.slots) >= p.maxSlots {
		return
	}
	p.restarts.Add(1)
	go p.replace()
}

func (p *Pool) replace() {
	defer p.restarts.Done()
	select {
	case <-time.After(p.restartDelay):
	case <-p.done:
		return
	}
	s, err := p.spawnSlot(context.Background(), StateIdle)
	if err != nil {
		if !errors.Is(err, ErrPoolClosed) {
			p.log.Errorw("error restarting process", "Error", err)
		}
		return
	}
	p.log.Infow("restarted process", "Slot", s.ID, "PID", s.PID())
}

// Shutdown stops every process and fails every pending request. It is safe to call more than once.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	slots := p.slots
	p.slots = nil
	close(p.done)
	p.broadcast()
	p.mu.Unlock()

	p.log.Infow("shutting down pool", "Slots", len(slots))
	var wg sync.WaitGroup
	for _, s := range slots {
		wg.Add(1)
		go func(s *Slot) {
			defer wg.Done()
			s.stop(ErrPoolClosed, p.shutdownGrace)
		}(s)
	}
	wg.Wait()
	p.restarts.Wait()
	p.hub.close()
}

type SlotStats struct {
	ID              string    `json:"id"`
	PID             int       `json:"pid"`
	State           State     `json:"state"`
	Requests        uint64    `json:"requests"`
	LastUsed        time.Time `json:"lastUsed"`
	ProtocolVersion string    `json:"protocolVersion,omitempty"`
}

type Stats struct {
	Backend  string      `json:"backend"`
	Kind     string      `json:"kind"`
	MinSlots int         `json:"minSlots"`
	MaxSlots int         `json:"maxSlots"`
	Closed   bool        `json:"closed"`
	Slots    []SlotStats `json:"slots"`
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	slots := append([]*Slot(nil), p.slots...)
	stats := Stats{
		Backend:  p.desc.Name,
		Kind:     p.desc.Kind.String(),
		MinSlots: p.minSlots,
		MaxSlots: p.maxSlots,
		Closed:   p.closed,
		Slots:    make([]SlotStats, 0, len(slots)),
	}
	for _, s := range slots {
		stats.Slots = append(stats.Slots, SlotStats{
			ID:              s.ID,
			State:           s.state,
			Requests:        s.requests,
			LastUsed:        s.lastUsed,
			ProtocolVersion: s.protocolVersion,
		})
	}
	p.mu.Unlock()

	for i, s := range slots {
		stats.Slots[i].PID = s.PID()
	}
	return stats
}
