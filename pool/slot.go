package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/guseggert/mcpbridge/internal/jsonrpc"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"
)

type State int

const (
	StateSpawning State = iota
	StateHandshaking
	StateIdle
	StateBusy
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateHandshaking:
		return "handshaking"
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// killWait bounds how long stop waits for the reader to observe a killed process.
const killWait = 5 * time.Second

type result struct {
	msg json.RawMessage
	err error
}

// pendingRequest lives from the moment a request is written to stdin until its response arrives,
// it times out, or the slot terminates. Whichever happens first removes it from the table.
type pendingRequest struct {
	key     string
	result  chan result
	created time.Time
}

// Slot is one live backend process owned by a Pool.
type Slot struct {
	ID   string
	pool *Pool
	log  *zap.SugaredLogger

	procMut sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser

	writeMut sync.Mutex

	// guarded by pool.mu
	state    State
	lastUsed time.Time
	requests uint64
	ready    bool

	pendingMut sync.Mutex
	pending    map[string]*pendingRequest
	nextID     int64
	terminated bool
	termErr    error

	protocolVersion string
	initResult      json.RawMessage

	terminateOnce sync.Once
	done          chan struct{}
	exited        chan struct{}
}

func newSlot(p *Pool, id string) *Slot {
	return &Slot{
		ID:      id,
		pool:    p,
		log:     p.log.Named("slot").With("Slot", id),
		state:   StateSpawning,
		pending: map[string]*pendingRequest{},
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
}

// Done is closed once the slot has terminated.
func (s *Slot) Done() <-chan struct{} { return s.done }

// err is the reason the slot terminated, or nil while it is alive.
func (s *Slot) err() error {
	s.pendingMut.Lock()
	defer s.pendingMut.Unlock()
	return s.termErr
}

// PID returns the OS process id, or 0 if the process hasn't started.
func (s *Slot) PID() int {
	s.procMut.Lock()
	defer s.procMut.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

func (s *Slot) start() error {
	cmd, err := command(s.pool.desc)
	if err != nil {
		return err
	}
	cmd.Stderr = &stderrLogger{log: s.log.Named("stderr")}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("opening stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("opening stdout: %w", err)
	}
	err = cmd.Start()
	if err != nil {
		return fmt.Errorf("starting %s: %w", s.pool.desc.Command, err)
	}

	s.procMut.Lock()
	s.cmd = cmd
	s.stdin = stdin
	s.procMut.Unlock()
	s.log.Debugw("process started", "PID", cmd.Process.Pid)

	go s.readLoop(stdout)

	// Shutdown may have raced with the start, in which case nobody else will stop this process.
	select {
	case <-s.done:
		_ = signalGroup(cmd.Process, syscall.SIGKILL)
	default:
	}
	return nil
}

// readLoop owns stdout. It frames lines, dispatches them, and reaps the process once stdout closes.
func (s *Slot) readLoop(stdout io.Reader) {
	framer := &lineFramer{}
	buf := make([]byte, 32*1024)
	var readErr error
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			for _, line := range framer.push(buf[:n]) {
				s.handleLine(line)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}
	}
	if rest := framer.flush(); rest != nil {
		s.handleLine(rest)
	}
	if framer.dropped > 0 {
		s.log.Warnw("dropped oversized stdout lines", "Count", framer.dropped)
	}

	waitErr := s.cmd.Wait()
	close(s.exited)
	err := exitError(waitErr, readErr)
	s.log.Debugw("process exited", "Error", err)
	s.terminate(err)
}

func (s *Slot) handleLine(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	if !gjson.ValidBytes(line) {
		s.log.Debugw("ignoring non-JSON stdout line", "Line", truncate(line, 200))
		return
	}
	id := gjson.GetBytes(line, "id")
	hasID := id.Exists() && id.Type != gjson.Null

	if hasID && gjson.GetBytes(line, "method").Exists() {
		// A request from the backend. There is no client to route it to, so answer it ourselves
		// rather than leave the backend waiting.
		s.rejectBackendRequest(id.Raw, gjson.GetBytes(line, "method").String())
	} else if hasID && s.resolve(id.Raw, line) {
		return
	}

	s.pool.hub.publish(Notification{
		Backend:   s.pool.desc.Name,
		SlotID:    s.ID,
		Message:   json.RawMessage(line),
		Unmatched: hasID && !gjson.GetBytes(line, "method").Exists(),
	})
}

func (s *Slot) rejectBackendRequest(rawID string, method string) {
	b, err := json.Marshal(jsonrpc.NewError(json.RawMessage(rawID), jsonrpc.CodeMethodNotFound, fmt.Sprintf("method %q is not supported by the gateway", method)))
	if err != nil {
		return
	}
	if err := s.write(b); err != nil {
		s.log.Debugw("error rejecting backend request", "Method", method, "Error", err)
	}
}

// resolve completes the pending request with the given key, reporting whether one was waiting.
func (s *Slot) resolve(key string, msg []byte) bool {
	s.pendingMut.Lock()
	pr, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
	}
	s.pendingMut.Unlock()
	if !ok {
		return false
	}
	pr.result <- result{msg: msg}
	return true
}

// removePending drops the pending request, reporting whether it was still there.
// A false return means a response or a termination got to it first.
func (s *Slot) removePending(key string) bool {
	s.pendingMut.Lock()
	defer s.pendingMut.Unlock()
	if _, ok := s.pending[key]; !ok {
		return false
	}
	delete(s.pending, key)
	return true
}

func (s *Slot) write(b []byte) error {
	s.procMut.Lock()
	stdin := s.stdin
	s.procMut.Unlock()
	if stdin == nil {
		return errors.New("process not started")
	}
	s.writeMut.Lock()
	defer s.writeMut.Unlock()
	_, err := stdin.Write(append(b, '\n'))
	return err
}

// notify writes a message that expects no response.
func (s *Slot) notify(req *jsonrpc.Request) error {
	s.pendingMut.Lock()
	terminated, termErr := s.terminated, s.termErr
	s.pendingMut.Unlock()
	if terminated {
		return termErr
	}
	out := *req
	out.ID = nil
	b, err := out.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling notification: %w", err)
	}
	return s.write(b)
}

// roundTrip writes req and waits for the correlated response.
//
// The id written to stdin is a per-slot sequence number and the caller's id is put back on the response,
// so a late answer to an abandoned request can never be mistaken for the answer to a newer one.
// Timing out does not retract anything already written: the process keeps working on the request and
// its eventual answer is published as an unmatched notification.
func (s *Slot) roundTrip(ctx context.Context, req *jsonrpc.Request, timeout time.Duration) (json.RawMessage, error) {
	s.pendingMut.Lock()
	if s.terminated {
		err := s.termErr
		s.pendingMut.Unlock()
		return nil, err
	}
	if len(s.pending) > 0 {
		s.pendingMut.Unlock()
		return nil, ErrSlotBusy
	}
	s.nextID++
	key := strconv.FormatInt(s.nextID, 10)
	pr := &pendingRequest{key: key, result: make(chan result, 1), created: time.Now()}
	s.pending[key] = pr
	s.pendingMut.Unlock()

	out := *req
	out.ID = json.RawMessage(key)
	b, err := out.Marshal()
	if err != nil {
		s.removePending(key)
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	s.log.Debugw("sending request", "Method", req.Method, "Key", key)
	err = s.write(b)
	if err != nil {
		if s.removePending(key) {
			return nil, fmt.Errorf("%w: writing stdin: %s", ErrProcessCrash, err)
		}
		res := <-pr.result
		return s.finish(req, res)
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case res := <-pr.result:
		return s.finish(req, res)
	case <-timeoutCh:
		if s.removePending(key) {
			s.log.Debugw("request timed out", "Method", req.Method, "Key", key, "Elapsed", time.Since(pr.created))
			return nil, fmt.Errorf("%w after %s (%s)", ErrRequestTimeout, timeout, req.Method)
		}
		return s.finish(req, <-pr.result)
	case <-ctx.Done():
		if s.removePending(key) {
			return nil, ctx.Err()
		}
		return s.finish(req, <-pr.result)
	}
}

func (s *Slot) finish(req *jsonrpc.Request, res result) (json.RawMessage, error) {
	if res.err != nil {
		return nil, res.err
	}
	id := req.ID
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	msg, err := sjson.SetRawBytes(res.msg, "id", id)
	if err != nil {
		return nil, fmt.Errorf("restoring response id: %w", err)
	}
	return msg, nil
}

// terminate marks the slot dead exactly once and fails everything still waiting on it.
func (s *Slot) terminate(err error) {
	s.terminateOnce.Do(func() {
		s.pendingMut.Lock()
		s.terminated = true
		s.termErr = err
		pending := s.pending
		s.pending = map[string]*pendingRequest{}
		s.pendingMut.Unlock()

		for _, pr := range pending {
			pr.result <- result{err: err}
		}
		close(s.done)

		s.procMut.Lock()
		if s.stdin != nil {
			_ = s.stdin.Close()
		}
		s.procMut.Unlock()

		s.pool.slotTerminated(s, err)
	})
}

// stop terminates the slot with err and then stops its process, escalating from SIGTERM to SIGKILL after grace.
func (s *Slot) stop(err error, grace time.Duration) {
	s.terminate(err)

	s.procMut.Lock()
	cmd := s.cmd
	s.procMut.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	if grace > 0 {
		_ = signalGroup(cmd.Process, syscall.SIGTERM)
		select {
		case <-s.exited:
			return
		case <-time.After(grace):
		}
	}
	_ = signalGroup(cmd.Process, syscall.SIGKILL)
	select {
	case <-s.exited:
	case <-time.After(killWait):
		s.log.Warnw("process did not exit after SIGKILL", "PID", cmd.Process.Pid)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// stderrLogger is the process's stderr. It is a diagnostic side channel only and is never parsed.
type stderrLogger struct {
	log    *zap.SugaredLogger
	framer lineFramer
}

func (w *stderrLogger) Write(b []byte) (int, error) {
	for _, line := range w.framer.push(b) {
		w.log.Debugw("backend stderr", "Line", string(line))
	}
	return len(b), nil
}
