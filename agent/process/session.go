package process

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultPollInterval bounds how long a client disconnect can go unnoticed.
	DefaultPollInterval = 1 * time.Second

	exitSendTimeout = 5 * time.Second
)

// Sink is where a session's events go. Sends may come from several goroutines at once;
// a Sink that needs a single writer must serialize internally.
type Sink interface {
	Send(ctx context.Context, e Event) error
	// Connected reports whether the client can still receive events.
	Connected() bool
}

// disconnectNotifier is a Sink that can report a disconnect as it happens.
// The watcher still polls Connected for sinks that don't implement it.
type disconnectNotifier interface {
	Done() <-chan struct{}
}

// Session runs one child process for one client, relaying its output as events.
type Session struct {
	module       string
	sink         Sink
	launcher     Launcher
	log          *zap.SugaredLogger
	pollInterval time.Duration

	mu     sync.Mutex
	handle *Handle
	cancel context.CancelFunc
	pumps  sync.WaitGroup
	done   chan struct{}
}

type SessionOption func(s *Session)

func WithSessionLogger(l *zap.SugaredLogger) SessionOption {
	return func(s *Session) {
		s.log = l
	}
}

func WithPollInterval(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

func WithLauncher(l Launcher) SessionOption {
	return func(s *Session) {
		if l != nil {
			s.launcher = l
		}
	}
}

// NewSession prepares a session for module. Nothing is spawned until Start.
func NewSession(module string, sink Sink, opts ...SessionOption) *Session {
	s := &Session{
		module:       module,
		sink:         sink,
		launcher:     DefaultPythonLauncher(),
		log:          zap.NewNop().Sugar(),
		pollInterval: DefaultPollInterval,
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start spawns the child and begins relaying its output. It returns the child's pid
// without waiting for any output. Cancelling ctx tears the session down: the child is
// killed and its output is no longer relayed.
func (s *Session) Start(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != nil {
		return 0, ErrAlreadyStarted
	}

	cmd, err := s.launcher.Command(s.module)
	if err != nil {
		return 0, &SpawnError{Command: []string{s.module}, Err: err}
	}
	h, err := Spawn(cmd)
	if err != nil {
		return 0, err
	}
	pid := h.PID()
	s.log = s.log.With("PID", pid)
	s.log.Infow("started child", "Module", s.module, "Command", cmd.Args)

	ctx, cancel := context.WithCancel(ctx)
	s.handle = h
	s.cancel = cancel

	stdout := NewPromptDecoder(h.Stdout)
	stderr := NewLineDecoder(h.Stderr)
	s.pumps.Add(2)
	go s.pump(ctx, s.log.Named("stdout_pump"), stdout, func(u Unit) OutputEvent {
		return StdoutEvent{PID: pid, Data: u.Text, IsInputPrompt: u.IsPrompt}
	})
	go s.pump(ctx, s.log.Named("stderr_pump"), stderr, func(u Unit) OutputEvent {
		return StderrEvent{PID: pid, Data: u.Text}
	})
	go s.watch(ctx)

	return pid, nil
}

// AwaitEnd blocks until the child has exited, both streams have drained and the
// exit event (if any) has been sent, then returns the child's exit code.
func (s *Session) AwaitEnd(ctx context.Context) (int, error) {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h == nil {
		return 0, ErrNotStarted
	}
	select {
	case <-s.done:
		return h.ExitCode(), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Exited reports whether the child has exited. It is false before Start.
func (s *Session) Exited() bool {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	return h != nil && h.Exited()
}

// pump relays one output stream until it ends or the client goes away.
func (s *Session) pump(ctx context.Context, log *zap.SugaredLogger, dec *Decoder, toEvent func(Unit) OutputEvent) {
	defer s.pumps.Done()
	defer log.Debug("pump done")

	for {
		unit, err := dec.Next()
		if ctx.Err() != nil {
			log.Debug("pump cancelled")
			return
		}
		if errors.Is(err, io.EOF) {
			// the stream is drained, but only stop once the child is actually gone
			select {
			case <-s.handle.Done():
			case <-ctx.Done():
			}
			return
		}
		if err != nil {
			var perr *ProtocolError
			if errors.As(err, &perr) {
				log.Warnw("protocol error, dropping rest of stream", "Error", err)
			} else {
				log.Debugw("read error, dropping rest of stream", "Error", err)
			}
			s.discard(log, dec)
			return
		}
		if !s.sink.Connected() {
			log.Debug("client disconnected")
			return
		}
		if unit.Text == "" {
			continue
		}
		err = s.sink.Send(ctx, toEvent(unit))
		if err != nil {
			log.Debugw("error sending event, dropping rest of stream", "Error", err)
			s.discard(log, dec)
			return
		}
	}
}

// discard keeps reading so a chatty child can't wedge on a full pipe.
func (s *Session) discard(log *zap.SugaredLogger, dec *Decoder) {
	n, err := dec.Discard()
	log.Debugw("discarded stream remainder", "Bytes", n, "Error", err)
}

// watch waits for the child to exit, killing it if the client disconnects or the
// session is cancelled, then joins both pumps and sends the exit event.
func (s *Session) watch(ctx context.Context) {
	defer close(s.done)
	defer s.cancel()

	log := s.log.Named("exit_watcher")
	h := s.handle

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	cancelled := ctx.Done()
	var disconnected <-chan struct{}
	if n, ok := s.sink.(disconnectNotifier); ok {
		disconnected = n.Done()
	}
	killed := false
	kill := func(reason string) {
		if killed {
			return
		}
		killed = true
		log.Infow("killing child", "Reason", reason)
		if err := h.Kill(); err != nil {
			log.Debugw("error killing child", "Error", err)
		}
	}

	for !h.Exited() {
		if !s.sink.Connected() {
			kill("client disconnected")
		}
		select {
		case <-h.Done():
		case <-ticker.C:
		case <-disconnected:
			disconnected = nil
		case <-cancelled:
			cancelled = nil
			kill("session cancelled")
		}
	}
	if err := h.WaitErr(); err != nil {
		log.Debugw("unexpected wait error", "Error", err)
	}

	if ctx.Err() != nil || !s.sink.Connected() {
		// nobody will read the rest; unblock pumps stuck on fds inherited by grandchildren
		closeAll(h.Stdout, h.Stderr)
	}
	s.pumps.Wait()
	defer h.Close()

	code := h.ExitCode()
	log.Infow("child exited", "ExitCode", code)
	if !s.sink.Connected() {
		log.Debug("client gone, not sending exit event")
		return
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), exitSendTimeout)
	defer cancel()
	err := s.sink.Send(sendCtx, ExitEvent{PID: h.PID(), ReturnCode: code})
	if err != nil {
		log.Debugw("error sending exit event", "Error", err)
	}
}
