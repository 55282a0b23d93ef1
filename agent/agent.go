package agent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/modrelay/agent/process"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

// RelayAgent is an HTTP agent that runs a Python module per WebSocket connection and
// relays its output to the connected client.
// If TLS material is configured the agent requires mTLS for both traffic encryption and authz.
type RelayAgent struct {
	logger   *zap.SugaredLogger
	logLevel *zapcore.Level

	caCertPEM []byte
	certPEM   []byte
	keyPEM    []byte

	listenAddr   string
	launcher     process.Launcher
	pollInterval time.Duration

	sessions  *Registry
	runServer *process.Server

	listenerMut sync.Mutex
	running     bool
	listener    net.Listener
	stop        context.CancelFunc
	ready       chan struct{}

	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time
}

type Option func(a *RelayAgent)

func WithListenAddr(s string) Option {
	return func(a *RelayAgent) {
		a.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *RelayAgent) {
		a.logger = l.Named("relay_agent").Sugar()
	}
}

// WithLogLevel raises the minimum level of the agent's logger, whichever logger that ends up being.
func WithLogLevel(l zapcore.Level) Option {
	return func(a *RelayAgent) {
		a.logLevel = &l
	}
}

func WithLauncher(l process.Launcher) Option {
	return func(a *RelayAgent) {
		a.launcher = l
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(a *RelayAgent) {
		a.pollInterval = d
	}
}

// WithTLS enables mTLS. All three PEMs are required.
func WithTLS(caCertPEM, certPEM, keyPEM []byte) Option {
	return func(a *RelayAgent) {
		a.caCertPEM = caCertPEM
		a.certPEM = certPEM
		a.keyPEM = keyPEM
	}
}

// NewRelayAgent constructs a new relay agent.
func NewRelayAgent(opts ...Option) (*RelayAgent, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	a := &RelayAgent{
		logger:       logger.Named("relay_agent").Sugar(),
		listenAddr:   "127.0.0.1:8080",
		launcher:     process.DefaultPythonLauncher(),
		pollInterval: process.DefaultPollInterval,
		ready:        make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.logLevel != nil {
		a.logger = a.logger.WithOptions(zap.IncreaseLevel(*a.logLevel))
	}
	if a.tlsEnabled() && (len(a.certPEM) == 0 || len(a.keyPEM) == 0) {
		return nil, errors.New("TLS requires a CA cert, a cert and a key")
	}

	a.sessions = NewRegistry(a.logger.Named("sessions"))
	a.runServer = &process.Server{
		Log:          a.logger.Named("run_server"),
		Launcher:     a.launcher,
		PollInterval: a.pollInterval,
		Tracker:      a.sessions,
	}
	return a, nil
}

func (a *RelayAgent) tlsEnabled() bool {
	return len(a.caCertPEM) > 0
}

// Sessions returns the registry of live sessions.
func (a *RelayAgent) Sessions() *Registry {
	return a.sessions
}

func (a *RelayAgent) router() http.Handler {
	router := httprouter.New()
	router.GET("/heartbeat", a.heartbeat)
	router.GET("/run/:module", a.run)
	router.GET("/sessions", a.listSessions)
	router.DELETE("/sessions/:id", a.killSession)
	return router
}

func (a *RelayAgent) listen() (net.Listener, error) {
	l, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return nil, fmt.Errorf("listening TCP: %w", err)
	}
	if !a.tlsEnabled() {
		return l, nil
	}
	tlsConfig, err := ServerTLSConfig(a.caCertPEM, a.certPEM, a.keyPEM)
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("building server TLS config: %w", err)
	}
	return tls.NewListener(l, tlsConfig), nil
}

// ErrAlreadyRunning is returned by Run on an agent that has already been run.
var ErrAlreadyRunning = errors.New("agent already running")

// Run runs the agent until ctx is done or Stop is called. Live sessions are torn down on the way out.
// An agent can only be run once.
func (a *RelayAgent) Run(ctx context.Context) error {
	a.listenerMut.Lock()
	if a.running {
		a.listenerMut.Unlock()
		return ErrAlreadyRunning
	}
	a.running = true
	a.listenerMut.Unlock()

	listener, err := a.listen()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.heartbeatMut.Lock()
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()

	server := &http.Server{Handler: a.router()}
	a.listenerMut.Lock()
	a.listener = listener
	a.stop = cancel
	a.listenerMut.Unlock()
	close(a.ready)
	a.logger.Infow("listening", "Addr", listener.Addr().String(), "TLS", a.tlsEnabled())

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer cancel()
		err := server.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-groupCtx.Done()
		// hijacked WebSocket conns are invisible to Close, so end their sessions explicitly
		a.sessions.CancelAll()
		return server.Close()
	})
	return group.Wait()
}

// Addr blocks until the agent is listening and returns its address.
func (a *RelayAgent) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-a.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	a.listenerMut.Lock()
	defer a.listenerMut.Unlock()
	return a.listener.Addr(), nil
}

// Stop makes Run return. It has no effect before Run has started listening.
func (a *RelayAgent) Stop() error {
	a.listenerMut.Lock()
	stop := a.stop
	a.listenerMut.Unlock()
	if stop != nil {
		stop()
	}
	return nil
}

func (a *RelayAgent) run(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.runServer.ServeModule(w, r, params.ByName("module"))
}

func (a *RelayAgent) listSessions(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	writeJSON(a.logger, w, a.sessions.List())
}

func (a *RelayAgent) killSession(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if !a.sessions.Cancel(params.ByName("id")) {
		http.Error(w, "no such session", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *RelayAgent) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.heartbeatMut.Lock()
	lastHeartbeat := a.lastHeartbeat
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()
	writeJSON(a.logger, w, HeartbeatResponse{
		LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339),
		Sessions:      a.sessions.Len(),
	})
}

type HeartbeatResponse struct {
	LastHeartbeat string
	Sessions      int
}

func writeJSON(log *zap.SugaredLogger, w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Debugf("error marshaling response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}
