// Package gateway wires the durable store, session registry, subscription
// bus, telemetry ingestor, git-status poller, and hook dispatcher into one
// running control-plane process, and owns the TCP accept loop that speaks
// the wire protocol to connected clients (spec.md §4, §5, §6).
//
// Grounded on internal/rpc/server.go's Server (semaphore-gated accept
// loop, sync.Once-guarded Stop, periodic cleanup ticker) and
// cmd/dialog-gateway/main.go's signal.NotifyContext + graceful-shutdown
// pattern.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/jmoyers/harness/internal/bus"
	"github.com/jmoyers/harness/internal/config"
	"github.com/jmoyers/harness/internal/gitstatus"
	"github.com/jmoyers/harness/internal/historypoll"
	"github.com/jmoyers/harness/internal/hooks"
	"github.com/jmoyers/harness/internal/ptysession"
	"github.com/jmoyers/harness/internal/registry"
	"github.com/jmoyers/harness/internal/store"
	"github.com/jmoyers/harness/internal/telemetry"
	"github.com/jmoyers/harness/internal/types"
	"github.com/jmoyers/harness/internal/wire"
)

// Config configures a Gateway for one run. When zero, MaxConns and
// AuthToken default from internal/config's viper singleton (AuthToken
// then falls back to a freshly minted random token); the other fields
// are used as given.
type Config struct {
	DatabasePath       string
	RuntimeRoot        string
	Port               int
	TelemetryPort      int
	AuthToken          string
	MaxConns           int
	SessionTombstoneTTL time.Duration
	Webhooks           []hooks.Webhook
	PeonPing           *hooks.PeonPingConfig
	Logger             *slog.Logger
}

// Gateway is one running control-plane instance: everything spec.md §4
// describes, wired together and listening.
type Gateway struct {
	cfg Config
	log *slog.Logger

	store    *store.Store
	bus      *bus.Bus
	registry *registry.Registry
	ingestor *telemetry.Ingestor
	gitPoll  *gitstatus.Poller
	hooksD   *hooks.Dispatcher
	binder   *sessionBinder

	listener    net.Listener
	telemetrySrv *http.Server

	connSem chan struct{}

	mu       sync.Mutex
	conns    map[string]*connState
	stopOnce sync.Once
	stopped  chan struct{}

	extrasMu sync.Mutex
	extras   map[string]*sessionExtras // sessionID -> telemetry token + history poller
}

// sessionExtras tracks the per-session bookkeeping that lives alongside
// a registry.SessionState but isn't the registry's concern: the minted
// telemetry token (so it can be revoked on exit) and the running
// history-file poller for codex sessions (spec.md §4.5/§4.7).
type sessionExtras struct {
	telemetryToken string
	historyPoller  *historypoll.Poller
}

// busPublisher adapts *bus.Bus (which returns an error and takes a
// context) to store.EventSink's synchronous, error-less Publish — the
// gateway is the only caller in a position to decide a publish failure
// is best-effort (spec.md §4.4: "supplementary, not a prerequisite").
type busPublisher struct {
	b   *bus.Bus
	log *slog.Logger
}

func (s busPublisher) Publish(evt types.Event) {
	if err := s.b.Publish(context.Background(), evt); err != nil {
		s.log.Warn("gateway: bus publish failed", "error", err)
	}
}

// New opens the durable store and wires every component described in
// spec.md §4 against cfg, but does not yet listen.
func New(cfg Config) (*Gateway, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = config.GetInt(config.KeyMaxConns)
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 256
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = config.GetString(config.KeyAuthToken)
	}
	if cfg.AuthToken == "" {
		token, err := randomToken()
		if err != nil {
			return nil, fmt.Errorf("gateway: mint auth token: %w", err)
		}
		cfg.AuthToken = token
	}

	st, err := store.Open(cfg.DatabasePath, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("gateway: open store: %w", err)
	}

	b := bus.New(cfg.Logger)
	st.SetEventSink(busPublisher{b: b, log: cfg.Logger})

	binder := newSessionBinder(nil, st) // reg is backfilled below; ResolveSession and Apply use it
	ingestor := telemetry.New(telemetry.ModeLifecycleFast, binder, cfg.Logger)

	dirLister, err := newStoreDirLister(st)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("gateway: seed directory lister: %w", err)
	}
	gitPoll := gitstatus.New(gitstatus.Config{}, gitstatus.ShellSnapshotter{}, dirLister, cfg.Logger)

	hooksD := hooks.NewDispatcher(cfg.Webhooks, cfg.PeonPing, cfg.Logger)

	g := &Gateway{
		cfg:      cfg,
		log:      cfg.Logger,
		store:    st,
		bus:      b,
		ingestor: ingestor,
		gitPoll:  gitPoll,
		hooksD:   hooksD,
		binder:   binder,
		connSem:  make(chan struct{}, cfg.MaxConns),
		conns:    make(map[string]*connState),
		extras:   make(map[string]*sessionExtras),
		stopped:  make(chan struct{}),
	}

	reg := registry.New(registry.Config{
		Factory:                 ptysession.NewExecFactory(),
		Store:                   st,
		Logger:                  cfg.Logger,
		SessionExitTombstoneTTL: cfg.SessionTombstoneTTL,
		ExitHook:                g.onSessionExit,
		StatusHook:              g.onSessionStatus,
	})
	g.registry = reg
	binder.reg = reg

	return g, nil
}

// registerSessionExtras records the bookkeeping ptyStart minted for a
// freshly started session.
func (g *Gateway) registerSessionExtras(sessionID string, extras *sessionExtras) {
	g.extrasMu.Lock()
	g.extras[sessionID] = extras
	g.extrasMu.Unlock()
}

// onSessionExit is the registry's ExitHook: it revokes the session's
// telemetry token, stops its history poller if one was running, and
// fires the session.exited lifecycle hook (spec.md §4.5/§4.7/§4.8).
func (g *Gateway) onSessionExit(state *registry.SessionState) {
	g.extrasMu.Lock()
	extras, ok := g.extras[state.ID]
	delete(g.extras, state.ID)
	g.extrasMu.Unlock()

	if ok {
		g.ingestor.RevokeToken(extras.telemetryToken)
		if extras.historyPoller != nil {
			go extras.historyPoller.Stop()
		}
	}

	g.hooksD.Dispatch(context.Background(), trace.SpanFromContext(context.Background()), hooks.LifecycleEvent{
		Type:      "session.exited",
		SessionID: state.ID,
	})
}

// onSessionStatus is the registry's StatusHook: a needs-input transition
// fires the input.required lifecycle hook (spec.md §4.8); other
// transitions aren't lifecycle-hook-relevant on their own.
func (g *Gateway) onSessionStatus(sessionID string, status types.RuntimeStatus, attentionReason string) {
	if status != types.StatusNeedsInput {
		return
	}
	g.hooksD.Dispatch(context.Background(), trace.SpanFromContext(context.Background()), hooks.LifecycleEvent{
		Type:      "input.required",
		SessionID: sessionID,
		Payload:   map[string]any{"reason": attentionReason},
	})
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// AuthToken returns the token clients must present in the first envelope
// (spec.md §6.4).
func (g *Gateway) AuthToken() string { return g.cfg.AuthToken }

// Run starts the control-plane TCP listener and telemetry HTTP listener,
// the git-status poller, and blocks accepting connections until ctx is
// canceled. Mirrors cmd/dialog-gateway/main.go's ListenAndServe +
// ctx.Done()-triggered Shutdown pairing.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", g.cfg.Port))
	if err != nil {
		return fmt.Errorf("gateway: listen: %w", err)
	}
	g.listener = ln
	g.log.Info("gateway: control-plane listening", "addr", ln.Addr().String())

	g.telemetrySrv = &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", g.cfg.TelemetryPort),
		Handler: g.ingestor,
	}
	telemetryErrCh := make(chan error, 1)
	go func() {
		if err := g.telemetrySrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			telemetryErrCh <- err
		}
	}()

	gitCtx, cancelGit := context.WithCancel(ctx)
	defer cancelGit()
	go g.gitPoll.Run(gitCtx)

	acceptErrCh := make(chan error, 1)
	go g.acceptLoop(acceptErrCh)

	select {
	case <-ctx.Done():
		return g.shutdown()
	case err := <-acceptErrCh:
		g.shutdown()
		return err
	case err := <-telemetryErrCh:
		g.shutdown()
		return err
	}
}

// acceptLoop is grounded on internal/rpc/server.go's semaphore-gated
// accept loop: a non-blocking acquire rejects new connections outright
// once MaxConns are in flight, rather than queuing them.
func (g *Gateway) acceptLoop(errCh chan<- error) {
	for {
		netConn, err := g.listener.Accept()
		if err != nil {
			select {
			case <-g.stopped:
				return
			default:
			}
			errCh <- fmt.Errorf("gateway: accept: %w", err)
			return
		}

		select {
		case g.connSem <- struct{}{}:
			go g.handleConn(netConn)
		default:
			g.log.Warn("gateway: rejecting connection over max-conns capacity")
			_ = netConn.Close()
		}
	}
}

func (g *Gateway) releaseConnSlot() { <-g.connSem }

// shutdown stops the listeners and every live session's adapter,
// grounded on cmd/dialog-gateway/main.go's bounded-timeout
// server.Shutdown call.
func (g *Gateway) shutdown() error {
	var shutdownErr error
	g.stopOnce.Do(func() {
		close(g.stopped)
		if g.listener != nil {
			_ = g.listener.Close()
		}
		if g.telemetrySrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			shutdownErr = g.telemetrySrv.Shutdown(shutdownCtx)
		}
		g.gitPoll.Stop()

		g.mu.Lock()
		conns := make([]*connState, 0, len(g.conns))
		for _, c := range g.conns {
			conns = append(conns, c)
		}
		g.mu.Unlock()
		for _, c := range conns {
			_ = c.conn.Close(context.Background())
		}

		for _, s := range g.registry.List() {
			if s.IsLive() {
				_ = g.registry.Signal(s.ID, ptysession.SignalTerminate)
			}
		}

		if err := g.store.Close(); err != nil {
			g.log.Warn("gateway: close store", "error", err)
		}
	})
	return shutdownErr
}

// Stop requests a graceful shutdown without waiting for Run's ctx.
func (g *Gateway) Stop() error { return g.shutdown() }

// connState tracks one accepted connection's dispatch-side bookkeeping:
// its wire.Conn, subscription ids, and attachment ids so disconnect can
// release every resource it holds (spec.md §4.2's "implicit release on
// disconnect", §4.4's subscription teardown).
type connState struct {
	conn *wire.Conn
	id   string

	mu            sync.Mutex
	subscriptions map[string]struct{}
	attachments   map[string]string // attachmentID -> sessionID
}

func newConnState(conn *wire.Conn) *connState {
	return &connState{
		conn:          conn,
		id:            conn.ID(),
		subscriptions: make(map[string]struct{}),
		attachments:   make(map[string]string),
	}
}

func (g *Gateway) handleConn(netConn net.Conn) {
	defer g.releaseConnSlot()

	connID := uuid.NewString()
	conn := wire.NewConn(connID, netConn, g.log)
	cs := newConnState(conn)

	g.mu.Lock()
	g.conns[connID] = cs
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.conns, connID)
		g.mu.Unlock()

		cs.mu.Lock()
		subs := make([]string, 0, len(cs.subscriptions))
		for id := range cs.subscriptions {
			subs = append(subs, id)
		}
		attachments := make(map[string]string, len(cs.attachments))
		for k, v := range cs.attachments {
			attachments[k] = v
		}
		cs.mu.Unlock()

		for _, id := range subs {
			g.bus.Unsubscribe(id)
		}
		for attachmentID, sessionID := range attachments {
			g.registry.Detach(sessionID, attachmentID)
		}
		g.registry.ConnectionClosed(connID)
		_ = conn.Close(context.Background())
	}()

	if !g.authenticate(conn) {
		return
	}

	d := &dispatcher{g: g, cs: cs}
	for {
		env, err := conn.ReadEnvelope()
		if err != nil {
			var malformed *wire.ErrMalformed
			if errors.As(err, &malformed) {
				g.log.Warn("gateway: malformed envelope", "connection", connID, "error", err)
				continue
			}
			return
		}
		d.handle(env)
	}
}

// authenticate requires the first envelope to be KindAuth carrying the
// configured token (spec.md §6.4). Malformed lines are skipped; any other
// first envelope, or a wrong token, is rejected and the connection closed.
func (g *Gateway) authenticate(conn *wire.Conn) bool {
	env, err := conn.ReadEnvelope()
	var malformed *wire.ErrMalformed
	for errors.As(err, &malformed) {
		env, err = conn.ReadEnvelope()
	}
	if err != nil {
		return false
	}
	if env.Kind != wire.KindAuth || env.Token != g.cfg.AuthToken {
		_ = conn.Send(wire.Envelope{Kind: wire.KindAuthFail, Reason: "invalid token"})
		return false
	}
	return conn.Send(wire.Envelope{Kind: wire.KindAuthOK}) == nil
}
