package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"murmur/cmd/identity"
	"murmur/cmd/security/token"
	v1 "murmur/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "murmur.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// PathValue key of the chat route.
	ConversationPathKey = "conversationID"
)

// Authenticator resolves a raw credential to a principal.
type Authenticator interface {
	Authenticate(ctx context.Context, raw string) (identity.Principal, error)
}

// MembershipChecker reports whether a user participates in a conversation.
type MembershipChecker interface {
	IsParticipant(ctx context.Context, userID int64, conversationID string) (bool, error)
}

// GatewayConfig tunes the websocket entrypoint. Zero fields take defaults.
type GatewayConfig struct {
	// InsecureSkipVerify disables websocket.Accept's own origin check (dev only).
	InsecureSkipVerify bool
	OriginRequired     bool
	AllowedOrigins     []string

	// RequireMembership rejects connections whose principal is not a
	// participant of the requested conversation.
	RequireMembership bool

	WriteTimeout     time.Duration
	ReadIdleTimeout  time.Duration
	SendQueueSize    int
	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration
	RateEvents       int
	RateWindow       time.Duration
}

// DefaultGatewayConfig returns the production defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:    true,
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		RequireMembership: true,
		WriteTimeout:      wsDefaultWriteTimeout,
		ReadIdleTimeout:   wsDefaultReadIdle,
		SendQueueSize:     wsDefaultSendQueueSize,
		HeartbeatEvery:    heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	d := DefaultGatewayConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = d.HeartbeatEvery
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	return c
}

// WSGateway is the chat websocket entrypoint.
//
// It enforces origin policy, authenticates before upgrade, checks membership,
// then runs one ChatSession per connection with rate limits and heartbeats.
type WSGateway struct {
	log     *slog.Logger
	cfg     GatewayConfig
	auth    Authenticator
	members MembershipChecker
	deps    SessionDeps
	metrics *Metrics

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
}

// NewWSGateway constructs a gateway. members may be nil only when
// cfg.RequireMembership is false.
func NewWSGateway(log *slog.Logger, cfg GatewayConfig, auth Authenticator, members MembershipChecker, deps SessionDeps, metrics *Metrics) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if deps.Logger == nil {
		deps.Logger = log
	}
	cfg = cfg.withDefaults()
	return &WSGateway{
		log:            log,
		cfg:            cfg,
		auth:           auth,
		members:        members,
		deps:           deps,
		metrics:        metrics,
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

func (g *WSGateway) reject(w http.ResponseWriter, status int, reason string) {
	g.metrics.reject(reason)
	http.Error(w, http.StatusText(status), status)
}

// HandleWS authenticates the request, upgrades it and runs the session loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		g.reject(w, http.StatusForbidden, "origin")
		return
	}

	convID := strings.TrimSpace(r.PathValue(ConversationPathKey))
	if convID == "" {
		g.reject(w, http.StatusBadRequest, "conversation")
		return
	}

	raw, _ := token.FromRequest(r)
	principal, err := g.auth.Authenticate(r.Context(), raw)
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "fp", token.Fingerprint(raw), "remote", r.RemoteAddr)
		g.reject(w, http.StatusUnauthorized, "auth")
		return
	}

	if g.cfg.RequireMembership {
		if g.members == nil {
			g.log.Error("ws.membership.unconfigured")
			g.reject(w, http.StatusServiceUnavailable, "membership_error")
			return
		}
		ok, err := g.members.IsParticipant(r.Context(), principal.ID, convID)
		if err != nil {
			g.log.Error("ws.membership.fail", "user_id", principal.ID, "conversation_id", convID, "err", err)
			g.reject(w, http.StatusServiceUnavailable, "membership_error")
			return
		}
		if !ok {
			g.log.Info("ws.reject.membership", "user_id", principal.ID, "conversation_id", convID)
			g.reject(w, http.StatusForbidden, "membership")
			return
		}
	}

	sess, err := NewSession(principal, convID, g.cfg.SendQueueSize, g.deps)
	if err != nil {
		g.log.Error("ws.session.fail", "err", err)
		g.reject(w, http.StatusInternalServerError, "session")
		return
	}

	// Join before the upgrade completes so a client that sees the handshake
	// succeed is already a group member. Events queue until the writer runs.
	if err := sess.Open(r.Context()); err != nil {
		g.log.Error("ws.session.open.fail", "err", err)
		g.reject(w, http.StatusInternalServerError, "session")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Browsers that pass the credential as "bearer, <token>" require the
		// server to select one of the offered subprotocols.
		Subprotocols:       []string{wsSubprotocolV1, token.SubprotocolScheme},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.InsecureSkipVerify,
	})
	if err != nil {
		sess.Close()
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	conn.SetReadLimit(maxFrameBytes)

	g.metrics.connOpened()
	defer g.metrics.connClosed()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	log := g.log.With("session_id", sess.ID(), "conversation_id", convID, "user_id", principal.ID)
	client := sess.Client()

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			sess.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case ev := <-client.Send:
				if err := writeEvent(ctx, conn, ev, g.cfg.WriteTimeout); err != nil {
					log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					log.Info("ws.ping.fail", "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		mt, data, err := conn.Read(readCtx)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
			default:
				log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			break readLoop
		}

		if ok, wait := rl.Allow(time.Now()); !ok {
			sess.notifyError(v1.CodeRateLimited, fmt.Sprintf("too many events, retry in %s", wait.Round(time.Millisecond)))
			continue readLoop
		}
		if mt != websocket.MessageText && mt != websocket.MessageBinary {
			continue readLoop
		}

		cmd, err := v1.DecodeCommand(data)
		if err != nil {
			if errors.Is(err, v1.ErrUnknownCommand) {
				log.Debug("ws.command.unknown", "err", err)
				continue readLoop
			}
			sess.notifyError(v1.CodeInvalidPayload, err.Error())
			continue readLoop
		}

		if err := sess.Handle(ctx, cmd); err != nil {
			if errors.Is(err, ErrSessionState) {
				break readLoop
			}
			log.Debug("ws.command.fail", "type", cmd.CommandType(), "err", err)
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

func writeEvent(parent context.Context, conn *websocket.Conn, ev v1.Event, timeout time.Duration) error {
	b, err := v1.EncodeEvent(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}
		if origin == a {
			return nil
		}
		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins keeps websocket.Accept's host
// patterns in agreement with the allowlist.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
