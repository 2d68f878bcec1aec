// Package main provides a CI-friendly WebSocket smoke test for murmur.
//
// It validates, against a running server:
//   - token auth via Authorization header (A) and the bearer subprotocol (B)
//   - typing fanout without echo to the sender
//   - new_message fanout to both participants
//   - read_receipt fanout
//
// The two users and their conversation must exist:
//
//	murmur user ensure alice bob
//	murmur conversation start --as alice bob
package main

import (
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "murmur/shared/contracts/realtime/v1"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

// devClaims mirrors the server's credential payload (cmd/internal/auth/gate.Claims),
// which this package cannot import across the internal boundary.
type devClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

const (
	subprotocol  = "murmur.v1"
	maxReadBytes = 1 << 20 // 1MiB
)

type smokeClient struct {
	name  string
	conn  *websocket.Conn
	inbox chan v1.Event
	errCh chan error
}

func main() {
	var (
		baseURL = flag.String("url", "ws://127.0.0.1:8080", "server base URL (ws:// or wss://)")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		convID  = flag.String("conv", "", "conversation ID shared by -a and -b")
		userA   = flag.String("a", "alice", "first participant")
		userB   = flag.String("b", "bob", "second participant")
		secret  = flag.String("secret", os.Getenv("MURMUR_JWT_SECRET"), "HS256 secret (defaults to MURMUR_JWT_SECRET)")
		text    = flag.String("text", "hello from ws-smoke", "message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "per-step timeout")
		verbose = flag.Bool("v", false, "verbose output")
	)
	flag.Parse()

	if strings.TrimSpace(*convID) == "" {
		fatalf("-conv is required")
	}
	if *secret == "" {
		fatalf("-secret or MURMUR_JWT_SECRET is required")
	}
	wsURL, err := chatURL(*baseURL, *convID)
	if err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	tokA := mustMint(*secret, *userA, *timeout)
	tokB := mustMint(*secret, *userB, *timeout)

	hA := http.Header{}
	hA.Set("Authorization", "Bearer "+tokA)
	a := mustConnect("A", wsURL, *origin, hA, []string{subprotocol}, *timeout)
	defer a.close()

	b := mustConnect("B", wsURL, *origin, http.Header{}, []string{subprotocol, "bearer", tokB}, *timeout)
	defer b.close()

	if *verbose {
		fmt.Printf("connected: A=%s B=%s url=%s\n", *userA, *userB, wsURL)
	}

	// Typing reaches B; A must not see its own.
	a.mustSend(v1.TypingCommand{Status: v1.TypingStarted}, *timeout)
	typing := b.mustReadUntil(v1.EventTypingIndicator, *timeout).(v1.TypingIndicatorEvent)
	if typing.Username != *userA || typing.Status != v1.TypingStarted {
		fatalf("typing: got %+v", typing)
	}

	a.mustSend(v1.NewMessageCommand{Message: *text}, *timeout)
	var msgID string
	for _, c := range []*smokeClient{a, b} {
		// A's own typing would have arrived before the message.
		ev := c.mustReadUntil(v1.EventChatMessage, *timeout, v1.EventTypingIndicator).(v1.ChatMessageEvent)
		if ev.Message.Content != *text || ev.Message.AuthorUsername != *userA || ev.ConversationID != *convID {
			fatalf("message (%s): got %+v", c.name, ev)
		}
		if msgID != "" && ev.Message.ID != msgID {
			fatalf("message id mismatch: %s vs %s", msgID, ev.Message.ID)
		}
		msgID = ev.Message.ID
	}

	b.mustSend(v1.ReadReceiptCommand{}, *timeout)
	rr := a.mustReadUntil(v1.EventReadReceipt, *timeout).(v1.ReadReceiptEvent)
	if rr.Username != *userB {
		fatalf("read receipt: got %+v", rr)
	}

	fmt.Printf("OK: conv_id=%s message_id=%s a=%s b=%s\n", *convID, msgID, *userA, *userB)
}

func chatURL(base, convID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("missing host")
	}
	u.Path = "/ws/chat/" + url.PathEscape(convID)
	return u.String(), nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

// mustMint signs a short-lived dev token; the server only checks signature,
// expiry and that the username exists.
func mustMint(secret, username string, ttl time.Duration) string {
	now := time.Now()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, devClaims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl + time.Minute)),
		},
	}).SignedString([]byte(secret))
	if err != nil {
		fatalf("mint token for %s: %v", username, err)
	}
	return tok
}

func mustConnect(name, wsURL, origin string, h http.Header, protocols []string, stepTimeout time.Duration) *smokeClient {
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: stepTimeout,
		Subprotocols:     protocols,
	}
	conn, resp, err := dialer.Dial(wsURL, h)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			fatalf("connect %s: %v (HTTP %d)", name, err, resp.StatusCode)
		}
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != "" && got != subprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", name, got, subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Event, 512),
		errCh: make(chan error, 1),
	}
	go c.readLoop()
	return c
}

func (c *smokeClient) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.errCh <- err
			return
		}
		ev, err := v1.DecodeEvent(data)
		if err != nil {
			c.errCh <- fmt.Errorf("decode event: %w (%s)", err, data)
			return
		}
		c.inbox <- ev
	}
}

func (c *smokeClient) mustSend(cmd v1.Command, stepTimeout time.Duration) {
	data, err := v1.EncodeCommand(cmd)
	if err != nil {
		fatalf("encode %s (%s): %v", cmd.CommandType(), c.name, err)
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(stepTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		fatalf("write %s (%s): %v", cmd.CommandType(), c.name, err)
	}
}

// mustReadUntil skips unrelated events. Error events and forbidden types are fatal.
func (c *smokeClient) mustReadUntil(eventType string, stepTimeout time.Duration, forbidden ...string) v1.Event {
	deadline := time.After(stepTimeout)
	for {
		select {
		case ev := <-c.inbox:
			if e, ok := ev.(v1.ErrorEvent); ok {
				fatalf("server error (%s): %s: %s", c.name, e.Code, e.Message)
			}
			for _, f := range forbidden {
				if ev.EventType() == f {
					fatalf("%s unexpectedly received %s", c.name, f)
				}
			}
			if ev.EventType() == eventType {
				return ev
			}
		case err := <-c.errCh:
			fatalf("read (%s) waiting for %s: %v", c.name, eventType, err)
		case <-deadline:
			fatalf("timeout (%s) waiting for %s", c.name, eventType)
		}
	}
}

func (c *smokeClient) close() {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second))
	_ = c.conn.Close()
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
