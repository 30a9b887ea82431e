package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"optionflow/pkg/logger"
)

var (
	// ErrHandshakeRejected means the server refused the websocket upgrade.
	ErrHandshakeRejected = errors.New("handshake rejected")
	// ErrNetworkUnavailable means the endpoint could not be reached.
	ErrNetworkUnavailable = errors.New("network unavailable")
	// ErrConnectTimeout means the dial did not complete in time.
	ErrConnectTimeout = errors.New("connect timeout")
	// ErrNotConnected is returned by Send when there is no live transport.
	ErrNotConnected = errors.New("not connected")
	// ErrConnectInProgress is returned by Connect while another call is
	// still dialing.
	ErrConnectInProgress = errors.New("connect already in progress")
)

// SessionState tracks the connection lifecycle.
type SessionState int32

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "disconnected"
	}
}

// frameHandler extracts a payload from one inbound frame and writes it to
// the store. Handlers run serially on the read loop goroutine.
type frameHandler func(s *Session, f Frame)

// Session owns the duplex connection to the trading venue. Inbound frames
// are decoded on a single read loop, dispatched by name, and written into
// the Store; outbound commands may be sent concurrently from any goroutine.
// Connect never retries internally; retry policy belongs to the caller.
type Session struct {
	url     string
	token   string
	dialer  *websocket.Dialer
	store   *Store
	limiter *rate.Limiter
	log     *logrus.Entry

	mu    sync.Mutex // guards conn, state, and the single websocket writer
	conn  *websocket.Conn
	state SessionState

	handlers map[string]frameHandler
}

// NewSession builds a session for the given websocket endpoint. token is
// the session credential obtained from the HTTP login and is presented in
// an authenticate command right after the transport opens.
func NewSession(wsURL, token string, store *Store, sendRatePerSecond float64) *Session {
	if sendRatePerSecond <= 0 {
		sendRatePerSecond = 20
	}
	return &Session{
		url:      wsURL,
		token:    token,
		dialer:   &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		store:    store,
		limiter:  rate.NewLimiter(rate.Limit(sendRatePerSecond), int(sendRatePerSecond)),
		log:      logger.WithComponent("session"),
		handlers: defaultHandlers(),
	}
}

// Store exposes the backing state store.
func (s *Session) Store() *Store { return s.store }

// State returns the current connection state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsConnected reports whether the transport is live.
func (s *Session) IsConnected() bool { return s.State() == StateConnected }

// Connect establishes the duplex stream and starts the read loop. It does
// not retry; callers apply backoff around it. Errors are classified so the
// caller can distinguish a rejected handshake from an unreachable network.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateConnected:
		s.mu.Unlock()
		return nil
	case StateConnecting:
		s.mu.Unlock()
		return ErrConnectInProgress
	case StateClosed:
		s.mu.Unlock()
		return errors.New("session closed")
	}
	s.state = StateConnecting
	s.mu.Unlock()

	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		return classifyDialError(err)
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StateConnected
	s.mu.Unlock()

	s.store.Reset()
	go s.readLoop(conn)

	// Present the session credential; the server answers with profile and
	// balance pushes once accepted.
	if _, err := s.Send(ctx, CmdAuthenticate, map[string]string{"token": s.token}); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	s.log.WithField("url", s.url).Info("session connected")
	return nil
}

// Close shuts the session down permanently.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateClosed
	if s.conn != nil {
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = s.conn.Close()
		s.conn = nil
	}
}

// Send serializes a command frame and writes it to the transport. It waits
// only for local write success, never for the semantic effect. The returned
// request id correlates any pushes the server emits in response.
func (s *Session) Send(ctx context.Context, cmdType string, payload interface{}) (string, error) {
	cmd := Command{
		Type:      cmdType,
		Payload:   payload,
		RequestID: uuid.NewString(),
	}
	raw, err := json.Marshal(cmd)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", cmdType, err)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected || s.conn == nil {
		return "", ErrNotConnected
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return "", fmt.Errorf("send %s: %w", cmdType, err)
	}
	return cmd.RequestID, nil
}

// AwaitValue blocks the calling goroutine until the store holds an entry
// for key sequenced after the given snapshot, or the timeout elapses.
// This is the sole mechanism turning push-based updates into
// request/response calls: snapshot the key, send the command, await.
func (s *Session) AwaitValue(ctx context.Context, key string, after uint64, timeout time.Duration) (Entry, error) {
	return s.store.AwaitNewer(ctx, key, after, timeout)
}

// readLoop decodes inbound frames and dispatches them serially, preserving
// per-key write order in the store. A malformed frame is logged and dropped
// without tearing down the connection.
func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.handleDisconnect(conn, err)
			return
		}

		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			s.log.WithError(err).Warn("dropping malformed frame")
			continue
		}
		if f.Name == "" {
			s.log.Warn("dropping frame without name")
			continue
		}

		handler, ok := s.handlers[f.Name]
		if !ok {
			s.log.WithField("name", f.Name).Debug("no handler for frame")
			continue
		}
		handler(s, f)
	}
}

// handleDisconnect transitions to DISCONNECTED and fails in-flight awaits
// so callers see ErrConnectionLost instead of hanging to their timeout.
// Only the loop of the currently active transport fails the store; a
// stale loop whose conn was already replaced by a reconnect must not
// undo that reconnect's Reset.
func (s *Session) handleDisconnect(conn *websocket.Conn, err error) {
	s.mu.Lock()
	closed := s.state == StateClosed
	active := s.conn == conn
	if active {
		s.conn = nil
		if !closed {
			s.state = StateDisconnected
		}
	}
	s.mu.Unlock()

	_ = conn.Close()
	if active {
		s.store.Fail(ErrConnectionLost)
	}

	if closed || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.log.Debug("session closed")
		return
	}
	s.log.WithError(err).Warn("transport dropped")
}

func classifyDialError(err error) error {
	if errors.Is(err, websocket.ErrBadHandshake) {
		return fmt.Errorf("%w: %v", ErrHandshakeRejected, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
}
