package client

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/k-orbit/korbit_api/model"
	"github.com/k-orbit/korbit_api/shared"
)

// State is the connection lifecycle state of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnectScheduled
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnectScheduled:
		return "reconnect_scheduled"
	default:
		return "disconnected"
	}
}

// transitionTo validates a lifecycle transition. Reconnects may only be
// scheduled from Disconnected, which is what keeps at most one pending
// attempt alive at a time.
func (s State) transitionTo(newState State) (State, error) {
	switch s {
	case StateDisconnected:
		switch newState {
		case StateConnecting, StateReconnectScheduled:
			return newState, nil
		}
	case StateConnecting:
		switch newState {
		case StateConnected, StateDisconnected:
			return newState, nil
		}
	case StateConnected:
		if newState == StateDisconnected {
			return newState, nil
		}
	case StateReconnectScheduled:
		switch newState {
		case StateConnecting, StateDisconnected:
			return newState, nil
		}
	}
	return s, fmt.Errorf("invalid state transition from %v to %v", s, newState)
}

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultReconnectDelay    = 2 * time.Second
	DefaultMaxReconnects     = 5
	defaultEventBuffer       = 64
)

// Config configures a Session. URL is the full websocket endpoint
// (ws://host:port/ws/notifications); Token is the bearer credential
// presented at handshake.
type Config struct {
	URL   string
	Token string

	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	MaxReconnects     int
}

func (c *Config) withDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = DefaultMaxReconnects
	}
}

// Session maintains a websocket connection to the notification endpoint.
// It heartbeats while connected, schedules exactly one reconnect attempt
// per disconnect, and exposes received frames in arrival order on Events.
type Session struct {
	cfg Config

	mu    sync.Mutex
	state State
	conn  *websocket.Conn

	writeMu sync.Mutex

	failures       int
	reconnectTimer *time.Timer
	heartbeatStop  chan struct{}
	userClosed     bool

	events chan model.Frame
	done   chan error

	closeOnce sync.Once
}

// NewSession builds a session; Connect must be called to open it.
func NewSession(cfg Config) *Session {
	cfg.withDefaults()
	return &Session{
		cfg:    cfg,
		state:  StateDisconnected,
		events: make(chan model.Frame, defaultEventBuffer),
		done:   make(chan error, 1),
	}
}

// Events returns received frames strictly in arrival order. The channel
// is closed when the session terminates.
func (s *Session) Events() <-chan model.Frame {
	return s.events
}

// Done yields the terminal error once the session gives up reconnecting.
// A user-initiated Close yields nil.
func (s *Session) Done() <-chan error {
	return s.done
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect opens the initial connection. An initial failure is returned to
// the caller rather than retried: it is usually a misconfigured URL or a
// bad credential, which no amount of retrying fixes.
func (s *Session) Connect() error {
	s.mu.Lock()
	if err := s.transition(StateConnecting); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	conn, err := s.dial()
	if err != nil {
		s.mu.Lock()
		s.mustTransition(StateDisconnected)
		s.mu.Unlock()
		return fmt.Errorf("failed to connect: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.failures = 0
	s.mustTransition(StateConnected)
	s.startHeartbeatLocked()
	s.mu.Unlock()

	go s.readLoop(conn)
	return nil
}

// Subscribe asks the server to add this session to a room.
func (s *Session) Subscribe(room string) error {
	return s.sendControl(model.ControlSubscribe, model.SubscribePayload{Room: room})
}

// Unsubscribe asks the server to remove this session from a room.
func (s *Session) Unsubscribe(room string) error {
	return s.sendControl(model.ControlUnsubscribe, model.SubscribePayload{Room: room})
}

// Close tears the session down: pending reconnect timers are cancelled,
// the heartbeat stops, and the active connection (if any) is closed.
func (s *Session) Close() error {
	s.mu.Lock()
	s.userClosed = true
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	s.stopHeartbeatLocked()
	conn := s.conn
	s.conn = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	var err error
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = conn.Close()
	}

	s.finish(nil)
	return err
}

func (s *Session) dial() (*websocket.Conn, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("token", s.cfg.Token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	return conn, err
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.handleDisconnect(conn, err)
			return
		}

		var frame model.Frame
		if err := shared.UnmarshalJSON(data, &frame); err != nil {
			log.WithError(err).Debug("session: unparseable frame skipped")
			continue
		}

		// Pongs only confirm liveness, everything else is surfaced.
		if frame.Type == model.ControlPong {
			continue
		}

		select {
		case s.events <- frame:
		default:
			log.WithField("type", frame.Type).Warn("session: event buffer full, frame dropped")
		}
	}
}

// handleDisconnect runs every time a read loop dies. A user-initiated
// close is final; anything else schedules one reconnect attempt unless
// one is already pending or the failure budget is spent.
func (s *Session) handleDisconnect(conn *websocket.Conn, cause error) {
	_ = conn.Close()

	s.mu.Lock()
	if s.userClosed || s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.stopHeartbeatLocked()
	s.mustTransition(StateDisconnected)

	if s.failures >= s.cfg.MaxReconnects {
		s.mu.Unlock()
		s.finish(fmt.Errorf("connection lost after %d reconnect attempts: %w", s.failures, cause))
		return
	}

	s.scheduleReconnectLocked()
	s.mu.Unlock()

	log.WithError(cause).WithField("failures", s.failures).
		Info("session: disconnected, reconnect scheduled")
}

func (s *Session) scheduleReconnectLocked() {
	if err := s.transition(StateReconnectScheduled); err != nil {
		// Already scheduled or closing.
		return
	}
	s.reconnectTimer = time.AfterFunc(s.cfg.ReconnectDelay, s.reconnect)
}

func (s *Session) reconnect() {
	s.mu.Lock()
	if s.userClosed {
		s.mu.Unlock()
		return
	}
	s.reconnectTimer = nil
	if err := s.transition(StateConnecting); err != nil {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	conn, err := s.dial()

	s.mu.Lock()
	if s.userClosed {
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}

	if err != nil {
		s.failures++
		s.mustTransition(StateDisconnected)
		if s.failures >= s.cfg.MaxReconnects {
			s.mu.Unlock()
			s.finish(fmt.Errorf("reconnect failed after %d attempts: %w", s.failures, err))
			return
		}
		s.scheduleReconnectLocked()
		s.mu.Unlock()
		log.WithError(err).WithField("attempt", s.failures).Warn("session: reconnect failed")
		return
	}

	s.conn = conn
	s.failures = 0
	s.mustTransition(StateConnected)
	s.startHeartbeatLocked()
	s.mu.Unlock()

	go s.readLoop(conn)
	log.Info("session: reconnected")
}

func (s *Session) startHeartbeatLocked() {
	stop := make(chan struct{})
	s.heartbeatStop = stop

	go func() {
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := s.sendControl(model.ControlPing, nil); err != nil {
					return
				}
			}
		}
	}()
}

func (s *Session) stopHeartbeatLocked() {
	if s.heartbeatStop != nil {
		close(s.heartbeatStop)
		s.heartbeatStop = nil
	}
}

func (s *Session) sendControl(msgType string, payload interface{}) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("session not connected")
	}

	frame := struct {
		Type      string      `json:"type"`
		Payload   interface{} `json:"payload,omitempty"`
		Timestamp string      `json:"timestamp"`
	}{
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	data, err := shared.MarshalJSON(frame)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) finish(err error) {
	s.closeOnce.Do(func() {
		if err != nil {
			s.done <- err
		}
		close(s.done)
		close(s.events)
	})
}

func (s *Session) transition(newState State) error {
	next, err := s.state.transitionTo(newState)
	if err != nil {
		return err
	}
	s.state = next
	return nil
}

func (s *Session) mustTransition(newState State) {
	if err := s.transition(newState); err != nil {
		log.WithError(err).Error("session: state machine bug")
		s.state = newState
	}
}
