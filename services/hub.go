package services

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/alphabatem/common/context"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/k-orbit/korbit_api/model"
	"github.com/k-orbit/korbit_api/shared"
)

const (
	HUB_SVC = "hub_svc"

	// Read deadline is the heartbeat interval times the missed-beat
	// tolerance; a client that misses that many beats is presumed dead.
	HeartbeatInterval   = 30 * time.Second
	MissedBeatTolerance = 2

	CloseCodeAuthFailure = 4001

	sendQueueLimit     = 64
	maxMalformedFrames = 5
	writeTimeout       = 10 * time.Second
)

// Connection lifecycle. Transitions only move forward.
const (
	connAuthenticated = iota
	connActive
	connClosing
	connClosed
)

// HubService is the connection manager for the realtime channel. It runs
// its own net/http listener (fasthttp cannot hand a hijacked connection to
// gorilla) and implements EventSink for the event bus.
type HubService struct {
	context.DefaultService

	jwtSvc *JWTService
	busSvc *EventBusService
	monSvc *MonitoringService

	port     int
	server   *http.Server
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	rooms map[string]map[*wsConn]bool
	conns map[*wsConn]bool
}

func (svc HubService) Id() string {
	return HUB_SVC
}

func (svc *HubService) Configure(ctx *context.Context) error {
	svc.port = 8001
	if port := os.Getenv("WS_PORT"); port != "" {
		var err error
		if svc.port, err = strconv.Atoi(port); err != nil {
			return err
		}
	}

	svc.rooms = map[string]map[*wsConn]bool{}
	svc.conns = map[*wsConn]bool{}
	svc.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	return svc.DefaultService.Configure(ctx)
}

func (svc *HubService) Start() error {
	svc.jwtSvc = svc.Service(JWT_SVC).(*JWTService)
	svc.busSvc = svc.Service(EVENT_BUS_SVC).(*EventBusService)
	svc.monSvc = svc.Service(MONITORING_SVC).(*MonitoringService)

	svc.busSvc.AttachSink(svc)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/notifications", svc.handleWebsocket)

	svc.server = &http.Server{
		Addr:    fmt.Sprintf(":%v", svc.port),
		Handler: mux,
	}

	go func() {
		if err := svc.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("websocket server stopped")
		}
	}()

	log.WithField("port", svc.port).Info("websocket server started")
	return nil
}

func (svc *HubService) Shutdown() {
	svc.mu.Lock()
	conns := make([]*wsConn, 0, len(svc.conns))
	for c := range svc.conns {
		conns = append(conns, c)
	}
	svc.mu.Unlock()

	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
	if svc.server != nil {
		_ = svc.server.Close()
	}
}

func (svc *HubService) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := svc.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	// Token is checked after the upgrade so the client receives a proper
	// close code instead of a failed handshake.
	principal, err := svc.jwtSvc.VerifyJWTToken(r.URL.Query().Get("token"))
	if err != nil {
		msg := websocket.FormatCloseMessage(CloseCodeAuthFailure, "authentication failed")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		_ = conn.Close()
		return
	}

	c := &wsConn{
		hub:       svc,
		conn:      conn,
		principal: principal,
		state:     connAuthenticated,
		wake:      make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}

	svc.mu.Lock()
	svc.conns[c] = true
	svc.mu.Unlock()
	svc.monSvc.ActiveConnections.Inc()

	// Every client listens on its private and org rooms without asking.
	svc.join(c, model.UserRoom(principal.UserID))
	if principal.OrgID != "" {
		svc.join(c, model.OrgRoom(principal.OrgID))
	}

	log.WithFields(log.Fields{
		"user_id": principal.UserID,
		"org_id":  principal.OrgID,
	}).Debug("websocket connected")

	go c.writePump()
	c.readPump()
}

// Deliver implements EventSink. Enqueueing is non-blocking per connection;
// a full queue sheds the oldest low-priority frame.
func (svc *HubService) Deliver(evt model.DomainEvent) {
	frame, err := encodeFrame(evt.Type, evt.Payload, evt.Timestamp)
	if err != nil {
		log.WithError(err).WithField("type", evt.Type).Error("failed to encode event frame")
		return
	}

	svc.mu.RLock()
	members := make([]*wsConn, 0, len(svc.rooms[evt.Room]))
	for c := range svc.rooms[evt.Room] {
		members = append(members, c)
	}
	svc.mu.RUnlock()

	for _, c := range members {
		if !c.enqueue(outboundFrame{data: frame, priority: evt.Priority}) {
			svc.monSvc.EventsDropped.WithLabelValues("queue_full").Inc()
		}
	}
}

func (svc *HubService) join(c *wsConn, room string) {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	if svc.rooms[room] == nil {
		svc.rooms[room] = map[*wsConn]bool{}
	}
	svc.rooms[room][c] = true
	c.joined(room)
}

func (svc *HubService) leave(c *wsConn, room string) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	svc.leaveLocked(c, room)
}

func (svc *HubService) leaveLocked(c *wsConn, room string) {
	if members, ok := svc.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(svc.rooms, room)
		}
	}
	c.left(room)
}

func (svc *HubService) drop(c *wsConn) {
	svc.mu.Lock()
	for room := range c.rooms {
		svc.leaveLocked(c, room)
	}
	if svc.conns[c] {
		delete(svc.conns, c)
		svc.monSvc.ActiveConnections.Dec()
	}
	svc.mu.Unlock()
}

// canAccessRoom mirrors server-side room authorization: everyone may join
// their own private, org and role rooms; admins and managers may join any
// role room.
func (svc *HubService) canAccessRoom(p *Principal, room string) bool {
	switch room {
	case model.UserRoom(p.UserID):
		return true
	case model.OrgRoom(p.OrgID):
		return p.OrgID != ""
	case model.RoleRoom(p.Role):
		return true
	}

	if p.Role == shared.RoleAdmin || p.Role == shared.RoleManager {
		if len(room) > 5 && room[:5] == "role_" {
			return true
		}
	}
	return false
}

type outboundFrame struct {
	data     []byte
	priority string
}

type wsConn struct {
	hub       *HubService
	conn      *websocket.Conn
	principal *Principal

	mu        sync.Mutex
	state     int
	queue     []outboundFrame
	rooms     map[string]bool
	malformed int

	wake      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) joined(room string) {
	c.mu.Lock()
	if c.rooms == nil {
		c.rooms = map[string]bool{}
	}
	c.rooms[room] = true
	c.mu.Unlock()
}

func (c *wsConn) left(room string) {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
}

// enqueue adds a frame to the bounded outbound queue. When the queue is
// full the oldest low-priority frame is shed first; high-priority frames
// are only shed to make room for another high-priority frame.
func (c *wsConn) enqueue(f outboundFrame) bool {
	c.mu.Lock()
	if c.state >= connClosing {
		c.mu.Unlock()
		return false
	}

	if len(c.queue) >= sendQueueLimit {
		victim := -1
		for i := range c.queue {
			if c.queue[i].priority != model.PriorityHigh {
				victim = i
				break
			}
		}

		switch {
		case victim >= 0:
			c.queue = append(c.queue[:victim], c.queue[victim+1:]...)
		case f.priority != model.PriorityHigh:
			c.mu.Unlock()
			return false
		default:
			c.queue = c.queue[1:]
		}
	}

	c.queue = append(c.queue, f)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

func (c *wsConn) writePump() {
	for {
		select {
		case <-c.wake:
		case <-c.closed:
			return
		}

		for {
			c.mu.Lock()
			if len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			frame := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()

			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame.data); err != nil {
				c.close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (c *wsConn) readPump() {
	defer c.close(websocket.CloseNormalClosure, "")

	readDeadline := HeartbeatInterval * MissedBeatTolerance
	_ = c.conn.SetReadDeadline(time.Now().Add(readDeadline))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readDeadline))

		var msg model.Frame
		if err := shared.UnmarshalJSON(data, &msg); err != nil {
			if c.failMalformed("invalid JSON frame") {
				return
			}
			continue
		}

		switch msg.Type {
		case model.ControlPing:
			c.mu.Lock()
			if c.state == connAuthenticated {
				c.state = connActive
			}
			c.mu.Unlock()
			c.sendControl(model.ControlPong, nil)

		case model.ControlSubscribe, model.ControlUnsubscribe:
			var payload model.SubscribePayload
			if msg.Payload != nil {
				if err := shared.UnmarshalJSON(msg.Payload, &payload); err != nil {
					if c.failMalformed("invalid subscribe payload") {
						return
					}
					continue
				}
			}
			if payload.Room == "" {
				if c.failMalformed("room is required") {
					return
				}
				continue
			}

			if msg.Type == model.ControlSubscribe {
				if !c.hub.canAccessRoom(c.principal, payload.Room) {
					c.sendControl(model.ControlError, model.ErrorPayload{Message: "not authorized for room " + payload.Room})
					c.resetMalformed()
					continue
				}
				c.hub.join(c, payload.Room)
				c.sendControl(model.ControlSubscribed, payload)
			} else {
				c.hub.leave(c, payload.Room)
				c.sendControl(model.ControlUnsubscribed, payload)
			}

		default:
			if c.failMalformed("unknown message type") {
				return
			}
			continue
		}

		c.resetMalformed()
	}
}

// failMalformed sends an error frame and reports whether the consecutive
// malformed budget is exhausted.
func (c *wsConn) failMalformed(reason string) bool {
	c.sendControl(model.ControlError, model.ErrorPayload{Message: reason})

	c.mu.Lock()
	c.malformed++
	exhausted := c.malformed >= maxMalformedFrames
	c.mu.Unlock()

	if exhausted {
		c.close(websocket.ClosePolicyViolation, "too many malformed messages")
	}
	return exhausted
}

func (c *wsConn) resetMalformed() {
	c.mu.Lock()
	c.malformed = 0
	c.mu.Unlock()
}

func (c *wsConn) sendControl(frameType string, payload any) {
	frame, err := encodeFrame(frameType, payload, time.Now())
	if err != nil {
		return
	}
	c.enqueue(outboundFrame{data: frame, priority: model.PriorityHigh})
}

func (c *wsConn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = connClosing
		c.mu.Unlock()

		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		_ = c.conn.Close()

		close(c.closed)
		c.hub.drop(c)

		c.mu.Lock()
		c.state = connClosed
		c.mu.Unlock()
	})
}

func encodeFrame(frameType string, payload any, ts time.Time) ([]byte, error) {
	frame := struct {
		Type      string `json:"type"`
		Payload   any    `json:"payload,omitempty"`
		Timestamp string `json:"timestamp"`
	}{
		Type:      frameType,
		Payload:   payload,
		Timestamp: ts.UTC().Format(time.RFC3339),
	}
	return shared.MarshalJSON(frame)
}
