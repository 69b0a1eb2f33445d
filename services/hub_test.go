package services

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k-orbit/korbit_api/dto"
	"github.com/k-orbit/korbit_api/model"
)

func newTestHub(t *testing.T) (*HubService, *httptest.Server) {
	t.Helper()

	hub := &HubService{
		jwtSvc: &JWTService{AccessTokenDuration: time.Hour, jwtSecretKey: "test-secret"},
		monSvc: newTestMonitoring(),
		rooms:  map[string]map[*wsConn]bool{},
		conns:  map[*wsConn]bool{},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(hub.handleWebsocket))
	t.Cleanup(srv.Close)
	return hub, srv
}

func dialHub(t *testing.T, hub *HubService, srv *httptest.Server, p Principal) *websocket.Conn {
	t.Helper()

	token, err := hub.jwtSvc.ToJWT(p)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/notifications?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	// First ping activates the connection and proves registration is done.
	sendFrame(t, conn, model.ControlPing, nil)
	frame := readFrame(t, conn)
	require.Equal(t, model.ControlPong, frame.Type)

	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, frameType string, payload any) {
	t.Helper()

	frame := map[string]any{"type": frameType, "timestamp": time.Now().UTC().Format(time.RFC3339)}
	if payload != nil {
		frame["payload"] = payload
	}
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readFrame(t *testing.T, conn *websocket.Conn) model.Frame {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame model.Frame
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func assertSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "timeout") || strings.Contains(err.Error(), "deadline"))
	require.NoError(t, conn.SetReadDeadline(time.Time{}))
}

func TestHubRejectsInvalidToken(t *testing.T) {
	_, srv := newTestHub(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/notifications?token=garbage"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The upgrade succeeds; the auth failure arrives as close code 4001.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, CloseCodeAuthFailure))
}

func TestHubDeliversToAutoJoinedRooms(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dialHub(t, hub, srv, Principal{UserID: "u1", OrgID: "org1", Role: "learner"})

	hub.Deliver(model.DomainEvent{
		Type:      model.EventXPEarned,
		Room:      model.UserRoom("u1"),
		Priority:  model.PriorityNormal,
		Payload:   model.XPEarnedPayload{Amount: 50, TotalXP: 50},
		Timestamp: time.Now(),
	})
	frame := readFrame(t, conn)
	assert.Equal(t, model.EventXPEarned, frame.Type)
	assert.NotEmpty(t, frame.Timestamp)

	hub.Deliver(model.DomainEvent{
		Type:      model.EventSystemAnnouncement,
		Room:      model.OrgRoom("org1"),
		Priority:  model.PriorityNormal,
		Timestamp: time.Now(),
	})
	frame = readFrame(t, conn)
	assert.Equal(t, model.EventSystemAnnouncement, frame.Type)

	// Another user's room stays quiet.
	hub.Deliver(model.DomainEvent{
		Type:      model.EventXPEarned,
		Room:      model.UserRoom("u2"),
		Timestamp: time.Now(),
	})
	assertSilence(t, conn)
}

func TestHubSubscribeAuthorization(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dialHub(t, hub, srv, Principal{UserID: "u1", OrgID: "org1", Role: "learner"})

	// A learner may not join another role's room.
	sendFrame(t, conn, model.ControlSubscribe, model.SubscribePayload{Room: model.RoleRoom("admin")})
	frame := readFrame(t, conn)
	assert.Equal(t, model.ControlError, frame.Type)

	// Their own role room is fine.
	sendFrame(t, conn, model.ControlSubscribe, model.SubscribePayload{Room: model.RoleRoom("learner")})
	frame = readFrame(t, conn)
	assert.Equal(t, model.ControlSubscribed, frame.Type)

	hub.Deliver(model.DomainEvent{
		Type:      model.EventSystemAnnouncement,
		Room:      model.RoleRoom("learner"),
		Timestamp: time.Now(),
	})
	frame = readFrame(t, conn)
	assert.Equal(t, model.EventSystemAnnouncement, frame.Type)

	// After unsubscribe the room goes quiet again.
	sendFrame(t, conn, model.ControlUnsubscribe, model.SubscribePayload{Room: model.RoleRoom("learner")})
	frame = readFrame(t, conn)
	assert.Equal(t, model.ControlUnsubscribed, frame.Type)

	hub.Deliver(model.DomainEvent{
		Type:      model.EventSystemAnnouncement,
		Room:      model.RoleRoom("learner"),
		Timestamp: time.Now(),
	})
	assertSilence(t, conn)
}

func TestHubManagerMayJoinAnyRoleRoom(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dialHub(t, hub, srv, Principal{UserID: "m1", OrgID: "org1", Role: "manager"})

	sendFrame(t, conn, model.ControlSubscribe, model.SubscribePayload{Room: model.RoleRoom("learner")})
	frame := readFrame(t, conn)
	assert.Equal(t, model.ControlSubscribed, frame.Type)
}

func TestHubClosesAfterRepeatedMalformedMessages(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dialHub(t, hub, srv, Principal{UserID: "u1", OrgID: "org1", Role: "learner"})

	for i := 0; i < maxMalformedFrames; i++ {
		sendFrame(t, conn, "bogus", nil)
		frame := readFrame(t, conn)
		assert.Equal(t, model.ControlError, frame.Type)
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
}

func TestHubMalformedCounterResets(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dialHub(t, hub, srv, Principal{UserID: "u1", OrgID: "org1", Role: "learner"})

	// A valid frame in between resets the consecutive count.
	for i := 0; i < maxMalformedFrames-1; i++ {
		sendFrame(t, conn, "bogus", nil)
		frame := readFrame(t, conn)
		assert.Equal(t, model.ControlError, frame.Type)
	}
	sendFrame(t, conn, model.ControlPing, nil)
	frame := readFrame(t, conn)
	assert.Equal(t, model.ControlPong, frame.Type)

	sendFrame(t, conn, "bogus", nil)
	frame = readFrame(t, conn)
	assert.Equal(t, model.ControlError, frame.Type)

	sendFrame(t, conn, model.ControlPing, nil)
	frame = readFrame(t, conn)
	assert.Equal(t, model.ControlPong, frame.Type)
}

func TestAnnouncementRoleRoomIsolation(t *testing.T) {
	hub, srv := newTestHub(t)

	manager := dialHub(t, hub, srv, Principal{UserID: "m1", OrgID: "org1", Role: "manager"})
	learner := dialHub(t, hub, srv, Principal{UserID: "u1", OrgID: "org1", Role: "learner"})

	sendFrame(t, manager, model.ControlSubscribe, model.SubscribePayload{Room: model.RoleRoom("manager")})
	frame := readFrame(t, manager)
	require.Equal(t, model.ControlSubscribed, frame.Type)

	bus := &EventBusService{}
	bus.AttachSink(hub)
	resp, err := bus.Announce(dto.AnnouncementRequest{
		Message:    "maintenance window tonight",
		TargetRole: "manager",
		Priority:   model.PriorityHigh,
	}, "org1")
	require.NoError(t, err)
	assert.Equal(t, model.RoleRoom("manager"), resp.Room)

	frame = readFrame(t, manager)
	assert.Equal(t, model.EventSystemAnnouncement, frame.Type)

	var payload model.SystemAnnouncementPayload
	require.NoError(t, json.Unmarshal(frame.Payload, &payload))
	assert.Equal(t, "maintenance window tonight", payload.Message)

	// The learner shares the org but not the role room.
	assertSilence(t, learner)

	// An untargeted announcement lands in the org room for everyone.
	_, err = bus.Announce(dto.AnnouncementRequest{Message: "all hands"}, "org1")
	require.NoError(t, err)
	frame = readFrame(t, manager)
	assert.Equal(t, model.EventSystemAnnouncement, frame.Type)
	frame = readFrame(t, learner)
	assert.Equal(t, model.EventSystemAnnouncement, frame.Type)
}

func TestEnqueueShedsOldestLowPriority(t *testing.T) {
	c := &wsConn{
		state:  connActive,
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}

	for i := 0; i < sendQueueLimit; i++ {
		ok := c.enqueue(outboundFrame{
			data:     []byte(fmt.Sprintf("low-%d", i)),
			priority: model.PriorityLow,
		})
		require.True(t, ok)
	}

	// Queue full: a new frame sheds the oldest low-priority one.
	ok := c.enqueue(outboundFrame{data: []byte("normal-0"), priority: model.PriorityNormal})
	require.True(t, ok)
	assert.Len(t, c.queue, sendQueueLimit)
	assert.Equal(t, []byte("low-1"), c.queue[0].data)
	assert.Equal(t, []byte("normal-0"), c.queue[len(c.queue)-1].data)
}

func TestEnqueueHighPriorityQueue(t *testing.T) {
	c := &wsConn{
		state:  connActive,
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}

	for i := 0; i < sendQueueLimit; i++ {
		ok := c.enqueue(outboundFrame{
			data:     []byte(fmt.Sprintf("high-%d", i)),
			priority: model.PriorityHigh,
		})
		require.True(t, ok)
	}

	// Low-priority frames are dropped when only high frames remain.
	ok := c.enqueue(outboundFrame{data: []byte("low-0"), priority: model.PriorityLow})
	assert.False(t, ok)
	assert.Len(t, c.queue, sendQueueLimit)

	// High frames only shed the oldest high frame for another high frame.
	ok = c.enqueue(outboundFrame{data: []byte("high-new"), priority: model.PriorityHigh})
	require.True(t, ok)
	assert.Len(t, c.queue, sendQueueLimit)
	assert.Equal(t, []byte("high-1"), c.queue[0].data)
	assert.Equal(t, []byte("high-new"), c.queue[len(c.queue)-1].data)
}

func TestEnqueueRejectsWhenClosing(t *testing.T) {
	c := &wsConn{
		state:  connClosing,
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}

	ok := c.enqueue(outboundFrame{data: []byte("x"), priority: model.PriorityHigh})
	assert.False(t, ok)
}
