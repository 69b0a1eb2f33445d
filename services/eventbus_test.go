package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k-orbit/korbit_api/dto"
	"github.com/k-orbit/korbit_api/model"
)

func TestPublishFillsDefaults(t *testing.T) {
	sink := &recordingSink{}
	bus := &EventBusService{}
	bus.AttachSink(sink)

	bus.Publish(model.DomainEvent{
		Type: model.EventXPEarned,
		Room: model.UserRoom("u1"),
	})

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, model.PriorityNormal, events[0].Priority)
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestPublishDropsRoomlessEvents(t *testing.T) {
	sink := &recordingSink{}
	bus := &EventBusService{}
	bus.AttachSink(sink)

	bus.Publish(model.DomainEvent{Type: model.EventXPEarned})
	assert.Empty(t, sink.all())
}

func TestPublishWithoutSink(t *testing.T) {
	bus := &EventBusService{}
	assert.NotPanics(t, func() {
		bus.Publish(model.DomainEvent{Type: model.EventXPEarned, Room: "user_u1"})
	})
}

func TestAnnounceRoomSelection(t *testing.T) {
	sink := &recordingSink{}
	bus := &EventBusService{}
	bus.AttachSink(sink)

	// A targeted role goes to the role room.
	resp, err := bus.Announce(dto.AnnouncementRequest{
		Message:    "managers only",
		TargetRole: "manager",
	}, "org1")
	require.NoError(t, err)
	assert.Equal(t, model.RoleRoom("manager"), resp.Room)
	assert.Equal(t, model.PriorityNormal, resp.Priority)

	// No target role falls back to the org room.
	resp, err = bus.Announce(dto.AnnouncementRequest{
		Message:  "everyone",
		Priority: model.PriorityHigh,
	}, "org1")
	require.NoError(t, err)
	assert.Equal(t, model.OrgRoom("org1"), resp.Room)
	assert.Equal(t, model.PriorityHigh, resp.Priority)

	events := sink.all()
	require.Len(t, events, 2)
	assert.Equal(t, model.EventSystemAnnouncement, events[0].Type)
	assert.Equal(t, model.RoleRoom("manager"), events[0].Room)
	assert.Equal(t, model.OrgRoom("org1"), events[1].Room)

	_, err = time.Parse(time.RFC3339, resp.SentAt)
	assert.NoError(t, err)
}
