package services

import (
	"sync"
	"time"

	"github.com/alphabatem/common/context"
	log "github.com/sirupsen/logrus"

	"github.com/k-orbit/korbit_api/dto"
	"github.com/k-orbit/korbit_api/model"
)

// EventSink receives routed domain events. The hub registers itself as the
// sink; tests register fakes. Deliver must not block.
type EventSink interface {
	Deliver(evt model.DomainEvent)
}

// EventBusService routes domain events from producers (the completion
// pipeline, gamification service, announcements) to the realtime sink.
// Publish never blocks the caller: a missing sink or a slow consumer costs
// the event, not the request.
type EventBusService struct {
	context.DefaultService

	mu    sync.RWMutex
	sinks []EventSink

	monSvc *MonitoringService
}

const EVENT_BUS_SVC = "event_bus_svc"

func (svc EventBusService) Id() string {
	return EVENT_BUS_SVC
}

func (svc *EventBusService) Start() error {
	svc.monSvc = svc.Service(MONITORING_SVC).(*MonitoringService)
	return nil
}

func (svc *EventBusService) AttachSink(sink EventSink) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	svc.sinks = append(svc.sinks, sink)
}

func (svc *EventBusService) Publish(evt model.DomainEvent) {
	if evt.Room == "" {
		log.WithField("type", evt.Type).Warn("event without a room dropped")
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	if evt.Priority == "" {
		evt.Priority = model.PriorityNormal
	}

	svc.mu.RLock()
	sinks := svc.sinks
	svc.mu.RUnlock()

	if len(sinks) == 0 {
		log.WithFields(log.Fields{
			"type": evt.Type,
			"room": evt.Room,
		}).Debug("no sink attached, event dropped")
		return
	}

	for _, sink := range sinks {
		sink.Deliver(evt)
	}

	if svc.monSvc != nil {
		svc.monSvc.EventsPublished.WithLabelValues(evt.Type).Inc()
	}
}

// Announce broadcasts a system announcement into the target role room, or
// the org room when no role is named.
func (svc *EventBusService) Announce(req dto.AnnouncementRequest, orgID string) (*dto.AnnouncementResponse, error) {
	room := model.OrgRoom(orgID)
	if req.TargetRole != "" {
		room = model.RoleRoom(req.TargetRole)
	}

	priority := req.Priority
	if priority == "" {
		priority = model.PriorityNormal
	}

	now := time.Now()
	svc.Publish(model.DomainEvent{
		Type:     model.EventSystemAnnouncement,
		Room:     room,
		Priority: priority,
		Payload: model.SystemAnnouncementPayload{
			Message:    req.Message,
			Priority:   priority,
			TargetRole: req.TargetRole,
		},
		Timestamp: now,
	})

	log.WithFields(log.Fields{
		"room":     room,
		"priority": priority,
	}).Info("announcement published")

	return &dto.AnnouncementResponse{
		Room:     room,
		Priority: priority,
		SentAt:   now.UTC().Format(time.RFC3339),
	}, nil
}
