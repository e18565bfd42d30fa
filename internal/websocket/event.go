// Package websocket fans download events out to browser clients over
// Server-Sent Events and WebSocket connections.
package websocket

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ferry-project/ferry/Ferry/internal/download"
)

// EventType represents the type of pushed event
type EventType string

const (
	EventTypeHeartbeat    EventType = "heartbeat"
	EventTypeConnected    EventType = "connected"
	EventTypeSystemStatus EventType = "system_status"
	EventTypeTaskStatus   EventType = EventType(download.EventTaskStatus)
	EventTypeTaskProgress EventType = EventType(download.EventTaskProgress)
)

// Event represents a pushed event
type Event struct {
	Type      EventType `json:"type"`
	Timestamp int64     `json:"timestamp"`

	// Task events
	Key        string `json:"key,omitempty"`
	SourceID   string `json:"sourceId,omitempty"`
	PartID     string `json:"partId,omitempty"`
	Status     string `json:"status,omitempty"`
	Stage      string `json:"stage,omitempty"`
	Progress   *int   `json:"progress,omitempty"`
	Error      string `json:"error,omitempty"`
	OutputPath string `json:"outputPath,omitempty"`

	// Connection and status events
	ConnectionID string `json:"connectionId,omitempty"`
	Connections  int    `json:"connections,omitempty"`
	ActiveTasks  int    `json:"activeTasks,omitempty"`
}

// NewEvent creates a new event with current timestamp
func NewEvent(eventType EventType) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now().UnixMilli(),
	}
}

// ToJSON converts the event to JSON bytes
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// String returns the JSON string representation
func (e *Event) String() string {
	data, err := e.ToJSON()
	if err != nil {
		return fmt.Sprintf(`{"type":"error","message":%q}`, err.Error())
	}
	return string(data)
}

// NewHeartbeatEvent creates a heartbeat event
func NewHeartbeatEvent() *Event {
	return NewEvent(EventTypeHeartbeat)
}

// NewConnectedEvent is the first event every client receives
func NewConnectedEvent(connID string) *Event {
	event := NewEvent(EventTypeConnected)
	event.ConnectionID = connID
	return event
}

// NewSystemStatusEvent creates a system status event
func NewSystemStatusEvent(activeTasks, connections int) *Event {
	event := NewEvent(EventTypeSystemStatus)
	event.ActiveTasks = activeTasks
	event.Connections = connections
	return event
}

// NewTaskEvent converts an orchestrator event.
// Status events carry status, progress, error and output path; progress events carry progress and stage.
func NewTaskEvent(ev download.Event) *Event {
	event := NewEvent(EventType(ev.Type))
	if !ev.Timestamp.IsZero() {
		event.Timestamp = ev.Timestamp.UnixMilli()
	}
	event.Key = ev.Key
	event.SourceID = ev.SourceID
	event.PartID = ev.PartID
	progress := ev.Progress
	event.Progress = &progress

	switch ev.Type {
	case download.EventTaskStatus:
		event.Status = string(ev.Status)
		event.Error = ev.Error
		event.OutputPath = ev.OutputPath
	case download.EventTaskProgress:
		event.Stage = ev.Stage
	}
	return event
}
