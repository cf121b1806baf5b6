// Package audit records the deploy/delete audit trail (spec §7): one event
// per mutating control-plane action, independent of whether the action
// itself succeeded, so a rejected deploy is as visible as an accepted one.
package audit

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/loadstub/gateway/internal/logging"
)

// Action names a mutating control-plane operation.
type Action string

const (
	ActionDeploy Action = "deploy"
	ActionDelete Action = "delete"
	ActionUpdate Action = "update"
	ActionRollback Action = "rollback"
)

// Status is the outcome recorded against an Event.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Event is one audit record, shaped per spec §7:
// {timestamp, userId, action, resource, status, details, ip}.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	UserID    string         `json:"userId"`
	Action    Action         `json:"action"`
	Resource  string         `json:"resource"`
	Status    Status         `json:"status"`
	Details   map[string]any `json:"details,omitempty"`
	IP        string         `json:"ip,omitempty"`
}

// Sink persists or forwards an Event. Implementations must not block the
// caller meaningfully — Record is on the request path for deploy/delete.
type Sink interface {
	Record(ctx context.Context, ev Event)
}

// Recorder is the audit trail: a console/file sink by default (mirroring
// logging.Logger), optionally fanned out to a secondary Sink such as a
// durable store or a SIEM forwarder.
type Recorder struct {
	mu      sync.Mutex
	enabled bool
	console bool
	file    *os.File
	extra   Sink
}

// New builds a Recorder. console controls whether events are also printed
// as one line per event for local/dev visibility; extra may be nil.
func New(enabled, console bool, extra Sink) *Recorder {
	return &Recorder{enabled: enabled, console: console, extra: extra}
}

// SetOutput directs JSON-lines audit output to path, opening it for append.
func (r *Recorder) SetOutput(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		r.file.Close()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	r.file = f
	return nil
}

// Close releases the output file, if any.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
}

// Record writes ev. Disabled recorders are a no-op so tests and minimal
// deployments don't pay for an audit trail they didn't ask for.
func (r *Recorder) Record(ctx context.Context, ev Event) {
	if !r.enabled {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	r.mu.Lock()
	if r.console {
		logging.Op().Info("audit",
			"action", string(ev.Action), "resource", ev.Resource, "status", string(ev.Status),
			"user_id", ev.UserID, "ip", ev.IP)
	}
	if r.file != nil {
		data, err := json.Marshal(ev)
		if err == nil {
			r.file.Write(append(data, '\n'))
		}
	}
	r.mu.Unlock()

	if r.extra != nil {
		r.extra.Record(ctx, ev)
	}
}

// Deploy records a deploy action.
func (r *Recorder) Deploy(ctx context.Context, userID, functionID, ip string, success bool, details map[string]any) {
	r.Record(ctx, Event{UserID: userID, Action: ActionDeploy, Resource: functionID, Status: statusOf(success), Details: details, IP: ip})
}

// Delete records a delete action.
func (r *Recorder) Delete(ctx context.Context, userID, functionID, ip string, success bool, details map[string]any) {
	r.Record(ctx, Event{UserID: userID, Action: ActionDelete, Resource: functionID, Status: statusOf(success), Details: details, IP: ip})
}

func statusOf(success bool) Status {
	if success {
		return StatusSuccess
	}
	return StatusFailure
}
