// Package tasks keeps the in-memory projection of running conversions that
// the CLI progress view and the HTTP API show, and the event stream that
// feeds them.
package tasks

import (
	"math"
	"strings"
	"sync"

	"github.com/dgnsrekt/readaloud/internal/conversion"
	"github.com/google/uuid"
	"github.com/muesli/reflow/truncate"
)

// PreviewWidth bounds the text preview kept per task.
const PreviewWidth = 200

// Tracker is safe for concurrent use.
type Tracker struct {
	mu    sync.RWMutex
	tasks map[string]*conversion.Task
	order []string
	bus   *EventBus
}

// NewTracker creates a tracker. Changes are published on bus when it is
// not nil.
func NewTracker(bus *EventBus) *Tracker {
	return &Tracker{
		tasks: make(map[string]*conversion.Task),
		bus:   bus,
	}
}

// Add registers a pending task and returns its id.
func (t *Tracker) Add(name string, kind conversion.SourceKind) string {
	id := uuid.NewString()

	t.mu.Lock()
	t.tasks[id] = &conversion.Task{
		ID:     id,
		Name:   name,
		Kind:   kind,
		Status: conversion.StatusPending,
	}
	t.order = append(t.order, id)
	t.mu.Unlock()

	t.publish(Event{TaskID: id, Type: EventTypeStatus, Status: conversion.StatusPending, Message: name})
	return id
}

// Bind links a task to the durable record created for it.
func (t *Tracker) Bind(taskID, recordID string) {
	t.mu.Lock()
	task, ok := t.tasks[taskID]
	if ok {
		task.RecordID = recordID
	}
	t.mu.Unlock()
}

// Update moves a task forward. Progress never decreases and a terminal
// task is not changed again. It reports whether anything changed.
func (t *Tracker) Update(taskID string, status conversion.Status, progress float64, message string) bool {
	t.mu.Lock()
	task, ok := t.tasks[taskID]
	if !ok || task.Status.IsTerminal() {
		t.mu.Unlock()
		return false
	}

	prevStatus, prevProgress := task.Status, task.Progress
	if status != "" {
		task.Status = status
	}
	task.Progress = math.Max(task.Progress, math.Min(progress, 100))
	if status == conversion.StatusError {
		task.Error = message
	}
	snapshot := *task
	t.mu.Unlock()

	switch {
	case snapshot.Status == conversion.StatusError:
		t.publish(Event{TaskID: taskID, RecordID: snapshot.RecordID, Type: EventTypeError,
			Status: snapshot.Status, Progress: snapshot.Progress, Message: message})
	case snapshot.Status == conversion.StatusCompleted:
		t.publish(Event{TaskID: taskID, RecordID: snapshot.RecordID, Type: EventTypeResult,
			Status: snapshot.Status, Progress: snapshot.Progress, Message: message})
	case snapshot.Status != prevStatus:
		t.publish(Event{TaskID: taskID, RecordID: snapshot.RecordID, Type: EventTypeStatus,
			Status: snapshot.Status, Progress: snapshot.Progress, Message: message})
	case snapshot.Progress != prevProgress:
		t.publish(Event{TaskID: taskID, RecordID: snapshot.RecordID, Type: EventTypeProgress,
			Status: snapshot.Status, Progress: snapshot.Progress, Message: message})
	default:
		return false
	}
	return true
}

// SetPreview stores a short excerpt of the extracted text.
func (t *Tracker) SetPreview(taskID, text string) {
	preview := strings.Join(strings.Fields(text), " ")
	preview = truncate.StringWithTail(preview, PreviewWidth, "...")

	t.mu.Lock()
	if task, ok := t.tasks[taskID]; ok {
		task.Preview = preview
	}
	t.mu.Unlock()
}

// Get returns a copy of one task.
func (t *Tracker) Get(taskID string) (conversion.Task, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	task, ok := t.tasks[taskID]
	if !ok {
		return conversion.Task{}, false
	}
	return *task, true
}

// Snapshot returns copies of all tasks in submission order.
func (t *Tracker) Snapshot() []conversion.Task {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]conversion.Task, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, *t.tasks[id])
	}
	return out
}

// Remove forgets a task.
func (t *Tracker) Remove(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remove(taskID)
}

// Reconcile drops tasks whose record is terminal in the store. The dropped
// tasks are returned with the stored status, progress and error copied in.
func (t *Tracker) Reconcile(records []conversion.Record) []conversion.Task {
	byID := make(map[string]*conversion.Record, len(records))
	for i := range records {
		byID[records[i].ID] = &records[i]
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var dropped []conversion.Task
	for _, id := range append([]string(nil), t.order...) {
		task := t.tasks[id]
		r, ok := byID[task.RecordID]
		if task.RecordID == "" || !ok || !r.Status.IsTerminal() {
			continue
		}
		done := *task
		done.Status = r.Status
		done.Progress = r.Analytics.Progress
		done.Error = r.ErrorMessage
		dropped = append(dropped, done)
		t.remove(id)
	}
	return dropped
}

func (t *Tracker) remove(taskID string) {
	if _, ok := t.tasks[taskID]; !ok {
		return
	}
	delete(t.tasks, taskID)
	for i, id := range t.order {
		if id == taskID {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

func (t *Tracker) publish(e Event) {
	if t.bus != nil {
		t.bus.Publish(e)
	}
}
