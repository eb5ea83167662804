package ui

import (
	"context"
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dgnsrekt/readaloud/internal/conversion"
	"github.com/dgnsrekt/readaloud/internal/tasks"
)

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func update(t *testing.T, m Progress, msg tea.Msg) (Progress, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	p, ok := next.(Progress)
	if !ok {
		t.Fatalf("Update returned %T", next)
	}
	return p, cmd
}

func isQuit(cmd tea.Cmd) bool {
	if cmd == nil {
		return false
	}
	_, ok := cmd().(tea.QuitMsg)
	return ok
}

// TestProgress_RunsWorkAndDrainsEvents drives the view the way the program
// loop does: the work publishes through a tracker and the view keeps
// reading until the subscription closes.
func TestProgress_RunsWorkAndDrainsEvents(t *testing.T) {
	bus := tasks.NewEventBus(0)
	tracker := tasks.NewTracker(bus)

	m := NewProgress(context.Background(), bus, func(ctx context.Context) error {
		ok := tracker.Add("report.pdf", conversion.SourcePDF)
		tracker.Bind(ok, "rec-1")
		tracker.Update(ok, conversion.StatusProcessing, 10, string(conversion.StageUpload))
		tracker.Update(ok, conversion.StatusProcessing, 55, string(conversion.StageTTS))
		tracker.Update(ok, conversion.StatusCompleted, 100, "")

		bad := tracker.Add("scan.pdf", conversion.SourcePDF)
		tracker.Update(bad, conversion.StatusError, 0, "The selected file is not a valid PDF")
		return nil
	})

	m, cmd := update(t, m, runWork(m.run)())
	if cmd != nil {
		t.Fatal("should wait for the event stream to close")
	}

	for {
		msg := waitForEvent(m.events)()
		m, cmd = update(t, m, msg)
		if _, closed := msg.(eventsClosedMsg); closed {
			break
		}
	}
	if !isQuit(cmd) {
		t.Fatal("expected quit once work is done and events are drained")
	}

	if len(m.items) != 2 {
		t.Fatalf("items = %d", len(m.items))
	}
	first := m.items[0]
	if first.name != "report.pdf" || first.recordID != "rec-1" || first.status != conversion.StatusCompleted || first.progress != 100 {
		t.Errorf("first = %+v", *first)
	}
	second := m.items[1]
	if second.status != conversion.StatusError || second.err == "" {
		t.Errorf("second = %+v", *second)
	}

	view := m.View()
	for _, want := range []string{"report.pdf", "rec-1", "100%", "scan.pdf", "not a valid PDF"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
	if m.Err() != nil {
		t.Errorf("Err() = %v", m.Err())
	}
}

func TestProgress_StageAndMonotonicProgress(t *testing.T) {
	m := NewProgress(context.Background(), tasks.NewEventBus(0), func(context.Context) error { return nil })

	events := []tasks.Event{
		{TaskID: "t1", Type: tasks.EventTypeStatus, Status: conversion.StatusPending, Message: "notes.txt"},
		{TaskID: "t1", Type: tasks.EventTypeStatus, Status: conversion.StatusProcessing, Progress: 40, Message: "tts"},
		{TaskID: "t1", Type: tasks.EventTypeProgress, Status: conversion.StatusProcessing, Progress: 30},
	}
	for _, e := range events {
		m, _ = update(t, m, eventMsg(e))
	}

	it := m.items[0]
	if it.progress != 40 {
		t.Errorf("progress went backwards: %v", it.progress)
	}
	if it.stage != conversion.StageTTS {
		t.Errorf("stage = %q", it.stage)
	}
	if view := m.View(); !strings.Contains(view, "synthesizing") || !strings.Contains(view, "notes.txt") {
		t.Errorf("view:\n%s", view)
	}
}

func TestProgress_CancelKey(t *testing.T) {
	m := NewProgress(context.Background(), tasks.NewEventBus(0), func(ctx context.Context) error {
		return ctx.Err()
	})

	m, cmd := update(t, m, key("q"))
	if cmd != nil || !m.Cancelled() {
		t.Fatal("first q should cancel without quitting")
	}
	if err := m.run(); !errors.Is(err, context.Canceled) {
		t.Errorf("work ctx not cancelled: %v", err)
	}
	if !strings.Contains(m.View(), "press q again") {
		t.Errorf("view:\n%s", m.View())
	}

	_, cmd = update(t, m, key("q"))
	if !isQuit(cmd) {
		t.Error("second q should quit")
	}
}

func TestProgress_WorkError(t *testing.T) {
	m := NewProgress(context.Background(), tasks.NewEventBus(0), func(context.Context) error { return nil })
	boom := errors.New("boom")

	m, cmd := update(t, m, eventsClosedMsg{})
	if cmd != nil {
		t.Fatal("should wait for the work")
	}
	m, cmd = update(t, m, workDoneMsg{err: boom})
	if !isQuit(cmd) {
		t.Fatal("expected quit")
	}
	if !errors.Is(m.Err(), boom) {
		t.Errorf("Err() = %v", m.Err())
	}
}
