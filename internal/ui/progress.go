package ui

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/dgnsrekt/readaloud/internal/conversion"
	"github.com/dgnsrekt/readaloud/internal/tasks"
	"github.com/muesli/reflow/truncate"
)

// Subscriber is the part of the event bus the progress view reads.
type Subscriber interface {
	Subscribe(buffer int) (<-chan tasks.Event, func())
}

// Work runs the conversions shown by the progress view.
type Work func(ctx context.Context) error

type item struct {
	taskID   string
	recordID string
	name     string
	status   conversion.Status
	stage    conversion.Stage
	progress float64
	err      string
}

type (
	eventMsg        tasks.Event
	eventsClosedMsg struct{}
	workDoneMsg     struct{ err error }
)

// Progress shows one bar per conversion task until the work returns.
type Progress struct {
	events <-chan tasks.Event
	run    func() error
	cancel context.CancelFunc

	items  []*item
	byTask map[string]*item

	bar     progress.Model
	spinner spinner.Model

	cancelling bool
	workDone   bool
	closed     bool
	err        error
}

// NewProgress subscribes to bus and prepares work to run under a context
// the view cancels when the user presses q.
func NewProgress(ctx context.Context, bus Subscriber, work Work) Progress {
	ctx, cancel := context.WithCancel(ctx)
	events, unsubscribe := bus.Subscribe(256)

	return Progress{
		events: events,
		run: func() error {
			// closing the subscription lets the view drain what is left
			defer unsubscribe()
			return work(ctx)
		},
		cancel:  cancel,
		byTask:  make(map[string]*item),
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(30)),
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(okStyle)),
	}
}

// Err is the error the work returned.
func (m Progress) Err() error {
	return m.err
}

// Cancelled reports whether the user asked to stop.
func (m Progress) Cancelled() bool {
	return m.cancelling
}

// Init implements tea.Model.
func (m Progress) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.events), runWork(m.run))
}

func waitForEvent(events <-chan tasks.Event) tea.Cmd {
	return func() tea.Msg {
		e, ok := <-events
		if !ok {
			return eventsClosedMsg{}
		}
		return eventMsg(e)
	}
}

func runWork(run func() error) tea.Cmd {
	return func() tea.Msg {
		return workDoneMsg{err: run()}
	}
}

// Update implements tea.Model.
func (m Progress) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			if m.cancelling {
				return m, tea.Quit
			}
			m.cancelling = true
			m.cancel()
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.bar.Width = max(10, min(40, msg.Width-nameWidth-30))
		return m, nil

	case eventMsg:
		m.apply(tasks.Event(msg))
		return m, waitForEvent(m.events)

	case eventsClosedMsg:
		m.closed = true
		return m, m.quitIfDone()

	case workDoneMsg:
		m.workDone = true
		m.err = msg.err
		m.cancel()
		return m, m.quitIfDone()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Progress) quitIfDone() tea.Cmd {
	if m.workDone && m.closed {
		return tea.Quit
	}
	return nil
}

func (m *Progress) apply(e tasks.Event) {
	it, ok := m.byTask[e.TaskID]
	if !ok {
		it = &item{taskID: e.TaskID, status: conversion.StatusPending}
		m.byTask[e.TaskID] = it
		m.items = append(m.items, it)
	}
	if e.RecordID != "" {
		it.recordID = e.RecordID
	}

	switch e.Type {
	case tasks.EventTypeStatus, tasks.EventTypeProgress:
		switch {
		case e.Message == "":
		case e.Status == conversion.StatusPending:
			it.name = e.Message
		default:
			it.stage = conversion.Stage(e.Message)
		}
	case tasks.EventTypeResult:
		it.stage = conversion.StageDone
	case tasks.EventTypeError:
		it.err = e.Message
	}

	if e.Status != "" && !it.status.IsTerminal() {
		it.status = e.Status
	}
	it.progress = math.Max(it.progress, e.Progress)
}

// View implements tea.Model.
func (m Progress) View() string {
	var b strings.Builder
	for _, it := range m.items {
		b.WriteString(m.row(it))
		b.WriteString("\n")
	}

	switch {
	case m.workDone:
	case m.cancelling:
		b.WriteString(helpStyle.Render("stopping… press q again to quit"))
	default:
		b.WriteString(helpStyle.Render("q stop"))
	}
	return b.String()
}

func (m Progress) row(it *item) string {
	name := it.name
	if name == "" {
		name = it.taskID
	}
	name = nameStyle.Render(truncate.StringWithTail(name, nameWidth-2, ellipsis))

	var icon, tail string
	switch it.status {
	case conversion.StatusCompleted:
		icon = okStyle.Render("✓")
		tail = stageStyle.Render(it.recordID)
	case conversion.StatusError:
		icon = errorStyle.Render("✗")
		return fmt.Sprintf(" %s %s %s", icon, name, errorStyle.Render(it.err))
	case conversion.StatusProcessing:
		icon = m.spinner.View()
		tail = stageStyle.Render(stageLabel(it.stage))
	default:
		icon = pendingStyle.Render("•")
		tail = pendingStyle.Render("waiting")
	}

	return fmt.Sprintf(" %s %s %s %3.0f%% %s", icon, name, m.bar.ViewAs(it.progress/100), it.progress, tail)
}
