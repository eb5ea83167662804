package ui

import (
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dgnsrekt/readaloud/internal/audio"
	"github.com/muesli/reflow/truncate"
)

// Playback is the playback controller the player drives.
type Playback interface {
	Play(ctx context.Context, id string) error
	Toggle(ctx context.Context, id string) error
	Stop() error
	Current() (string, audio.State)
	Finished() <-chan string
}

// Track is one record to play.
type Track struct {
	ID   string
	Name string
}

type (
	playedMsg   struct{ err error }
	finishedMsg string
)

// Player plays tracks in order. Space toggles pause, n and p skip, s
// stops and q quits.
type Player struct {
	ctx    context.Context
	ctrl   Playback
	tracks []Track
	cursor int
	err    error
}

// NewPlayer creates a player for tracks. It is driven by ctx so a
// cancelled command also stops decoding.
func NewPlayer(ctx context.Context, ctrl Playback, tracks []Track) Player {
	return Player{ctx: ctx, ctrl: ctrl, tracks: tracks}
}

// Err returns the last playback error.
func (m Player) Err() error {
	return m.err
}

// Init implements tea.Model.
func (m Player) Init() tea.Cmd {
	if len(m.tracks) == 0 {
		return tea.Quit
	}
	return tea.Batch(m.playCmd(m.cursor), waitForFinished(m.ctrl.Finished()))
}

func (m Player) playCmd(i int) tea.Cmd {
	id := m.tracks[i].ID
	return func() tea.Msg {
		return playedMsg{err: m.ctrl.Play(m.ctx, id)}
	}
}

func waitForFinished(ch <-chan string) tea.Cmd {
	return func() tea.Msg {
		return finishedMsg(<-ch)
	}
}

// Update implements tea.Model.
func (m Player) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		cmd := m.handleKey(msg.String())
		return m, cmd

	case playedMsg:
		m.err = msg.err
		return m, nil

	case finishedMsg:
		wait := waitForFinished(m.ctrl.Finished())
		if string(msg) != m.tracks[m.cursor].ID {
			return m, wait
		}
		if m.cursor+1 >= len(m.tracks) {
			return m, tea.Quit
		}
		m.cursor++
		return m, tea.Batch(m.playCmd(m.cursor), wait)
	}
	return m, nil
}

func (m *Player) handleKey(key string) tea.Cmd {
	switch key {
	case " ", "enter":
		id := m.tracks[m.cursor].ID
		return func() tea.Msg {
			return playedMsg{err: m.ctrl.Toggle(m.ctx, id)}
		}
	case "n", "right":
		if m.cursor+1 < len(m.tracks) {
			m.cursor++
			return m.playCmd(m.cursor)
		}
	case "p", "left":
		if m.cursor > 0 {
			m.cursor--
			return m.playCmd(m.cursor)
		}
	case "s":
		m.stop()
	case "q", "esc", "ctrl+c":
		m.stop()
		return tea.Quit
	}
	return nil
}

func (m *Player) stop() {
	if err := m.ctrl.Stop(); err != nil {
		m.err = err
	}
}

// View implements tea.Model.
func (m Player) View() string {
	current, state := m.ctrl.Current()

	var b strings.Builder
	for i, t := range m.tracks {
		name := t.Name
		if name == "" {
			name = t.ID
		}
		name = truncate.StringWithTail(name, nameWidth*2, ellipsis)

		marker := "  "
		if i == m.cursor {
			marker = cursorStyle.Render("▸ ")
		}
		label := ""
		if t.ID == current {
			label = stateLabel(state)
		}
		fmt.Fprintf(&b, "%s%s %s\n", marker, name, label)
	}
	if m.err != nil {
		b.WriteString(errorStyle.Render(m.err.Error()))
		b.WriteString("\n")
	}
	b.WriteString(helpStyle.Render("space pause/resume • n/p next/prev • s stop • q quit"))
	return b.String()
}

func stateLabel(s audio.State) string {
	switch s {
	case audio.StatePlaying:
		return okStyle.Render(s.String())
	case audio.StatePaused:
		return pausedStyle.Render(s.String())
	default:
		return stageStyle.Render(s.String())
	}
}
