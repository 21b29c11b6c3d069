package tui

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"signaltrader/internal/domain"
	"signaltrader/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "positions.db")
	s, err := store.New(path)
	if err != nil {
		t.Fatalf("store.New failed: %v", err)
	}
	t.Cleanup(func() { s.CloseDB() })
	return s
}

func TestView_ListsOpenPositionsAndInterestCount(t *testing.T) {
	st := newTestStore(t)
	older := &domain.Position{ID: "p1", TokenMint: "tok-older", Status: domain.StatusOpen, EntryPrice: 1.0, CurrentPrice: 1.0}
	newer := &domain.Position{ID: "p2", TokenMint: "tok-newer", Status: domain.StatusOpen, EntryPrice: 1.0, CurrentPrice: 1.2}
	if err := st.CreateOpen(context.Background(), older); err != nil {
		t.Fatalf("CreateOpen failed: %v", err)
	}
	if err := st.CreateOpen(context.Background(), newer); err != nil {
		t.Fatalf("CreateOpen failed: %v", err)
	}

	m := New(st, func() int { return 7 }, nil)
	view := m.View()

	if !strings.Contains(view, "tok-older") || !strings.Contains(view, "tok-newer") {
		t.Fatalf("view missing position rows:\n%s", view)
	}
	if !strings.Contains(view, "open positions (2)") {
		t.Errorf("expected open position count header, got:\n%s", view)
	}
	if !strings.Contains(view, "price cache interest: 7 tokens") {
		t.Errorf("expected interest count line, got:\n%s", view)
	}
}

func TestUpdate_QKeyQuits(t *testing.T) {
	m := New(nil, nil, nil)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("expected a tea.Quit command")
	}
}

func TestUpdate_PKeyTogglesPauseAndInvokesCallback(t *testing.T) {
	var gotPaused bool
	m := New(nil, nil, func(paused bool) { gotPaused = paused })

	updated, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("p")})
	next := updated.(Model)
	if !next.paused || !gotPaused {
		t.Errorf("expected paused=true after first toggle, got model.paused=%v callback=%v", next.paused, gotPaused)
	}

	updated2, _ := next.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("p")})
	next2 := updated2.(Model)
	if next2.paused || gotPaused {
		t.Errorf("expected paused=false after second toggle, got model.paused=%v callback=%v", next2.paused, gotPaused)
	}
}

func TestUpdate_TickReschedulesItself(t *testing.T) {
	m := New(nil, nil, nil)
	_, cmd := m.Update(TickMsg{})
	if cmd == nil {
		t.Fatal("expected TickMsg to reschedule another tick command")
	}
}

func TestView_NoStoreAttachedIsHandledGracefully(t *testing.T) {
	m := New(nil, nil, nil)
	view := m.View()
	if !strings.Contains(view, "no store attached") {
		t.Errorf("expected graceful no-store message, got:\n%s", view)
	}
}
