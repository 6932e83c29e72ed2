package main

import (
	"testing"

	"github.com/charmbracelet/bubbles/viewport"

	"github.com/clawinfra/ai-genesis/internal/stream"
)

func TestNewModel(t *testing.T) {
	m := newModel("ws://localhost:8900/stream")
	if m.url != "ws://localhost:8900/stream" {
		t.Errorf("url = %q", m.url)
	}
	if len(m.feed) != 0 {
		t.Errorf("expected empty feed, got %d entries", len(m.feed))
	}
}

func TestModelInitReturnsCmd(t *testing.T) {
	m := newModel("ws://localhost:8900/stream")
	if m.Init() == nil {
		t.Error("Init() should return a non-nil Cmd")
	}
}

func TestModelViewNotReady(t *testing.T) {
	m := newModel("ws://localhost:8900/stream")
	if view := m.View(); view == "" {
		t.Error("View() should return non-empty before a window size is known")
	}
}

func TestModelUpdateFrameMsgUpdatesStats(t *testing.T) {
	m := newModel("ws://localhost:8900/stream")
	m.width, m.height = 100, 40
	m.view = viewport.New(60, 30)
	m.stats.connected = true

	updated, _ := m.Update(frameMsg{tick: 42, entityCount: 7, resourceCount: 3})
	next := updated.(model)
	if next.stats.tick != 42 || next.stats.entityCount != 7 || next.stats.resourceCount != 3 {
		t.Errorf("unexpected stats after frameMsg: %+v", next.stats)
	}
}

func TestModelUpdateNarrationMsgAppendsFeed(t *testing.T) {
	m := newModel("ws://localhost:8900/stream")
	m.width, m.height = 100, 40
	m.view = viewport.New(60, 30)

	updated, _ := m.Update(narrationMsg(stream.Narration{Agent: "watcher", Action: "trigger", Message: "starvation detected"}))
	next := updated.(model)
	if len(next.feed) != 1 || next.feed[0].agent != "watcher" {
		t.Errorf("expected one feed entry from watcher, got %+v", next.feed)
	}
}

func TestModelUpdateNarrationMsgCapsFeedLength(t *testing.T) {
	m := newModel("ws://localhost:8900/stream")
	m.width, m.height = 100, 40
	m.view = viewport.New(60, 30)

	for i := 0; i < 600; i++ {
		updated, _ := m.Update(narrationMsg(stream.Narration{Agent: "watcher", Message: "tick"}))
		m = updated.(model)
	}
	if len(m.feed) != 500 {
		t.Errorf("expected feed capped at 500, got %d", len(m.feed))
	}
}

func TestModelUpdateDisconnectedMsgMarksOffline(t *testing.T) {
	m := newModel("ws://localhost:8900/stream")
	m.width, m.height = 100, 40
	m.view = viewport.New(60, 30)
	m.stats.connected = true

	updated, _ := m.Update(disconnectedMsg{err: errBoom})
	next := updated.(model)
	if next.stats.connected {
		t.Error("expected connected to become false after a disconnect message")
	}
}

var errBoom = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func TestRenderFeedEmpty(t *testing.T) {
	m := newModel("ws://localhost:8900/stream")
	if m.renderFeed() == "" {
		t.Error("renderFeed() should return non-empty placeholder for no entries")
	}
}

func TestRenderSidebarNoFrameYet(t *testing.T) {
	m := newModel("ws://localhost:8900/stream")
	m.height = 40
	if m.renderSidebar() == "" {
		t.Error("renderSidebar() should return non-empty even with zero stats")
	}
}

func TestAgentColorKnownAndUnknown(t *testing.T) {
	if agentColor("watcher").GetForeground() != warnColor {
		t.Error("expected watcher to use the warn color")
	}
	if agentColor("someone-else").GetForeground() == warnColor {
		t.Error("expected an unrecognized agent not to use the warn color")
	}
}
