package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/medicare/internal/chat"
	"github.com/ent0n29/medicare/internal/config"
	"github.com/ent0n29/medicare/internal/history"
	"github.com/ent0n29/medicare/internal/httpapi"
	"github.com/ent0n29/medicare/internal/inference"
	"github.com/ent0n29/medicare/internal/observability"
	"github.com/ent0n29/medicare/internal/protocol"
	"github.com/ent0n29/medicare/internal/records"
	"github.com/ent0n29/medicare/internal/session"
)

func TestWSURLForSession(t *testing.T) {
	tests := []struct {
		base    string
		want    string
		wantErr bool
	}{
		{base: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080/v1/chat/session/ws?session_id=abc"},
		{base: "https://care.example.com/api/", want: "wss://care.example.com/api/v1/chat/session/ws?session_id=abc"},
		{base: "ftp://host", wantErr: true},
		{base: "http://", wantErr: true},
	}
	for _, tc := range tests {
		got, err := wsURLForSession(tc.base, "abc")
		if tc.wantErr {
			if err == nil {
				t.Fatalf("wsURLForSession(%q) error = nil, want error", tc.base)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("wsURLForSession(%q) = %q, %v; want %q", tc.base, got, err, tc.want)
		}
	}
}

func TestSplitPrompts(t *testing.T) {
	if got := splitPrompts(" a | |b "); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("splitPrompts() = %q", got)
	}
	if got := splitPrompts(""); len(got) != len(defaultPrompts) {
		t.Fatalf("splitPrompts(\"\") = %d prompts, want defaults", len(got))
	}
}

func TestPrintSummary(t *testing.T) {
	var out bytes.Buffer
	printSummary(&out, []turnTiming{
		{firstDelta: 10 * time.Millisecond, total: 40 * time.Millisecond, reason: protocol.TurnEndDone},
		{firstDelta: 30 * time.Millisecond, total: 80 * time.Millisecond, reason: protocol.TurnEndFailed},
	})
	got := out.String()
	if !strings.Contains(got, "turns=2 done=1 failed=1 cancelled=0") {
		t.Fatalf("summary = %q", got)
	}
	if !strings.Contains(got, "first_delta p50=10ms p95=10ms") {
		t.Fatalf("summary = %q", got)
	}
}

func TestRunPerfAgainstMockService(t *testing.T) {
	cfg := config.Config{SessionInactivityTimeout: time.Minute}
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	store := history.NewInMemoryStore()
	metrics := observability.NewMetrics(fmt.Sprintf("test_perf_%d", time.Now().UnixNano()))
	svc := chat.NewService(sessions, inference.NewMockSource(), store, nil, metrics, nil, chat.Config{})
	ts := httptest.NewServer(httpapi.New(cfg, sessions, svc, store, records.NewInMemoryStore(), metrics, nil).Router())
	defer ts.Close()

	var out bytes.Buffer
	timings, err := runPerf(context.Background(), perfOptions{
		baseURL:     ts.URL,
		userID:      "perf",
		turns:       2,
		turnTimeout: 5 * time.Second,
		texts:       []string{"hello"},
	}, &out)
	if err != nil {
		t.Fatalf("runPerf() error = %v", err)
	}
	if len(timings) != 2 {
		t.Fatalf("timings = %d, want 2", len(timings))
	}
	for _, tm := range timings {
		if tm.reason != protocol.TurnEndDone || tm.firstDelta <= 0 || tm.total < tm.firstDelta {
			t.Fatalf("timing = %+v", tm)
		}
	}
}
