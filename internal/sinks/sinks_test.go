package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/mchahed99/bifrost-ward/internal/config"
	"github.com/mchahed99/bifrost-ward/internal/runechain"
)

func TestStdoutSink_WritesOneJSONLinePerRune(t *testing.T) {
	var buf bytes.Buffer
	s := NewStdoutSink(&buf)

	r := runechain.Rune{Sequence: 1, ToolName: "list_files", Decision: config.Pass}
	if err := s.Emit(context.Background(), r); err != nil {
		t.Fatalf("emit: %v", err)
	}

	var decoded runechain.Rune
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ToolName != "list_files" {
		t.Fatalf("unexpected rune round-trip: %+v", decoded)
	}
}

func TestWebhookSink_PostsRuneJSON(t *testing.T) {
	var received runechain.Rune
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if err := json.NewDecoder(req.Body).Decode(&received); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewWebhookSink(srv.URL)
	r := runechain.Rune{Sequence: 7, ToolName: "send_report", Decision: config.Halt}
	if err := s.Emit(context.Background(), r); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if received.ToolName != "send_report" {
		t.Fatalf("expected server to receive the rune, got %+v", received)
	}
}

func TestWebhookSink_ClientErrorIsNotRetried(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	s := NewWebhookSink(srv.URL)
	err := s.Emit(context.Background(), runechain.Rune{Sequence: 1})
	if err == nil {
		t.Fatal("expected a 400 to surface as an error")
	}
	if attempts != 1 {
		t.Fatalf("expected exactly one attempt for a permanent client error, got %d", attempts)
	}
}

type fakeSink struct {
	mu         sync.Mutex
	emitted    []runechain.Rune
	failNext   bool
	failAlways bool
	emitCalls  int
}

func (f *fakeSink) Name() string { return "fake" }
func (f *fakeSink) Emit(_ context.Context, r runechain.Rune) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitCalls++
	if f.failAlways {
		return errors.New("boom")
	}
	if f.failNext {
		f.failNext = false
		return errors.New("boom")
	}
	f.emitted = append(f.emitted, r)
	return nil
}
func (f *fakeSink) Flush(_ context.Context) error { return nil }
func (f *fakeSink) Close(_ context.Context) error { return nil }

// capturingHandler is a minimal slog.Handler that records every message
// logged at or above WARN, so tests can assert on dedup behavior without
// scraping stdout.
type capturingHandler struct {
	mu   *sync.Mutex
	msgs *[]string
}

func newCapturingHandler() (*capturingHandler, *[]string) {
	msgs := []string{}
	return &capturingHandler{mu: &sync.Mutex{}, msgs: &msgs}, &msgs
}

func (h *capturingHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.LevelWarn
}

func (h *capturingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	*h.msgs = append(*h.msgs, r.Message)
	return nil
}

func (h *capturingHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }
func (h *capturingHandler) WithGroup(_ string) slog.Handler      { return h }

func TestFanout_RepeatedSinkFailureIsLoggedOnlyOnce(t *testing.T) {
	handler, msgs := newCapturingHandler()
	logger := slog.New(handler)

	fo := NewFanout(logger)
	failing := &fakeSink{failAlways: true}
	fo.Register(failing, NewFilter(nil))

	for i := 0; i < 3; i++ {
		fo.Emit(context.Background(), runechain.Rune{ToolName: "a", Decision: config.Pass})
	}

	failing.mu.Lock()
	calls := failing.emitCalls
	failing.mu.Unlock()
	if calls != 3 {
		t.Fatalf("expected the sink to be called every time, got %d calls", calls)
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(*msgs) != 1 {
		t.Fatalf("expected exactly one warning logged across repeated failures, got %v", *msgs)
	}
}

func TestFanout_FiltersByDecision(t *testing.T) {
	fo := NewFanout(nil)
	passOnly := &fakeSink{}
	fo.Register(passOnly, NewFilter([]config.WardDecision{config.Pass}))

	fo.Emit(context.Background(), runechain.Rune{ToolName: "a", Decision: config.Halt})
	fo.Emit(context.Background(), runechain.Rune{ToolName: "b", Decision: config.Pass})

	passOnly.mu.Lock()
	defer passOnly.mu.Unlock()
	if len(passOnly.emitted) != 1 || passOnly.emitted[0].ToolName != "b" {
		t.Fatalf("expected only the PASS rune delivered, got %+v", passOnly.emitted)
	}
}

func TestFanout_OneSinkFailureDoesNotBlockOthers(t *testing.T) {
	fo := NewFanout(nil)
	failing := &fakeSink{failNext: true}
	ok := &fakeSink{}
	fo.Register(failing, NewFilter(nil))
	fo.Register(ok, NewFilter(nil))

	fo.Emit(context.Background(), runechain.Rune{ToolName: "a", Decision: config.Pass})

	ok.mu.Lock()
	defer ok.mu.Unlock()
	if len(ok.emitted) != 1 {
		t.Fatalf("expected the healthy sink to still receive the rune, got %+v", ok.emitted)
	}
}

func TestFilter_EmptyEventsAllowsEverything(t *testing.T) {
	f := NewFilter(nil)
	if !f.Allows(config.Pass) || !f.Allows(config.Halt) || !f.Allows(config.Reshape) {
		t.Fatal("expected an empty filter to allow all decisions")
	}
}

func TestWebhookSink_SetsSequenceHeader(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotHeader = req.Header.Get("X-Bifrost-Sequence")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewWebhookSink(srv.URL)
	if err := s.Emit(context.Background(), runechain.Rune{Sequence: 42}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if !strings.Contains(gotHeader, "42") {
		t.Fatalf("expected sequence header to carry 42, got %q", gotHeader)
	}
}
