// Package sinks fans a rune out to zero or more declared destinations:
// stdout, a webhook, or an OTLP span exporter. Emission is fire-and-forget;
// a sink failure is logged and absorbed, never propagated to the caller.
package sinks

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mchahed99/bifrost-ward/internal/config"
	"github.com/mchahed99/bifrost-ward/internal/runechain"
)

// Sink is one fan-out destination. Flush and Close are optional no-ops for
// sinks that don't buffer or hold a connection.
type Sink interface {
	Name() string
	Emit(ctx context.Context, r runechain.Rune) error
	Flush(ctx context.Context) error
	Close(ctx context.Context) error
}

// Filter decides whether a decision should be delivered to a sink. An empty
// Events list in config means "all decisions".
type Filter struct {
	events map[config.WardDecision]bool
}

func NewFilter(events []config.WardDecision) Filter {
	if len(events) == 0 {
		return Filter{}
	}
	m := make(map[config.WardDecision]bool, len(events))
	for _, e := range events {
		m[e] = true
	}
	return Filter{events: m}
}

func (f Filter) Allows(decision config.WardDecision) bool {
	if f.events == nil {
		return true
	}
	return f.events[decision]
}

// Fanout holds the configured sinks and dispatches each inscribed rune to
// every one that accepts its decision. Each Emit call is independent:
// one sink's failure never blocks or cancels delivery to the others.
type Fanout struct {
	sinks  []filteredSink
	logger *slog.Logger
	warned sync.Map // sink name -> struct{}, for first-occurrence-only logging
}

type filteredSink struct {
	sink   Sink
	filter Filter
}

func NewFanout(logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{logger: logger}
}

func (f *Fanout) Register(s Sink, filter Filter) {
	f.sinks = append(f.sinks, filteredSink{sink: s, filter: filter})
}

// warnOnce logs msg at WARN the first time it's called for a given sink
// name, and absorbs every call after that: a sink that's down doesn't get
// a log line per rune, only one for the whole outage.
func (f *Fanout) warnOnce(name, msg string, err error) {
	if _, already := f.warned.LoadOrStore(name, struct{}{}); already {
		return
	}
	f.logger.Warn(msg, "sink", name, "error", err)
}

// Emit dispatches to every registered sink concurrently and waits for all
// of them, but never returns an error: failures are absorbed per the
// fire-and-forget contract, with only the first occurrence per sink logged.
func (f *Fanout) Emit(ctx context.Context, r runechain.Rune) {
	var wg sync.WaitGroup
	for _, fs := range f.sinks {
		if !fs.filter.Allows(r.Decision) {
			continue
		}
		fs := fs
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fs.sink.Emit(ctx, r); err != nil {
				f.warnOnce(fs.sink.Name(), "sink emission failed", err)
			}
		}()
	}
	wg.Wait()
}

// FlushAll flushes every sink, absorbing failures and logging only the
// first occurrence per sink.
func (f *Fanout) FlushAll(ctx context.Context) {
	for _, fs := range f.sinks {
		if err := fs.sink.Flush(ctx); err != nil {
			f.warnOnce(fs.sink.Name(), "sink flush failed", err)
		}
	}
}

// CloseAll closes every sink, absorbing failures and logging only the first
// occurrence per sink. Used during graceful shutdown.
func (f *Fanout) CloseAll(ctx context.Context) {
	for _, fs := range f.sinks {
		if err := fs.sink.Close(ctx); err != nil {
			f.warnOnce(fs.sink.Name(), "sink close failed", err)
		}
	}
}
