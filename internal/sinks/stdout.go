package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/mchahed99/bifrost-ward/internal/runechain"
)

// StdoutSink writes one JSON line per rune to a diagnostic stream.
type StdoutSink struct {
	w io.Writer
}

func NewStdoutSink(w io.Writer) *StdoutSink {
	return &StdoutSink{w: w}
}

func (s *StdoutSink) Name() string { return "stdout" }

func (s *StdoutSink) Emit(_ context.Context, r runechain.Rune) error {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("stdout sink: marshaling rune: %w", err)
	}
	_, err = fmt.Fprintln(s.w, string(b))
	return err
}

func (s *StdoutSink) Flush(_ context.Context) error { return nil }
func (s *StdoutSink) Close(_ context.Context) error { return nil }
