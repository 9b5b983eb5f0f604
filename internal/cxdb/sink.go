package cxdb

import (
	"encoding/hex"

	"github.com/kilroy-control/plane/internal/executor"
	"github.com/zeebo/blake3"
)

// Turn is one typed event handed to an Appender: the registry type ID plus
// its payload fields.
type Turn struct {
	Type   string
	Fields map[string]any
}

// Appender is the transport half of the audit boundary. A real
// implementation speaks to a CXDB endpoint; tests use MemoryAppender.
type Appender interface {
	Append(turn Turn) error
}

// MemoryAppender accumulates turns in-process.
type MemoryAppender struct {
	Turns []Turn
}

func (a *MemoryAppender) Append(turn Turn) error {
	a.Turns = append(a.Turns, turn)
	return nil
}

// ReportSink adapts an Appender into the executor's golden-run report
// sink: each report is msgpack-encoded, content-addressed with blake3, and
// appended as a blob turn plus an artifact turn referencing the hash.
type ReportSink struct {
	Appender Appender
}

func (s *ReportSink) Emit(report executor.GoldenRunReport) error {
	raw, err := report.Encode()
	if err != nil {
		return err
	}
	h := blake3.Sum256(raw)
	hash := hex.EncodeToString(h[:])

	if err := s.Appender.Append(Turn{
		Type:   "com.kilroy.plane.GoldenRunBlob",
		Fields: map[string]any{"bytes": raw},
	}); err != nil {
		return err
	}
	return s.Appender.Append(Turn{
		Type: "com.kilroy.plane.GoldenRunArtifact",
		Fields: map[string]any{
			"timestamp_ms": report.TickMs,
			"content_hash": hash,
			"bytes_len":    len(raw),
			"decision":     string(report.Decision),
		},
	})
}
