// Package audit writes evaluation audit trails as JSON lines.
//
// One line per audit entry, stamped with run id, tenant and scope. The file
// sink rotates with lumberjack. Writing is best effort: the engine logs a
// failed write and carries on.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ledgerline/fieldkeeper/internal/rules"
	"github.com/ledgerline/fieldkeeper/internal/types"
)

// Line is one JSONL record.
type Line struct {
	Time          time.Time      `json:"time"`
	RunID         types.RunID    `json:"runId"`
	Tenant        types.TenantID `json:"tenant"`
	Scope         types.Scope    `json:"scope"`
	RuleCode      string         `json:"ruleCode"`
	Matched       bool           `json:"matched"`
	Skipped       string         `json:"skipped,omitempty"`
	Aborted       string         `json:"aborted,omitempty"`
	FieldsChanged []string       `json:"fieldsChanged"`
	Warnings      []string       `json:"warnings,omitempty"`
}

// Sink implements rules.AuditSink over an io.Writer.
type Sink struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	now    func() time.Time
}

var _ rules.AuditSink = (*Sink)(nil)

// NewSink writes to w. Close is a no-op unless w is also an io.Closer.
func NewSink(w io.Writer) *Sink {
	s := &Sink{w: w, now: time.Now}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// NewFileSink writes to a rotating file. maxSizeMB and maxBackups follow
// lumberjack semantics; rotated files are compressed.
func NewFileSink(path string, maxSizeMB, maxBackups int) *Sink {
	return NewSink(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   true,
	})
}

// WriteAudit appends one line per audit entry of res. Entries of one result
// are written contiguously.
func (s *Sink) WriteAudit(ctx context.Context, res *rules.Result) error {
	if res == nil || len(res.Audit) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ts := s.now().UTC()
	var buf []byte
	for _, e := range res.Audit {
		b, err := json.Marshal(Line{
			Time:          ts,
			RunID:         res.RunID,
			Tenant:        res.Tenant,
			Scope:         res.Scope,
			RuleCode:      e.RuleCode,
			Matched:       e.Matched,
			Skipped:       e.Skipped,
			Aborted:       e.Aborted,
			FieldsChanged: e.FieldsChanged,
			Warnings:      e.Warnings,
		})
		if err != nil {
			return fmt.Errorf("encode audit line: %w", err)
		}
		buf = append(buf, b...)
		buf = append(buf, '\n')
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(buf); err != nil {
		return fmt.Errorf("write audit: %w", err)
	}
	return nil
}

// Close releases the underlying file, if any.
func (s *Sink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
