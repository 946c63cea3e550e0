// Package audit appends security-relevant decisions to a JSONL file.
package audit

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sink writes one JSON object per line. With an empty path the sink degrades
// to structured logging only. Write failures are logged and never propagate.
type Sink struct {
	mu  sync.Mutex
	f   *os.File
	log *zap.Logger
	now func() time.Time
}

func NewSink(path string, log *zap.Logger) *Sink {
	s := &Sink{log: log, now: time.Now}
	if path == "" {
		return s
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Warn("audit file unavailable, logging only", zap.String("path", path), zap.Error(err))
		return s
	}
	s.f = f
	return s
}

// Event records one decision. Reserved field names "ts" and "event" are
// overwritten if present in fields.
func (s *Sink) Event(event string, fields map[string]interface{}) {
	entry := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		entry[k] = v
	}
	entry["ts"] = s.now().UTC().Format(time.RFC3339Nano)
	entry["event"] = event

	line, err := json.Marshal(entry)
	if err != nil {
		s.log.Warn("audit entry not serializable", zap.String("event", event), zap.Error(err))
		return
	}
	s.log.Info("audit", zap.String("event", event), zap.Any("fields", fields))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return
	}
	if _, err := s.f.Write(append(line, '\n')); err != nil {
		s.log.Warn("audit write failed", zap.Error(err))
	}
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
