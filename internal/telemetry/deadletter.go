package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/storage"
)

// DeadLetterSink receives batches the flusher gave up on.
type DeadLetterSink interface {
	DeadLetter(visits []storage.Visit, attempts int, cause error) error
}

// DeadLetter is one abandoned batch as written to an NDJSON sink.
type DeadLetter struct {
	At       time.Time       `json:"at"`
	Attempts int             `json:"attempts"`
	Cause    string          `json:"cause"`
	Visits   []storage.Visit `json:"visits"`
}

// NDJSONSink appends each dead-lettered batch to w as one JSON line.
type NDJSONSink struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

func NewNDJSONSink(w io.Writer) *NDJSONSink {
	return &NDJSONSink{w: w, now: time.Now}
}

// OpenNDJSONFile opens path for appending and returns a sink and the file
// so the caller can close it.
func OpenNDJSONFile(path string) (*NDJSONSink, *os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening dead-letter file: %w", err)
	}
	return NewNDJSONSink(f), f, nil
}

func (s *NDJSONSink) DeadLetter(visits []storage.Visit, attempts int, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.NewEncoder(s.w).Encode(DeadLetter{
		At:       s.now().UTC(),
		Attempts: attempts,
		Cause:    errString(cause),
		Visits:   visits,
	})
}

// LogSink records abandoned batches in the log only. The visits are lost.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) DeadLetter(visits []storage.Visit, attempts int, cause error) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("dropping visit batch", "visits", len(visits), "attempts", attempts, "error", cause)
	return nil
}

// ReadDeadLetters decodes an NDJSON dead-letter stream. A record may be
// arbitrarily large; an unbounded buffer can abandon a huge batch.
func ReadDeadLetters(r io.Reader) ([]DeadLetter, error) {
	var out []DeadLetter
	dec := json.NewDecoder(r)
	for {
		var dl DeadLetter
		err := dec.Decode(&dl)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("dead letter %d: %w", len(out)+1, err)
		}
		out = append(out, dl)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
