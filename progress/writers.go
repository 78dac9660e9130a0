package progress

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aluiziolira/go-form-autofill/models"
)

var csvHeader = []string{"run_id", "status", "done", "total", "current_number", "current_date", "timestamp", "success_count", "error_count", "detail"}

// CSVSink appends events to a CSV history file.
type CSVSink struct {
	file   *os.File
	writer *csv.Writer
	mu     sync.Mutex
}

// NewCSVSink opens filename for appending and writes the header when the file is new.
func NewCSVSink(filename string) (*CSVSink, error) {
	f, size, err := openAppend(filename)
	if err != nil {
		return nil, err
	}

	writer := csv.NewWriter(f)
	if size == 0 {
		if err := writer.Write(csvHeader); err != nil {
			f.Close()
			return nil, fmt.Errorf("write csv header: %w", err)
		}
		writer.Flush()
		if err := writer.Error(); err != nil {
			f.Close()
			return nil, fmt.Errorf("flush csv header: %w", err)
		}
	}

	return &CSVSink{
		file:   f,
		writer: writer,
	}, nil
}

// Write appends events to the CSV output.
func (cs *CSVSink) Write(events []models.ProgressEvent) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	for _, ev := range events {
		record := []string{
			ev.RunID,
			string(ev.Status),
			strconv.Itoa(ev.Done),
			strconv.Itoa(ev.Total),
			ev.CurrentItem,
			ev.CurrentDate,
			ev.Timestamp.Format(time.RFC3339Nano),
			strconv.Itoa(ev.SuccessCount),
			strconv.Itoa(ev.ErrorCount),
			ev.Detail,
		}
		if err := cs.writer.Write(record); err != nil {
			return fmt.Errorf("write csv record: %w", err)
		}
	}
	cs.writer.Flush()
	if err := cs.writer.Error(); err != nil {
		return fmt.Errorf("flush csv records: %w", err)
	}
	return nil
}

// Close flushes and closes the file handle.
func (cs *CSVSink) Close() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.writer.Flush()
	if err := cs.writer.Error(); err != nil {
		return fmt.Errorf("flush csv writer: %w", err)
	}
	return cs.file.Close()
}

// JSONLSink appends events as newline-delimited JSON in the wire shape.
type JSONLSink struct {
	file    *os.File
	writer  *bufio.Writer
	encoder *json.Encoder
	mu      sync.Mutex
}

// NewJSONLSink opens filename for appending.
func NewJSONLSink(filename string) (*JSONLSink, error) {
	f, _, err := openAppend(filename)
	if err != nil {
		return nil, err
	}

	buffer := bufio.NewWriter(f)
	return &JSONLSink{
		file:    f,
		writer:  buffer,
		encoder: json.NewEncoder(buffer),
	}, nil
}

// Write appends events in JSONL format.
func (js *JSONLSink) Write(events []models.ProgressEvent) error {
	js.mu.Lock()
	defer js.mu.Unlock()

	for _, ev := range events {
		if err := js.encoder.Encode(ev); err != nil {
			return fmt.Errorf("encode json record: %w", err)
		}
	}

	if err := js.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}
	return nil
}

// Close flushes buffers and closes the underlying file.
func (js *JSONLSink) Close() error {
	js.mu.Lock()
	defer js.mu.Unlock()

	if err := js.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}
	return js.file.Close()
}

// MultiSink fans every batch out to several sinks. A failing sink does not
// keep the others from receiving the batch.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink combines sinks; nil entries are ignored.
func NewMultiSink(sinks ...Sink) *MultiSink {
	kept := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &MultiSink{sinks: kept}
}

// Write writes the batch to every sink.
func (ms *MultiSink) Write(events []models.ProgressEvent) error {
	var errs []error
	for _, s := range ms.sinks {
		if err := s.Write(events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (ms *MultiSink) Close() error {
	var errs []error
	for _, s := range ms.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes events to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink logs through logger, or the default logger when nil.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Write logs one line per event.
func (ls *LogSink) Write(events []models.ProgressEvent) error {
	for _, ev := range events {
		level := slog.LevelDebug
		switch ev.Status {
		case models.StatusError:
			level = slog.LevelWarn
		case models.StatusSettingDate, models.StatusCompleted, models.StatusStopped, models.StatusPaused:
			level = slog.LevelInfo
		}
		ls.logger.Log(context.Background(), level, "Progress",
			slog.String("status", string(ev.Status)),
			slog.Int("done", ev.Done),
			slog.Int("total", ev.Total),
			slog.String("item", ev.CurrentItem),
			slog.String("date", ev.CurrentDate),
			slog.Int("success", ev.SuccessCount),
			slog.Int("errors", ev.ErrorCount),
		)
	}
	return nil
}

// Close implements Sink.
func (ls *LogSink) Close() error {
	return nil
}

func openAppend(filename string) (*os.File, int64, error) {
	if err := ensureDir(filename); err != nil {
		return nil, 0, err
	}
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", filename, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat %s: %w", filename, err)
	}
	return f, info.Size(), nil
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}

// NewHistorySink opens the history file for format: "json" (JSONL), "csv",
// "dual" (both, sharing the base name) or "none" (nil sink).
func NewHistorySink(format, filename string) (Sink, error) {
	switch format {
	case "none", "":
		return nil, nil
	case "json":
		sink, err := NewJSONLSink(filename)
		if err != nil {
			return nil, err
		}
		return sink, nil
	case "csv":
		sink, err := NewCSVSink(filename)
		if err != nil {
			return nil, err
		}
		return sink, nil
	case "dual":
		base := strings.TrimSuffix(filename, filepath.Ext(filename))
		csvSink, err := NewCSVSink(base + ".csv")
		if err != nil {
			return nil, err
		}
		jsonSink, err := NewJSONLSink(base + ".jsonl")
		if err != nil {
			csvSink.Close()
			return nil, err
		}
		return NewMultiSink(csvSink, jsonSink), nil
	default:
		return nil, fmt.Errorf("unknown history format %q", format)
	}
}
