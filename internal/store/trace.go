package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cwbudde/siftcl/internal/sift"
)

const traceFile = "profile.jsonl"

// TraceWriter writes the profile events of a detection as JSON lines to
// <baseDir>/results/<id>/profile.jsonl. It is safe for concurrent use.
type TraceWriter struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	path   string
}

func tracePath(baseDir, id string) string {
	return filepath.Join(baseDir, "results", id, traceFile)
}

// NewTraceWriter creates the trace file for a result, truncating an
// existing one unless append is set.
func NewTraceWriter(baseDir, id string, append bool) (*TraceWriter, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	path := tracePath(baseDir, id)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create result directory: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if append {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	return &TraceWriter{
		file:   file,
		writer: bufio.NewWriterSize(file, 64*1024),
		path:   path,
	}, nil
}

// Write appends one event. Output is buffered until Flush or Close.
func (tw *TraceWriter) Write(ev sift.ProfileEvent) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal trace entry: %w", err)
	}
	data = append(data, '\n')
	if _, err := tw.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write trace entry: %w", err)
	}
	return nil
}

// WriteAll appends every event in order.
func (tw *TraceWriter) WriteAll(events []sift.ProfileEvent) error {
	for _, ev := range events {
		if err := tw.Write(ev); err != nil {
			return err
		}
	}
	return nil
}

// Flush writes buffered data and syncs the file.
func (tw *TraceWriter) Flush() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if err := tw.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush trace writer: %w", err)
	}
	if err := tw.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync trace file: %w", err)
	}
	return nil
}

// Close flushes buffered data and closes the trace file.
func (tw *TraceWriter) Close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if err := tw.writer.Flush(); err != nil {
		tw.file.Close()
		return fmt.Errorf("failed to flush on close: %w", err)
	}
	if err := tw.file.Close(); err != nil {
		return fmt.Errorf("failed to close trace file: %w", err)
	}
	return nil
}

// Path returns the filesystem path to the trace file.
func (tw *TraceWriter) Path() string {
	return tw.path
}

// ReadTrace returns the profile events stored for a result.
func ReadTrace(baseDir, id string) ([]sift.ProfileEvent, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	file, err := os.Open(tracePath(baseDir, id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, &NotFoundError{ID: id}
	} else if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}
	defer file.Close()

	var events []sift.ProfileEvent
	dec := json.NewDecoder(bufio.NewReader(file))
	for {
		var ev sift.ProfileEvent
		err := dec.Decode(&ev)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode trace entry %d: %w", len(events), err)
		}
		events = append(events, ev)
	}
	return events, nil
}
