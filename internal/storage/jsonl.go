package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"poolwatch/internal/model"
)

type eventLine struct {
	Type string `json:"type"`
	model.EventFields
}

// JsonlStorage appends events and decode errors to a JSONL file.
type JsonlStorage struct {
	path string
	mu   sync.Mutex
}

func NewJsonlStorage(path string) *JsonlStorage {
	return &JsonlStorage{path: path}
}

// PutEvents appends a batch of events as JSON lines tagged with their type.
func (s *JsonlStorage) PutEvents(_ context.Context, events []model.Event) error {
	lines := make([]interface{}, 0, len(events))
	for _, ev := range events {
		typ, fields, ok := fieldsOf(ev)
		if !ok {
			return fmt.Errorf("unsupported event type %T", ev)
		}
		lines = append(lines, eventLine{Type: typ, EventFields: fields})
	}
	return s.appendLines(lines)
}

// PutDecodeError appends one decode failure record.
func (s *JsonlStorage) PutDecodeError(rec model.DecodeError) error {
	return s.appendLines([]interface{}{rec})
}

func (s *JsonlStorage) appendLines(records []interface{}) error {
	if len(records) == 0 {
		return nil
	}

	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open output file: %w", err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	enc := json.NewEncoder(writer)
	for _, record := range records {
		if err := enc.Encode(record); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
	}
	if err := writer.Flush(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}
	return nil
}
