package eventstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// Journal is the newline-delimited-JSON append-only file backing the event
// store (§6.5). One EventEnvelope per line, oldest first. Readers tolerate
// unknown Kind.Type values and forward-compatible field additions because
// EventKind.Payload is opaque json.RawMessage.
type Journal struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// OpenJournal opens (creating if absent) the journal file at path for
// appending, and leaves it open for the lifetime of the process.
func OpenJournal(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{path: path, file: f}, nil
}

// Append writes one envelope as a single JSON line and fsyncs before
// returning, so a crash between journal write and DB insert is the only
// window the startup replay pass (ReadAll) needs to cover.
func (j *Journal) Append(env EventEnvelope) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	line, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	line = append(line, '\n')
	if _, err := j.file.Write(line); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	return j.file.Sync()
}

// ReadAll streams every envelope in the journal, oldest first. Used both by
// Store.Rebuild (filtered to one session) and by crash recovery.
func (j *Journal) ReadAll() ([]EventEnvelope, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek journal: %w", err)
	}
	defer j.file.Seek(0, io.SeekEnd)

	var envelopes []EventEnvelope
	scanner := bufio.NewScanner(j.file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env EventEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			// Forward-compatible: a malformed/truncated trailing line from a
			// crash mid-write is skipped rather than failing the whole read.
			continue
		}
		envelopes = append(envelopes, env)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan journal: %w", err)
	}
	return envelopes, nil
}

// Close closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}
