package accounting

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

// Ledger is the append-only billing file. Every recorded entry becomes
// one JSON line; the file is never rewritten or truncated.
type Ledger struct {
	path string
	mu   sync.Mutex
}

// NewLedger opens (creating if needed) the billing file at path.
func NewLedger(path string) (*Ledger, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger file: %w", err)
	}
	file.Close()

	log.Info().Str("path", path).Msg("Billing ledger opened")
	return &Ledger{path: path}, nil
}

// Append writes one entry as a JSON line.
func (l *Ledger) Append(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open ledger file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write ledger entry: %w", err)
	}
	return file.Sync()
}

// Sink adapts the ledger for a Recorder. Write failures are logged and
// swallowed so billing problems never abort a session.
func (l *Ledger) Sink() Sink {
	return func(e Entry) {
		if err := l.Append(e); err != nil {
			log.Warn().Err(err).Msg("Failed to append billing entry")
		}
	}
}

// Load reads all entries back. Malformed lines are skipped with a
// warning, matching how session files tolerate partial writes.
func (l *Ledger) Load() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, fmt.Errorf("failed to open ledger file: %w", err)
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			log.Warn().Int("line", lineNum).Err(err).Msg("Skipping malformed ledger line")
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ledger file: %w", err)
	}
	return entries, nil
}
