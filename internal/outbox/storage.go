package outbox

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// Storage persists the pending set and the dead-letter log.
type Storage interface {
	// Load returns the pending records and the number of dead letters.
	Load() ([]Record, int, error)
	// Update reads the stored pending set, passes it to fn and stores what
	// fn returns. Concurrent Updates on the same storage are serialised,
	// across processes where the backend allows it.
	Update(fn func(stored []Record) []Record) error
	// AppendDeadLetter appends one entry to the dead-letter log.
	AppendDeadLetter(dead DeadLetter) error
}

const maxLineSize = 8 << 20

// FileStorage keeps the pending set and dead letters in two ndjson files.
// The pending file is rewritten through a temp file and rename so a crash
// never leaves it half written. Updates hold an exclusive flock on a
// sibling .lock file, so several processes may share one outbox.
type FileStorage struct {
	pendingPath string
	deadPath    string
}

// NewFileStorage returns a FileStorage for the given paths. Parent
// directories are created on first write.
func NewFileStorage(pendingPath, deadPath string) *FileStorage {
	return &FileStorage{pendingPath: pendingPath, deadPath: deadPath}
}

func (s *FileStorage) Load() ([]Record, int, error) {
	records, err := s.readPending()
	if err != nil {
		return nil, 0, fmt.Errorf("reading pending file: %w", err)
	}

	deadLetters := 0
	err = readLines(s.deadPath, func([]byte) { deadLetters++ })
	if err != nil {
		return nil, 0, fmt.Errorf("reading dead-letter file: %w", err)
	}
	return records, deadLetters, nil
}

func (s *FileStorage) Update(fn func([]Record) []Record) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	records, err := s.readPending()
	if err != nil {
		return fmt.Errorf("reading pending file: %w", err)
	}
	return s.writePending(fn(records))
}

// lock takes the cross-process lock guarding the pending file.
func (s *FileStorage) lock() (func(), error) {
	if err := os.MkdirAll(filepath.Dir(s.pendingPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating outbox dir: %w", err)
	}
	f, err := os.OpenFile(s.pendingPath+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	fd := int(f.Fd())
	for {
		err = unix.Flock(fd, unix.LOCK_EX)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("locking pending file: %w", err)
	}
	return func() {
		_ = unix.Flock(fd, unix.LOCK_UN)
		f.Close()
	}, nil
}

func (s *FileStorage) readPending() ([]Record, error) {
	var records []Record
	err := readLines(s.pendingPath, func(line []byte) {
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil || rec.EventID == "" {
			return
		}
		records = append(records, rec)
	})
	return records, err
}

func (s *FileStorage) writePending(records []Record) error {
	var buf bytes.Buffer
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encoding record %s: %w", rec.EventID, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	dir := filepath.Dir(s.pendingPath)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.pendingPath)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.pendingPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing pending file: %w", err)
	}
	return nil
}

func (s *FileStorage) AppendDeadLetter(dead DeadLetter) error {
	line, err := json.Marshal(dead)
	if err != nil {
		return fmt.Errorf("encoding dead letter: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.deadPath), 0o755); err != nil {
		return fmt.Errorf("creating dead-letter dir: %w", err)
	}
	f, err := os.OpenFile(s.deadPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening dead-letter file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending dead letter: %w", err)
	}
	return f.Sync()
}

// ReadDeadLetters returns every parseable entry of the dead-letter file.
func (s *FileStorage) ReadDeadLetters() ([]DeadLetter, error) {
	var out []DeadLetter
	err := readLines(s.deadPath, func(line []byte) {
		var dead DeadLetter
		if json.Unmarshal(line, &dead) == nil {
			out = append(out, dead)
		}
	})
	return out, err
}

// readLines calls fn for each non-blank line of path. A missing file is empty.
func readLines(path string, fn func([]byte)) error {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		fn(line)
	}
	return scanner.Err()
}

// MemoryStorage is an in-process Storage. The dead-letter log has its own
// lock so it can be appended to from inside an Update.
type MemoryStorage struct {
	mu      sync.Mutex
	pending []Record

	deadMu      sync.Mutex
	deadLetters []DeadLetter
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (s *MemoryStorage) Load() ([]Record, int, error) {
	s.mu.Lock()
	records := append([]Record(nil), s.pending...)
	s.mu.Unlock()
	return records, len(s.DeadLetters()), nil
}

func (s *MemoryStorage) Update(fn func([]Record) []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := fn(append([]Record(nil), s.pending...))
	s.pending = append([]Record(nil), records...)
	return nil
}

func (s *MemoryStorage) AppendDeadLetter(dead DeadLetter) error {
	s.deadMu.Lock()
	defer s.deadMu.Unlock()
	s.deadLetters = append(s.deadLetters, dead)
	return nil
}

// Records returns the last stored pending set.
func (s *MemoryStorage) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.pending...)
}

// DeadLetters returns every appended dead letter.
func (s *MemoryStorage) DeadLetters() []DeadLetter {
	s.deadMu.Lock()
	defer s.deadMu.Unlock()
	return append([]DeadLetter(nil), s.deadLetters...)
}
