package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	DefaultTailLines = 500
	MaxTailLines     = 5000

	logPrefix = "update-"
	logSuffix = ".log"
)

var (
	ErrNotFound  = errors.New("log not found")
	ErrInvalidID = errors.New("invalid job id")
	ErrExists    = errors.New("log already exists")
)

var idPattern = regexp.MustCompile(`^[0-9]{1,20}$`)

// ValidID reports whether id has the shape of a job id. It never touches the
// filesystem, so callers can reject traversal-shaped input up front.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// ClampTail normalizes a requested line count into [1, MaxTailLines].
func ClampTail(n int) int {
	if n <= 0 {
		return DefaultTailLines
	}
	if n > MaxTailLines {
		return MaxTailLines
	}
	return n
}

type LogInfo struct {
	ID        string    `json:"id"`
	SizeBytes int64     `json:"sizeBytes"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store keeps one append-only log file per job under baseDir. Writes to a
// given log are serialized by a per-job lock; readers open the file on their
// own and see whatever has been flushed so far.
type Store struct {
	baseDir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create base dir: %w", err)
	}
	return &Store{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

func (s *Store) Dir() string {
	return s.baseDir
}

// Path returns the log file location for id.
func (s *Store) Path(id string) (string, error) {
	if !ValidID(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return filepath.Join(s.baseDir, logPrefix+id+logSuffix), nil
}

func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Create makes an empty log for a new job. It fails if the log already
// exists, since ids are never reused.
func (s *Store) Create(id string) (string, error) {
	path, err := s.Path(id)
	if err != nil {
		return "", err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return "", fmt.Errorf("%w: %s", ErrExists, id)
		}
		return "", fmt.Errorf("create log: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close log: %w", err)
	}
	return path, nil
}

// Append writes p to the end of the job's log, creating it on first write.
func (s *Store) Append(id string, p []byte) error {
	w, err := s.Open(id)
	if err != nil {
		return err
	}
	if _, err := w.Write(p); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// Open returns an append-only writer for the job's log.
func (s *Store) Open(id string) (*LogWriter, error) {
	path, err := s.Path(id)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	return &LogWriter{f: f, mu: s.lockFor(id)}, nil
}

// LogWriter appends to a single job log. It is safe for concurrent use, which
// keeps interleaved stdout/stderr chunks whole.
type LogWriter struct {
	f  *os.File
	mu *sync.Mutex
}

func (w *LogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, err := w.f.Write(p)
	if err != nil {
		return n, fmt.Errorf("append log: %w", err)
	}
	return n, nil
}

func (w *LogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

func (s *Store) Exists(id string) bool {
	path, err := s.Path(id)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Tail returns at most ClampTail(maxLines) trailing lines of the job's log.
// A final line still being written (no newline yet) is included as is.
func (s *Store) Tail(id string, maxLines int) ([]string, error) {
	path, err := s.Path(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer f.Close()

	return tailLines(f, ClampTail(maxLines))
}

func tailLines(r io.Reader, n int) ([]string, error) {
	ring := make([]string, 0, n)
	start := 0
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			line = strings.TrimSuffix(line, "\n")
			line = strings.TrimSuffix(line, "\r")
			if len(ring) < n {
				ring = append(ring, line)
			} else {
				ring[start] = line
				start = (start + 1) % n
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read log: %w", err)
		}
	}
	return append(ring[start:], ring[:start]...), nil
}

// ReadFrom returns up to max bytes of the job's log starting at offset.
func (s *Store) ReadFrom(id string, offset int64, max int) ([]byte, error) {
	path, err := s.Path(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek log: %w", err)
	}
	data, err := io.ReadAll(io.LimitReader(f, int64(max)))
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	return data, nil
}

// List enumerates job logs found in the log directory, most recent first.
func (s *Store) List() ([]LogInfo, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("read log dir: %w", err)
	}

	logs := make([]LogInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, ok := idFromName(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// removed by housekeeping between ReadDir and Info
			continue
		}
		logs = append(logs, LogInfo{
			ID:        id,
			SizeBytes: info.Size(),
			UpdatedAt: info.ModTime().UTC(),
		})
	}

	sort.Slice(logs, func(i, j int) bool {
		return idLess(logs[j].ID, logs[i].ID)
	})
	return logs, nil
}

// MaxID returns the highest job id with a log on disk, or 0.
func (s *Store) MaxID() (uint64, error) {
	logs, err := s.List()
	if err != nil {
		return 0, err
	}
	var max uint64
	for _, l := range logs {
		if v, err := strconv.ParseUint(l.ID, 10, 64); err == nil && v > max {
			max = v
		}
	}
	return max, nil
}

func idFromName(name string) (string, bool) {
	if !strings.HasPrefix(name, logPrefix) || !strings.HasSuffix(name, logSuffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(name, logPrefix), logSuffix)
	return id, ValidID(id)
}

// idLess orders numeric ids without parsing them.
func idLess(a, b string) bool {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}
