package recovery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	pendingFile     = "pending.json"
	sessionFile     = "session.json"
	checkpointsFile = "checkpoints.jsonl"
)

// FileStore implements Store as files in one directory. Pending and session
// records are JSON documents replaced through a temp file and rename.
// Checkpoints are an append-only JSON-lines log, so several processes can
// share the directory without overwriting each other's entries.
type FileStore struct {
	dir        string
	pendingTTL time.Duration

	mu          sync.Mutex
	checkpoints map[string]int64
	readOffset  int64 // bytes of the checkpoint log already merged
}

type checkpointLine struct {
	ID string `json:"id"`
	At int64  `json:"at"`
}

// NewFileStore creates dir (0700) if needed
func NewFileStore(dir string, pendingTTL time.Duration) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileStore{dir: dir, pendingTTL: pendingTTL, checkpoints: make(map[string]int64)}, nil
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *FileStore) writeJSON(name string, v interface{}) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path(name))
}

// readJSON returns false when the file does not exist
func (s *FileStore) readJSON(name string, v interface{}) (bool, error) {
	raw, err := os.ReadFile(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", name, err)
	}
	return true, nil
}

func (s *FileStore) remove(name string) error {
	err := os.Remove(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *FileStore) SavePending(ctx context.Context, rec *PendingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(pendingFile, rec)
}

func (s *FileStore) LoadPending(ctx context.Context) (*PendingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec PendingRecord
	found, err := s.readJSON(pendingFile, &rec)
	if err != nil || !found {
		return nil, err
	}
	if expired(rec.CreatedAt, s.pendingTTL) {
		return nil, s.remove(pendingFile)
	}
	return &rec, nil
}

func (s *FileStore) ClearPending(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remove(pendingFile)
}

func (s *FileStore) SaveSession(ctx context.Context, rec *SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(sessionFile, rec)
}

func (s *FileStore) LoadSession(ctx context.Context) (*SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec SessionRecord
	found, err := s.readJSON(sessionFile, &rec)
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

func (s *FileStore) ClearSession(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remove(sessionFile)
}

// syncCheckpoints merges log lines written since the last call, by this
// process or another one. A torn last line is left for the next call.
func (s *FileStore) syncCheckpoints() error {
	f, err := os.Open(s.path(checkpointsFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Seek(s.readOffset, io.SeekStart); err != nil {
		return err
	}
	raw, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	end := bytes.LastIndexByte(raw, '\n')
	if end < 0 {
		return nil
	}
	for _, line := range bytes.Split(raw[:end], []byte{'\n'}) {
		var cp checkpointLine
		if len(line) == 0 || json.Unmarshal(line, &cp) != nil || cp.ID == "" {
			continue
		}
		if _, ok := s.checkpoints[cp.ID]; !ok {
			s.checkpoints[cp.ID] = cp.At
		}
	}
	s.readOffset += int64(end + 1)
	return nil
}

func (s *FileStore) appendCheckpoint(itemID string) error {
	line, err := json.Marshal(checkpointLine{ID: itemID, At: time.Now().Unix()})
	if err != nil {
		return err
	}
	f, err := os.OpenFile(s.path(checkpointsFile), os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	// Terminate a line torn by a crash so it cannot swallow this one
	if info, err := f.Stat(); err == nil && info.Size() > 0 {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, info.Size()-1); err == nil && last[0] != '\n' {
			line = append([]byte{'\n'}, line...)
		}
	}
	// One write per line; O_APPEND keeps concurrent writers from interleaving
	if _, err := f.Write(line); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// MarkPublished persists before returning. Entries are only ever appended.
func (s *FileStore) MarkPublished(ctx context.Context, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.checkpoints[itemID]; ok {
		return nil
	}
	if err := s.syncCheckpoints(); err != nil {
		return err
	}
	if _, ok := s.checkpoints[itemID]; ok {
		return nil
	}
	if err := s.appendCheckpoint(itemID); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	s.checkpoints[itemID] = time.Now().Unix()
	return nil
}

func (s *FileStore) IsPublished(ctx context.Context, itemID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.checkpoints[itemID]; ok {
		return true, nil
	}
	if err := s.syncCheckpoints(); err != nil {
		return false, err
	}
	_, ok := s.checkpoints[itemID]
	return ok, nil
}

func (s *FileStore) Close() error {
	return nil
}
