package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/conclave-ai/conclave/council"
)

// ErrInvalidPathComponent is returned when an identifier contains unsafe characters.
var ErrInvalidPathComponent = errors.New("invalid path component: contains path separator or traversal sequence")

// validatePathComponent checks that a string is safe to use as a path component.
// It rejects empty strings, path separators, and traversal sequences.
func validatePathComponent(s string) error {
	if s == "" {
		return errors.New("path component cannot be empty")
	}
	if strings.ContainsAny(s, `/\`) || strings.Contains(s, "..") {
		return ErrInvalidPathComponent
	}
	return nil
}

// FileStore implements Store using JSON files. Storage layout:
//
//	~/.conclave/sessions/
//	  ├── <session-id>.json           # Session record
//	  ├── <session-id>.rounds.jsonl   # Rounds, append-only
//	  └── <session-id>.branches.jsonl # Branch relations keyed by parent
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool
}

// NewFileStore creates a new file-based store.
// If baseDir is empty, uses ~/.conclave/sessions.
func NewFileStore(baseDir string) (*FileStore, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".conclave", "sessions")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}

	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) sessionPath(sessionID string) string {
	return filepath.Join(s.baseDir, sessionID+".json")
}

func (s *FileStore) roundsPath(sessionID string) string {
	return filepath.Join(s.baseDir, sessionID+".rounds.jsonl")
}

func (s *FileStore) branchesPath(parentID string) string {
	return filepath.Join(s.baseDir, parentID+".branches.jsonl")
}

// SaveSession creates or updates a session record.
// The write goes through a temp file and rename so a crash never leaves a
// half-written record.
func (s *FileStore) SaveSession(ctx context.Context, sess *council.Session) error {
	if err := validatePathComponent(sess.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	path := s.sessionPath(sess.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename session: %w", err)
	}
	return nil
}

// LoadSession retrieves a session by ID.
func (s *FileStore) LoadSession(ctx context.Context, sessionID string) (*council.Session, error) {
	if err := validatePathComponent(sessionID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	data, err := os.ReadFile(s.sessionPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("read session: %w", err)
	}

	var sess council.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

// ListSessions returns stored sessions matching the filter options,
// newest first.
func (s *FileStore) ListSessions(ctx context.Context, opts ListOptions) ([]*council.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("read base directory: %w", err)
	}

	var result []*council.Session
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.Contains(name, ".rounds.") || strings.Contains(name, ".branches.") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.baseDir, name))
		if err != nil {
			continue
		}
		var sess council.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			continue
		}
		if opts.State != "" && sess.State != opts.State {
			continue
		}
		result = append(result, &sess)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return paginate(result, opts), nil
}

// DeleteSession removes a session, its rounds, and its branch records.
func (s *FileStore) DeleteSession(ctx context.Context, sessionID string) error {
	if err := validatePathComponent(sessionID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	for _, path := range []string{s.sessionPath(sessionID), s.roundsPath(sessionID), s.branchesPath(sessionID)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

// SaveRound appends a fully assembled round.
func (s *FileStore) SaveRound(ctx context.Context, round *council.Round) error {
	if err := validatePathComponent(round.SessionID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	existing, err := s.readRounds(round.SessionID)
	if err != nil {
		return err
	}
	if round.Number != len(existing)+1 {
		return ErrRoundConflict
	}

	data, err := json.Marshal(round)
	if err != nil {
		return fmt.Errorf("marshal round: %w", err)
	}

	f, err := os.OpenFile(s.roundsPath(round.SessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open rounds file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append round: %w", err)
	}
	return f.Sync()
}

// LoadRounds retrieves all rounds for a session in round order.
func (s *FileStore) LoadRounds(ctx context.Context, sessionID string) ([]*council.Round, error) {
	if err := validatePathComponent(sessionID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.readRounds(sessionID)
}

func (s *FileStore) readRounds(sessionID string) ([]*council.Round, error) {
	f, err := os.Open(s.roundsPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open rounds file: %w", err)
	}
	defer f.Close()

	var rounds []*council.Round
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var round council.Round
		if err := json.Unmarshal(line, &round); err != nil {
			return nil, fmt.Errorf("unmarshal round: %w", err)
		}
		rounds = append(rounds, &round)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan rounds file: %w", err)
	}
	return rounds, nil
}

// SaveBranch records a fork relation.
func (s *FileStore) SaveBranch(ctx context.Context, rel *council.BranchRelation) error {
	if err := validatePathComponent(rel.ParentID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	data, err := json.Marshal(rel)
	if err != nil {
		return fmt.Errorf("marshal branch: %w", err)
	}

	f, err := os.OpenFile(s.branchesPath(rel.ParentID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open branches file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append branch: %w", err)
	}
	return nil
}

// ListBranches returns the branch relations whose parent is the given session.
func (s *FileStore) ListBranches(ctx context.Context, parentID string) ([]*council.BranchRelation, error) {
	if err := validatePathComponent(parentID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	f, err := os.Open(s.branchesPath(parentID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open branches file: %w", err)
	}
	defer f.Close()

	var rels []*council.BranchRelation
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rel council.BranchRelation
		if err := json.Unmarshal(line, &rel); err != nil {
			return nil, fmt.Errorf("unmarshal branch: %w", err)
		}
		rels = append(rels, &rel)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan branches file: %w", err)
	}
	return rels, nil
}

// Close marks the store closed. Further operations return ErrStoreClosed.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
