// Package memblob is an in-process revisioned blob store. It backs tests and
// the "memory" backend.
package memblob

import (
	"context"
	"crypto/sha1" //nolint:gosec // revision marker, not a security boundary
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.pilab.hu/restodb/domain"
	serrors "go.pilab.hu/restodb/errors"
)

type entry struct {
	content  []byte
	revision string
}

// Store implements domain.BlobStore in memory.
type Store struct {
	mu      sync.Mutex
	files   map[string]entry
	version int

	reads  int
	writes int
	// FailNext, when set, is returned by the next call and then cleared.
	failNext error
}

// New returns an empty store.
func New() *Store {
	return &Store{files: make(map[string]entry)}
}

// FailNext makes the next call return err.
func (s *Store) FailNext(err error) {
	s.mu.Lock()
	s.failNext = err
	s.mu.Unlock()
}

// Reads returns the number of Read calls served.
func (s *Store) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// Writes returns the number of successful Write calls.
func (s *Store) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *Store) takeFailure() error {
	err := s.failNext
	s.failNext = nil
	return err
}

func (s *Store) revisionFor(content []byte) string {
	s.version++
	sum := sha1.Sum(append([]byte(strconv.Itoa(s.version)+"\x00"), content...)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

func (s *Store) Read(ctx context.Context, path string) (*domain.Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}
	s.reads++
	e, ok := s.files[path]
	if !ok {
		return nil, &serrors.NotFoundError{Kind: "file", Key: path}
	}
	content := make([]byte, len(e.content))
	copy(content, e.content)
	return &domain.Blob{Path: path, Content: content, Revision: e.revision}, nil
}

func (s *Store) Write(ctx context.Context, path string, content []byte, expectedRevision, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return "", err
	}
	e, exists := s.files[path]
	switch {
	case expectedRevision == "" && exists:
		return "", &serrors.ConflictError{Path: path}
	case expectedRevision != "" && (!exists || e.revision != expectedRevision):
		return "", &serrors.ConflictError{Path: path, Expected: expectedRevision}
	}
	stored := make([]byte, len(content))
	copy(stored, content)
	rev := s.revisionFor(stored)
	s.files[path] = entry{content: stored, revision: rev}
	s.writes++
	return rev, nil
}

func (s *Store) Delete(ctx context.Context, path string, expectedRevision, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}
	e, ok := s.files[path]
	if !ok {
		return &serrors.NotFoundError{Kind: "file", Key: path}
	}
	if expectedRevision != "" && e.revision != expectedRevision {
		return &serrors.ConflictError{Path: path, Expected: expectedRevision}
	}
	delete(s.files, path)
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}
	var out []string
	for p := range s.files {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.takeFailure()
}

// Put seeds a file, bypassing revision checks.
func (s *Store) Put(path string, content []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rev := s.revisionFor(content)
	s.files[path] = entry{content: append([]byte(nil), content...), revision: rev}
	return rev
}

var _ domain.BlobStore = (*Store)(nil)
