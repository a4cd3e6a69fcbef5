// Package checkpoint persists an in-progress sync session inside the target
// repository's git directory so it can be resumed or rolled back.
//
// Layout under <git dir>/subsync:
//
//	info.json   session record (schema version, specification, patch records, checksums)
//	patches/    the patch files, in application order
//	cursor      number of resolved records
//	conflict    record index and HEAD at the time of the last conflict halt
//
// info.json is written last during Create, so a directory without it is an
// interrupted create and reads as corrupt.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/schaermu/subsync/internal/models"
)

// Version is the current info.json schema version.
const Version = 1

const (
	dirName      = "subsync"
	infoFile     = "info.json"
	cursorFile   = "cursor"
	conflictFile = "conflict"
	patchesDir   = "patches"
	lockFile     = "subsync.lock"
)

var (
	// ErrSessionAlreadyExists is returned by Create when the target already
	// has a checkpoint.
	ErrSessionAlreadyExists = errors.New("a sync session already exists")
	// ErrNoActiveSession is returned by Load when the target has no checkpoint.
	ErrNoActiveSession = errors.New("no active sync session")
	// ErrCorruptCheckpoint is returned by Load for an unknown version, a
	// partial write, a checksum mismatch or an out-of-range cursor.
	ErrCorruptCheckpoint = errors.New("corrupt checkpoint")
	// ErrLocked is returned by Lock while another process holds the target.
	ErrLocked = errors.New("another subsync process holds the target lock")
)

// Conflict marks the record a session halted on.
type Conflict struct {
	Index int    `json:"index"`
	Head  string `json:"head"` // target HEAD when the session halted
}

// State is a loaded checkpoint.
type State struct {
	Version   int       `json:"version"`
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	Stashed   bool      `json:"stashed"`
	// OriginalBranch is checked out again when the session ends; empty when
	// the session runs on the branch it started from.
	OriginalBranch string               `json:"original_branch,omitempty"`
	Spec           models.Specification `json:"spec"`
	Records        []models.PatchRecord `json:"records"`
	Checksums      map[string]string    `json:"checksums"`

	Cursor   int       `json:"-"`
	Conflict *Conflict `json:"-"`
}

// Remaining returns the records not yet resolved
func (s *State) Remaining() []models.PatchRecord {
	return s.Records[s.Cursor:]
}

// Done reports whether every record is resolved
func (s *State) Done() bool {
	return s.Cursor >= len(s.Records)
}

// Input is what Create persists.
type Input struct {
	Spec     models.Specification
	Records  []models.PatchRecord
	PatchDir string // directory holding the records' patch files
	Stashed  bool

	OriginalBranch string
}

// Store reads and writes the checkpoint of one target repository.
type Store struct {
	gitDir string
	dir    string
	flock  *flock.Flock
}

// NewStore creates a store for the repository whose git directory is gitDir
func NewStore(gitDir string) *Store {
	return &Store{
		gitDir: gitDir,
		dir:    filepath.Join(gitDir, dirName),
		flock:  flock.New(filepath.Join(gitDir, lockFile)),
	}
}

// Dir returns the checkpoint directory
func (s *Store) Dir() string {
	return s.dir
}

// Lock takes the advisory lock serializing mutating commands on the target.
func (s *Store) Lock() error {
	locked, err := s.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock target: %w", err)
	}
	if !locked {
		return ErrLocked
	}
	return nil
}

// Unlock releases the lock if this store holds it
func (s *Store) Unlock() error {
	if !s.flock.Locked() {
		return nil
	}
	if err := s.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock target: %w", err)
	}
	return nil
}

// Exists reports whether a checkpoint directory is present, complete or not
func (s *Store) Exists() bool {
	_, err := os.Stat(s.dir)
	return err == nil
}

// PatchPath returns the stored patch file of rec
func (s *Store) PatchPath(rec models.PatchRecord) string {
	return filepath.Join(s.dir, patchesDir, rec.File)
}

// Create persists a new session with its cursor at zero.
func (s *Store) Create(in Input) (*State, error) {
	if err := os.Mkdir(s.dir, 0755); err != nil {
		if os.IsExist(err) {
			return nil, ErrSessionAlreadyExists
		}
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	if err := os.Mkdir(filepath.Join(s.dir, patchesDir), 0755); err != nil {
		return nil, fmt.Errorf("failed to create patch directory: %w", err)
	}

	state := &State{
		Version:        Version,
		SessionID:      uuid.NewString(),
		CreatedAt:      time.Now().UTC(),
		Stashed:        in.Stashed,
		OriginalBranch: in.OriginalBranch,
		Spec:           in.Spec,
		Records:        in.Records,
		Checksums:      make(map[string]string, len(in.Records)),
	}

	for _, rec := range in.Records {
		dst := s.PatchPath(rec)
		if err := copyFile(filepath.Join(in.PatchDir, rec.File), dst); err != nil {
			return nil, fmt.Errorf("failed to store patch %s: %w", rec.File, err)
		}
		sum, err := fileHash(dst)
		if err != nil {
			return nil, fmt.Errorf("failed to hash patch %s: %w", rec.File, err)
		}
		state.Checksums[rec.File] = sum
	}

	if err := writeAtomic(filepath.Join(s.dir, cursorFile), []byte("0\n")); err != nil {
		return nil, fmt.Errorf("failed to write cursor: %w", err)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := writeAtomic(filepath.Join(s.dir, infoFile), data); err != nil {
		return nil, fmt.Errorf("failed to write checkpoint: %w", err)
	}

	return state, nil
}

// Load reads and verifies the checkpoint.
func (s *Store) Load() (*State, error) {
	if !s.Exists() {
		return nil, ErrNoActiveSession
	}

	data, err := os.ReadFile(filepath.Join(s.dir, infoFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s is missing (interrupted create)", ErrCorruptCheckpoint, infoFile)
		}
		return nil, err
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptCheckpoint, infoFile, err)
	}
	if state.Version != Version {
		return nil, fmt.Errorf("%w: unsupported schema version %d", ErrCorruptCheckpoint, state.Version)
	}

	for _, rec := range state.Records {
		want, ok := state.Checksums[rec.File]
		if !ok {
			return nil, fmt.Errorf("%w: no checksum for %s", ErrCorruptCheckpoint, rec.File)
		}
		got, err := fileHash(s.PatchPath(rec))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptCheckpoint, err)
		}
		if got != want {
			return nil, fmt.Errorf("%w: checksum mismatch for %s", ErrCorruptCheckpoint, rec.File)
		}
	}

	if state.Cursor, err = s.readCursor(len(state.Records)); err != nil {
		return nil, err
	}
	if state.Conflict, err = s.readConflict(); err != nil {
		return nil, err
	}

	return &state, nil
}

// Advance moves the cursor of state to n. The cursor never moves backwards
// and never passes the last record.
func (s *Store) Advance(state *State, n int) error {
	if n < state.Cursor || n > len(state.Records) {
		return fmt.Errorf("cursor %d out of range [%d, %d]", n, state.Cursor, len(state.Records))
	}
	if err := writeAtomic(filepath.Join(s.dir, cursorFile), []byte(strconv.Itoa(n)+"\n")); err != nil {
		return fmt.Errorf("failed to write cursor: %w", err)
	}
	state.Cursor = n
	return nil
}

// MarkConflict records that the session halted on record index with the
// target at head.
func (s *Store) MarkConflict(state *State, index int, head string) error {
	c := &Conflict{Index: index, Head: head}
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := writeAtomic(filepath.Join(s.dir, conflictFile), data); err != nil {
		return fmt.Errorf("failed to write conflict marker: %w", err)
	}
	state.Conflict = c
	return nil
}

// ClearConflict removes the conflict marker
func (s *Store) ClearConflict(state *State) error {
	if err := os.Remove(filepath.Join(s.dir, conflictFile)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove conflict marker: %w", err)
	}
	state.Conflict = nil
	return nil
}

// Clear deletes the checkpoint. A missing checkpoint is not an error.
func (s *Store) Clear() error {
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("failed to remove checkpoint: %w", err)
	}
	return nil
}

func (s *Store) readCursor(total int) (int, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, cursorFile))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCorruptCheckpoint, err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("%w: cursor %q is not a number", ErrCorruptCheckpoint, strings.TrimSpace(string(data)))
	}
	if n < 0 || n > total {
		return 0, fmt.Errorf("%w: cursor %d out of range [0, %d]", ErrCorruptCheckpoint, n, total)
	}
	return n, nil
}

func (s *Store) readConflict() (*Conflict, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, conflictFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var c Conflict
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: conflict marker: %v", ErrCorruptCheckpoint, err)
	}
	return &c, nil
}

// copyFile copies a file from src to dst with atomic write
func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = srcFile.Close()
	}()

	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".subsync-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := io.Copy(tmpFile, srcFile); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, dst)
}

// writeAtomic replaces path with data through a synced temp file and rename
func writeAtomic(path string, data []byte) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".subsync-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}

// fileHash computes the SHA256 hash of a file
func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
