package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// FileDocument is the on-disk layout read by FileStore.
type FileDocument struct {
	Environments map[string]FileEnvironment `json:"environments" yaml:"environments"`
}

// FileEnvironment holds the definitions of one environment namespace.
type FileEnvironment struct {
	Flags        []Flag        `json:"flags" yaml:"flags"`
	Segments     []Segment     `json:"segments" yaml:"segments"`
	SegmentUsers []SegmentUser `json:"segmentUsers,omitempty" yaml:"segmentUsers,omitempty"`
}

// FileStore serves flags and segments from a YAML file and reloads it when
// the file changes. Writes return ErrReadOnly.
type FileStore struct {
	path    string
	logger  zerolog.Logger
	current atomic.Pointer[MemoryStore]
}

// NewFileStore parses path and returns a store serving its contents.
func NewFileStore(path string, logger zerolog.Logger) (*FileStore, error) {
	fs := &FileStore{path: path, logger: logger.With().Str("component", "file_store").Logger()}
	if err := fs.reload(); err != nil {
		return nil, err
	}
	return fs, nil
}

// ParseFile decodes a flag file into an in-memory store.
func ParseFile(data []byte) (*MemoryStore, error) {
	var doc FileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse flag file: %w", err)
	}

	m := NewMemoryStore()
	for env, def := range doc.Environments {
		flags := make(map[string]Flag, len(def.Flags))
		for _, f := range def.Flags {
			if f.ID == "" {
				return nil, fmt.Errorf("parse flag file: environment %q has a flag without id", env)
			}
			f.EnvironmentNamespace = env
			if f.Version == 0 {
				f.Version = 1
			}
			flags[f.ID] = f
		}
		m.flags[env] = flags

		segments := make(map[string]Segment, len(def.Segments))
		for _, s := range def.Segments {
			if s.ID == "" {
				return nil, fmt.Errorf("parse flag file: environment %q has a segment without id", env)
			}
			s.EnvironmentNamespace = env
			if s.Version == 0 {
				s.Version = 1
			}
			segments[s.ID] = s
		}
		m.segments[env] = segments

		users := make([]SegmentUser, 0, len(def.SegmentUsers))
		for _, u := range def.SegmentUsers {
			u.EnvironmentNamespace = env
			users = append(users, u)
		}
		m.segmentUsers[env] = users
	}
	return m, nil
}

func (s *FileStore) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read flag file: %w", err)
	}
	m, err := ParseFile(data)
	if err != nil {
		return err
	}
	s.current.Store(m)
	return nil
}

// Watch reloads the file on every write and calls onChange after each
// successful reload. It blocks until ctx is cancelled.
//
// The parent directory is watched so that editors replacing the file
// through a rename are still observed.
func (s *FileStore) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch %s: %w", s.path, err)
	}
	target := filepath.Clean(s.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := s.reload(); err != nil {
				// keep serving the previous contents
				s.logger.Error().Err(err).Msg("flag file reload failed")
				continue
			}
			s.logger.Info().Str("path", s.path).Msg("flag file reloaded")
			if onChange != nil {
				onChange()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn().Err(err).Msg("flag file watcher error")
		}
	}
}

func (s *FileStore) mem() *MemoryStore { return s.current.Load() }

func (s *FileStore) ListFlags(ctx context.Context, env string) ([]Flag, error) {
	return s.mem().ListFlags(ctx, env)
}

func (s *FileStore) GetFlag(ctx context.Context, env, id string) (*Flag, error) {
	return s.mem().GetFlag(ctx, env, id)
}

func (s *FileStore) PutFlag(context.Context, Flag) error { return ErrReadOnly }

func (s *FileStore) ListSegments(ctx context.Context, env string) ([]Segment, error) {
	return s.mem().ListSegments(ctx, env)
}

func (s *FileStore) GetSegment(ctx context.Context, env, id string) (*Segment, error) {
	return s.mem().GetSegment(ctx, env, id)
}

func (s *FileStore) PutSegment(context.Context, Segment) error { return ErrReadOnly }

func (s *FileStore) ListSegmentUsers(ctx context.Context, env string) ([]SegmentUser, error) {
	return s.mem().ListSegmentUsers(ctx, env)
}

func (s *FileStore) PutSegmentUser(context.Context, SegmentUser) error { return ErrReadOnly }

func (s *FileStore) DeleteSegmentUser(context.Context, string, string, string, SegmentUserState) error {
	return ErrReadOnly
}

// Triggers need a writable backend; a file store never holds any.
func (s *FileStore) ListTriggers(context.Context, string, string) ([]FlagTrigger, error) {
	return nil, nil
}

func (s *FileStore) GetTrigger(context.Context, string) (*FlagTrigger, error) {
	return nil, ErrNotFound
}

func (s *FileStore) PutTrigger(context.Context, FlagTrigger) error { return ErrReadOnly }

func (s *FileStore) DeleteTrigger(context.Context, string) error { return ErrReadOnly }

func (s *FileStore) ListEnvironments(ctx context.Context) ([]string, error) {
	return s.mem().ListEnvironments(ctx)
}

func (s *FileStore) Close() error { return nil }

// IsReadOnly reports whether err came from a read-only backend.
func IsReadOnly(err error) bool { return errors.Is(err, ErrReadOnly) }
