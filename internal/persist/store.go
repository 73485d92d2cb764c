package persist

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"pkt.systems/pslog"
	"pkt.systems/weft/schema"
)

// DraftJournal captures an unsent local draft buffer so edits survive an
// engine restart during an offline period.
type DraftJournal struct {
	Draft       schema.Draft `json:"draft"`
	PromptDirty bool         `json:"prompt_dirty"`
	ImagesDirty bool         `json:"images_dirty"`
	BaseVersion int64        `json:"base_version"`
}

// Store persists draft journals to disk, one file per (attempt, kind).
type Store struct {
	dir string
	log pslog.Logger
}

// NewStore constructs a journal store at the given directory.
func NewStore(dir string) (*Store, error) {
	return NewStoreWithLogger(dir, nil)
}

// NewStoreWithLogger constructs a journal store with logging.
func NewStoreWithLogger(dir string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("journal directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("journal_dir", dir)
	}
	return &Store{dir: dir, log: logger}, nil
}

// Load reads a draft journal from disk.
func (s *Store) Load(attemptID schema.AttemptID, kind schema.DraftKind) (DraftJournal, bool, error) {
	path := s.pathFor(attemptID, kind)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if s.log != nil {
				s.log.Debug("journal load miss", "attempt", attemptID, "kind", kind)
			}
			return DraftJournal{}, false, nil
		}
		if s.log != nil {
			s.log.Warn("journal load failed", "attempt", attemptID, "kind", kind, "err", err)
		}
		return DraftJournal{}, false, err
	}
	var journal DraftJournal
	if err := json.Unmarshal(data, &journal); err != nil {
		if s.log != nil {
			s.log.Warn("journal load failed", "attempt", attemptID, "kind", kind, "err", err)
		}
		return DraftJournal{}, false, err
	}
	if s.log != nil {
		s.log.Debug("journal load ok", "attempt", attemptID, "kind", kind, "version", journal.BaseVersion)
	}
	return journal, true, nil
}

// Save writes a draft journal to disk atomically.
func (s *Store) Save(attemptID schema.AttemptID, kind schema.DraftKind, journal DraftJournal) error {
	path := s.pathFor(attemptID, kind)
	data, err := json.MarshalIndent(journal, "", "  ")
	if err != nil {
		s.warnSave(attemptID, kind, err)
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "journal-*.json")
	if err != nil {
		s.warnSave(attemptID, kind, err)
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		s.warnSave(attemptID, kind, err)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		s.warnSave(attemptID, kind, err)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		s.warnSave(attemptID, kind, err)
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		s.warnSave(attemptID, kind, err)
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		s.warnSave(attemptID, kind, err)
		return err
	}
	if s.log != nil {
		s.log.Trace("journal save ok", "attempt", attemptID, "kind", kind, "version", journal.BaseVersion)
	}
	return nil
}

// Clear removes the journal for an attempt and kind. Missing files are not
// an error.
func (s *Store) Clear(attemptID schema.AttemptID, kind schema.DraftKind) error {
	err := os.Remove(s.pathFor(attemptID, kind))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		if s.log != nil {
			s.log.Warn("journal clear failed", "attempt", attemptID, "kind", kind, "err", err)
		}
		return err
	}
	return nil
}

func (s *Store) warnSave(attemptID schema.AttemptID, kind schema.DraftKind, err error) {
	if s.log != nil {
		s.log.Warn("journal save failed", "attempt", attemptID, "kind", kind, "err", err)
	}
}

func (s *Store) pathFor(attemptID schema.AttemptID, kind schema.DraftKind) string {
	name := sanitize(attemptID.String() + "-" + string(kind))
	return filepath.Join(s.dir, name+".json")
}

func sanitize(value string) string {
	var b strings.Builder
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('_')
	}
	return b.String()
}
