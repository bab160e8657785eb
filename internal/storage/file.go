package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"loom/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.events.jsonl        (append-only JSON Lines journal)
//   - <prefix>.kv.snapshot.json    (periodic snapshot)
//   - <prefix>.kv.journal.jsonl    (append-only journal)
//   - <prefix>.secrets.json        (flat map, rewritten on change)
//
// The kv journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	eventFile *os.File

	kvSnapshotPath string
	kvJournalFile  *os.File
	kv             map[string]string
	kvWrites       int

	secretsPath string
	secrets     map[string]string
}

type kvRecord struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

const kvCompactEvery = 256

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	eventsPath := prefix + ".events.jsonl"
	snapPath := prefix + ".kv.snapshot.json"
	journalPath := prefix + ".kv.journal.jsonl"
	secretsPath := prefix + ".secrets.json"

	ef, err := os.OpenFile(eventsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	// Load kv from snapshot + journal.
	kv := map[string]string{}
	_ = loadJSONMap(snapPath, kv)
	_ = replayKVJournal(journalPath, kv)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = ef.Close()
		return nil, err
	}

	secrets := map[string]string{}
	_ = loadJSONMap(secretsPath, secrets)

	return &fileStore{
		log:            log,
		eventFile:      ef,
		kvSnapshotPath: snapPath,
		kvJournalFile:  jf,
		kv:             kv,
		secretsPath:    secretsPath,
		secrets:        secrets,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.eventFile != nil {
		err1 = s.eventFile.Close()
		s.eventFile = nil
	}
	if s.kvJournalFile != nil {
		err2 = s.kvJournalFile.Close()
		s.kvJournalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) Get(ctx context.Context, key, def string) (string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.kv[key]; ok {
		return v, nil
	}
	return def, nil
}

func (s *fileStore) Set(ctx context.Context, key, value string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kvJournalFile == nil {
		return errors.New("kv journal closed")
	}
	s.kv[key] = value

	enc := json.NewEncoder(s.kvJournalFile)
	if err := enc.Encode(kvRecord{Key: key, Value: value}); err != nil {
		return err
	}
	s.kvWrites++
	if s.kvWrites >= kvCompactEvery {
		s.kvWrites = 0
		s.compactLocked()
	}
	return nil
}

func (s *fileStore) LogEvent(ctx context.Context, eventType string, payload map[string]any) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventFile == nil {
		return errors.New("event journal closed")
	}
	enc := json.NewEncoder(s.eventFile)
	return enc.Encode(LoggedEvent{At: time.Now(), Type: eventType, Payload: payload})
}

func (s *fileStore) GetSecret(ctx context.Context, name string) (string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.secrets[name]
	if !ok {
		return "", ErrNoSecret
	}
	return v, nil
}

func (s *fileStore) SetSecret(ctx context.Context, name, value string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[name] = value
	return writeJSONMap(s.secretsPath, s.secrets)
}

// compactLocked folds the journal into the snapshot and truncates it.
// Best-effort: a failed compaction keeps the journal intact.
func (s *fileStore) compactLocked() {
	if err := writeJSONMap(s.kvSnapshotPath, s.kv); err != nil {
		s.log.Warn("kv snapshot write failed", logx.Err(err))
		return
	}
	if err := s.kvJournalFile.Truncate(0); err != nil {
		s.log.Warn("kv journal truncate failed", logx.Err(err))
		return
	}
	if _, err := s.kvJournalFile.Seek(0, 0); err != nil {
		s.log.Warn("kv journal seek failed", logx.Err(err))
	}
}

func loadJSONMap(path string, into map[string]string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, &into)
}

func writeJSONMap(path string, m map[string]string) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func replayKVJournal(path string, into map[string]string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec kvRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue // skip torn writes
		}
		into[rec.Key] = rec.Value
	}
	return sc.Err()
}
