package store

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/slotwatch/bookerd/internal/tasks"
)

const (
	bookingsFileName = "scheduled_bookings.json"
	backupFileName   = "scheduled_bookings.backup.json"
)

type fileDocument struct {
	Bookings []tasks.Task `json:"bookings"`
}

// FileStore keeps all bookings in one JSON document with an opportunistic
// backup copy. Writes go through a temp file, are fsynced and renamed into
// place, so readers never see a partial document. A corrupt primary file is
// recovered from the backup.
type FileStore struct {
	mu         sync.Mutex
	path       string
	backupPath string
	codec      Codec
}

func NewFileStore(dataDir string) (*FileStore, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s := &FileStore{
		path:       filepath.Join(dataDir, bookingsFileName),
		backupPath: filepath.Join(dataDir, backupFileName),
	}
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		if err := s.write(fileDocument{Bookings: []tasks.Task{}}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *FileStore) Put(_ context.Context, task tasks.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	replaced := false
	for i := range doc.Bookings {
		if doc.Bookings[i].ID == task.ID {
			doc.Bookings[i] = task.Clone()
			replaced = true
			break
		}
	}
	if !replaced {
		doc.Bookings = append(doc.Bookings, task.Clone())
	}
	return s.write(doc)
}

func (s *FileStore) Get(_ context.Context, id string) (tasks.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return tasks.Task{}, err
	}
	for _, t := range doc.Bookings {
		if t.ID == id {
			return t.Clone(), nil
		}
	}
	return tasks.Task{}, ErrNotFound
}

func (s *FileStore) All(_ context.Context) ([]tasks.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	out := make([]tasks.Task, 0, len(doc.Bookings))
	for _, t := range doc.Bookings {
		out = append(out, t.Clone())
	}
	return out, nil
}

func (s *FileStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	kept := doc.Bookings[:0]
	found := false
	for _, t := range doc.Bookings {
		if t.ID == id {
			found = true
			continue
		}
		kept = append(kept, t)
	}
	if !found {
		return ErrNotFound
	}
	doc.Bookings = kept
	return s.write(doc)
}

func (s *FileStore) AppendLog(_ context.Context, id string, entry tasks.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	for i := range doc.Bookings {
		if doc.Bookings[i].ID == id {
			doc.Bookings[i].Logs = append(doc.Bookings[i].Logs, entry)
			doc.Bookings[i].UpdatedAt = entry.At
			return s.write(doc)
		}
	}
	return ErrNotFound
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) read() (fileDocument, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return fileDocument{}, nil
		}
		return fileDocument{}, fmt.Errorf("read bookings file: %w", err)
	}
	var doc fileDocument
	if err := s.codec.Decode(data, &doc); err != nil {
		log.Printf("store: corrupt bookings file, recovering from backup: %v", err)
		return s.recoverFromBackup()
	}
	return doc, nil
}

func (s *FileStore) recoverFromBackup() (fileDocument, error) {
	data, err := os.ReadFile(s.backupPath)
	if err != nil {
		return fileDocument{}, fmt.Errorf("read backup file: %w", err)
	}
	var doc fileDocument
	if err := s.codec.Decode(data, &doc); err != nil {
		return fileDocument{}, fmt.Errorf("backup file also corrupt: %w", err)
	}
	if err := s.write(doc); err != nil {
		return fileDocument{}, err
	}
	log.Printf("store: recovered %d booking(s) from backup", len(doc.Bookings))
	return doc, nil
}

func (s *FileStore) write(doc fileDocument) error {
	if doc.Bookings == nil {
		doc.Bookings = []tasks.Task{}
	}
	// Keep the previous good document around before replacing it.
	if prev, err := os.ReadFile(s.path); err == nil {
		_ = os.WriteFile(s.backupPath, prev, 0o644)
	}

	data, err := s.codec.Encode(doc)
	if err != nil {
		return fmt.Errorf("encode bookings: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".bookings-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write bookings: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync bookings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace bookings file: %w", err)
	}
	return nil
}
