package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/derktes/ir-remote-mapper/collector/collector"
)

const (
	storeDriverJSON = "json"
	storeDriverBolt = "bolt"
)

var (
	// ErrRemoteNotFound is returned when a button targets an unknown remote
	ErrRemoteNotFound = errors.New("remote not found")
	// ErrRemoteExists is returned when a remote name is already taken
	ErrRemoteExists = errors.New("remote already exists")
	// ErrInvalidRemote is returned for a remote without a name
	ErrInvalidRemote = errors.New("remote name is required")
)

// remoteCRUD persists remote definitions. listRemotes returns remotes in
// insertion order.
type remoteCRUD interface {
	listRemotes() ([]collector.RemoteDefinition, error)
	createRemote(remote collector.RemoteDefinition) error
	appendButton(remoteName string, button collector.ButtonMapping) error
	close() error
}

func newDatabase(cfg StoreConfig) (remoteCRUD, error) {
	switch cfg.Driver {
	case storeDriverJSON:
		return newFileDatabase(cfg.Path)
	case storeDriverBolt:
		return newBoltDatabase(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

type remoteDocument struct {
	Remotes []collector.RemoteDefinition `json:"remotes"`
}

// fileDatabase keeps every remote in one JSON document that is rewritten on
// each mutation.
type fileDatabase struct {
	path string

	mu  sync.Mutex
	doc remoteDocument
}

func newFileDatabase(path string) (*fileDatabase, error) {
	db := &fileDatabase{path: path, doc: remoteDocument{Remotes: []collector.RemoteDefinition{}}}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Printf("Store '%s' not found. Starting empty.", path)
		return db, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &db.doc); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	if db.doc.Remotes == nil {
		db.doc.Remotes = []collector.RemoteDefinition{}
	}
	for i := range db.doc.Remotes {
		normalizeRemote(&db.doc.Remotes[i])
	}
	log.Printf("Loaded %d remote(s) from '%s'", len(db.doc.Remotes), path)
	return db, nil
}

func (db *fileDatabase) listRemotes() ([]collector.RemoteDefinition, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	remotes := make([]collector.RemoteDefinition, len(db.doc.Remotes))
	for i, r := range db.doc.Remotes {
		remotes[i] = cloneRemote(r)
	}
	return remotes, nil
}

func (db *fileDatabase) createRemote(remote collector.RemoteDefinition) error {
	if remote.Name == "" {
		return ErrInvalidRemote
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.find(remote.Name) >= 0 {
		return fmt.Errorf("%w: %s", ErrRemoteExists, remote.Name)
	}
	remote = cloneRemote(remote)
	normalizeRemote(&remote)
	db.doc.Remotes = append(db.doc.Remotes, remote)
	if err := db.save(); err != nil {
		db.doc.Remotes = db.doc.Remotes[:len(db.doc.Remotes)-1]
		return err
	}
	return nil
}

func (db *fileDatabase) appendButton(remoteName string, button collector.ButtonMapping) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	i := db.find(remoteName)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrRemoteNotFound, remoteName)
	}
	buttons := db.doc.Remotes[i].Buttons
	db.doc.Remotes[i].Buttons = append(buttons[:len(buttons):len(buttons)], button)
	if err := db.save(); err != nil {
		db.doc.Remotes[i].Buttons = buttons
		return err
	}
	return nil
}

func (db *fileDatabase) close() error {
	return nil
}

func (db *fileDatabase) find(name string) int {
	for i, r := range db.doc.Remotes {
		if r.Name == name {
			return i
		}
	}
	return -1
}

// save writes the document to a temporary file and renames it over the
// store so a crash never leaves a truncated file behind.
func (db *fileDatabase) save() error {
	data, err := json.MarshalIndent(db.doc, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(db.path), filepath.Base(db.path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), db.path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if debugMode.Load() {
		log.Printf("Database saved to '%s'", db.path)
	}
	return nil
}

func normalizeRemote(r *collector.RemoteDefinition) {
	if r.Buttons == nil {
		r.Buttons = []collector.ButtonMapping{}
	}
}

func cloneRemote(r collector.RemoteDefinition) collector.RemoteDefinition {
	if r.Buttons != nil {
		buttons := make([]collector.ButtonMapping, len(r.Buttons))
		copy(buttons, r.Buttons)
		r.Buttons = buttons
	}
	return r
}
