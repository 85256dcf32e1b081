package server

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/derktes/ir-remote-mapper/collector/collector"
	"go.etcd.io/bbolt"
)

const (
	boltBucketRemotes = "remotes" // key: big-endian sequence -> RemoteDefinition JSON
	boltBucketNames   = "names"   // key: remote name -> sequence key
)

// boltDatabase stores remotes in a bbolt file. Sequence keys keep the
// bucket in insertion order.
type boltDatabase struct {
	db *bbolt.DB
}

func newBoltDatabase(path string) (*boltDatabase, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(boltBucketRemotes)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(boltBucketNames)); err != nil {
			return err
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Printf("Opened bolt store '%s'", path)
	return &boltDatabase{db: db}, nil
}

func (b *boltDatabase) listRemotes() ([]collector.RemoteDefinition, error) {
	remotes := make([]collector.RemoteDefinition, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(boltBucketRemotes)).ForEach(func(k, v []byte) error {
			var remote collector.RemoteDefinition
			if err := json.Unmarshal(v, &remote); err != nil {
				return fmt.Errorf("decoding remote %x: %w", k, err)
			}
			normalizeRemote(&remote)
			remotes = append(remotes, remote)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return remotes, nil
}

func (b *boltDatabase) createRemote(remote collector.RemoteDefinition) error {
	if remote.Name == "" {
		return ErrInvalidRemote
	}
	normalizeRemote(&remote)
	data, err := json.Marshal(&remote)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		var (
			remotes = tx.Bucket([]byte(boltBucketRemotes))
			names   = tx.Bucket([]byte(boltBucketNames))
		)
		if names.Get([]byte(remote.Name)) != nil {
			return fmt.Errorf("%w: %s", ErrRemoteExists, remote.Name)
		}
		seq, err := remotes.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		if err := remotes.Put(key, data); err != nil {
			return err
		}
		return names.Put([]byte(remote.Name), key)
	})
}

func (b *boltDatabase) appendButton(remoteName string, button collector.ButtonMapping) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		var (
			remotes = tx.Bucket([]byte(boltBucketRemotes))
			names   = tx.Bucket([]byte(boltBucketNames))
		)
		key := names.Get([]byte(remoteName))
		if key == nil {
			return fmt.Errorf("%w: %s", ErrRemoteNotFound, remoteName)
		}
		var remote collector.RemoteDefinition
		if err := json.Unmarshal(remotes.Get(key), &remote); err != nil {
			return err
		}
		remote.Buttons = append(remote.Buttons, button)
		data, err := json.Marshal(&remote)
		if err != nil {
			return err
		}
		return remotes.Put(key, data)
	})
}

func (b *boltDatabase) close() error {
	return b.db.Close()
}
