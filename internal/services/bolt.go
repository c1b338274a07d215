package services

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/MegaGrindStone/stream-chat/internal/conversation"
	"github.com/MegaGrindStone/stream-chat/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB implements conversation.Persister on top of a BoltDB file. Messages are kept in
// insertion order under sequence keys, with a second bucket mapping message ids to those keys.
type BoltDB struct {
	db *bolt.DB
}

var (
	messagesBucket = []byte("messages")
	indexBucket    = []byte("message-index")
)

// NewBoltDB opens (creating if needed) the database at path and initializes its buckets. The
// database file is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		return createBuckets(tx)
	})
	if err != nil {
		db.Close()
		return BoltDB{}, fmt.Errorf("failed to create buckets: %w", err)
	}

	return BoltDB{db: db}, nil
}

func createBuckets(tx *bolt.Tx) error {
	if _, err := tx.CreateBucketIfNotExists(messagesBucket); err != nil {
		return err
	}
	_, err := tx.CreateBucketIfNotExists(indexBucket)
	return err
}

func sequenceKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

// Messages retrieves all messages in the order they were first stored.
func (b BoltDB) Messages(context.Context) ([]models.Message, error) {
	var messages []models.Message
	err := b.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(messagesBucket)
		if b == nil {
			return nil
		}

		return b.ForEach(func(_, v []byte) error {
			var message models.Message
			if err := json.Unmarshal(v, &message); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, message)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// PutMessage inserts message, or overwrites it in place when its id is already stored.
func (b BoltDB) PutMessage(_ context.Context, message models.Message) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		msgs := tx.Bucket(messagesBucket)
		idx := tx.Bucket(indexBucket)

		key := idx.Get([]byte(message.ID))
		if key == nil {
			seq, err := msgs.NextSequence()
			if err != nil {
				return fmt.Errorf("failed to get next sequence: %w", err)
			}
			key = sequenceKey(seq)
			if err := idx.Put([]byte(message.ID), key); err != nil {
				return err
			}
		}

		v, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}

		return msgs.Put(key, v)
	})
}

// DeleteMessage removes the message with id. It returns conversation.ErrNotFound when no such
// message is stored.
func (b BoltDB) DeleteMessage(_ context.Context, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(indexBucket)

		key := idx.Get([]byte(id))
		if key == nil {
			return conversation.ErrNotFound
		}
		// Bolt's returned slices are only valid inside the transaction and must not outlive a write.
		key = append([]byte(nil), key...)

		if err := tx.Bucket(messagesBucket).Delete(key); err != nil {
			return err
		}
		return idx.Delete([]byte(id))
	})
}

// Clear removes every stored message.
func (b BoltDB) Clear(context.Context) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{messagesBucket, indexBucket} {
			if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
		}
		return createBuckets(tx)
	})
}
