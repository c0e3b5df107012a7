package storage

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"go.etcd.io/bbolt"

	"github.com/dm-vdo/vdo-devel-sub000/common"
)

var blocksBucket = []byte("blocks")

// boltBackend stores blocks in a bbolt database, keyed by big-endian PBN.
// Slower than the file backend but self-describing, which makes it the
// backend of choice for tooling that pokes at metadata offline.
type boltBackend struct {
	db    *bbolt.DB
	count common.BlockCount
}

// OpenBoltLayer opens (or creates) a bbolt-backed block store. Another
// process may briefly hold the file lock (vdometa invocations overlap with
// the daemon shutting down), so the open is retried for a few seconds.
func OpenBoltLayer(path string, blocks common.BlockCount) (Layer, error) {
	var db *bbolt.DB
	err := retry.Do(
		func() (err error) {
			db, err = bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
			return
		},
		retry.Attempts(5),
		retry.Delay(200*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("open bolt store %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(blocksBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return newDispatcher(&boltBackend{db: db, count: blocks}), nil
}

func blockKey(pbn common.PBN) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], uint64(pbn))
	return key[:]
}

func (b *boltBackend) readBlock(pbn common.PBN, buf []byte) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(blocksBucket).Get(blockKey(pbn))
		if v == nil {
			clear(buf)
			return nil
		}
		copy(buf, v)
		return nil
	})
}

func (b *boltBackend) writeBlock(pbn common.PBN, buf []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(blocksBucket).Put(blockKey(pbn), buf)
	})
}

// flush is a no-op: every bolt update commits durably.
func (b *boltBackend) flush() error { return nil }

func (b *boltBackend) blockCount() common.BlockCount { return b.count }

func (b *boltBackend) close() error { return b.db.Close() }
