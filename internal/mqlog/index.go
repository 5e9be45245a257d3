package mqlog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cockroachdb/pebble"

	typederrors "github.com/tranqmq/tranq/internal/errors"
)

const (
	consumeOffsetPrefix = "coff:"
	commitLogPrefix     = "clo:"
)

// msgLocation maps a commit-log offset back to its queue position
type msgLocation struct {
	Topic       string `json:"topic"`
	QueueID     int32  `json:"queue_id"`
	QueueOffset int64  `json:"queue_offset"`
}

// metaIndex holds the durable per-queue consume offsets and the
// commit-log-offset index in a PebbleDB instance next to the queue files.
type metaIndex struct {
	db    *pebble.DB
	cache *pebble.Cache
}

func openMetaIndex(dataDir string) (*metaIndex, error) {
	dbPath := filepath.Join(dataDir, "meta")

	cache := pebble.NewCache(16 << 20)
	opts := &pebble.Options{
		Cache:        cache,
		MemTableSize: 4 << 20,
		Levels: []pebble.LevelOptions{
			{Compression: pebble.SnappyCompression},
		},
		MaxOpenFiles: 1000,
	}

	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		cache.Unref()
		return nil, typederrors.NewTypedError(typederrors.StorageError, "failed to open meta index", err)
	}

	return &metaIndex{db: db, cache: cache}, nil
}

func consumeOffsetKey(q MessageQueue) []byte {
	return []byte(fmt.Sprintf("%s%s:%d", consumeOffsetPrefix, q.Topic, q.QueueID))
}

func commitLogKey(commitLogOffset int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", commitLogPrefix, commitLogOffset))
}

// readConsumeOffset returns the stored offset and whether one exists
func (m *metaIndex) readConsumeOffset(q MessageQueue) (int64, bool, error) {
	data, closer, err := m.db.Get(consumeOffsetKey(q))
	if err != nil {
		if err == pebble.ErrNotFound {
			return 0, false, nil
		}
		return 0, false, typederrors.NewTypedError(typederrors.StorageError, "failed to read consume offset", err)
	}
	defer closer.Close()

	if len(data) != 8 {
		return 0, false, typederrors.NewTypedError(typederrors.StorageError,
			fmt.Sprintf("corrupt consume offset entry for %s", q), nil)
	}
	return int64(binary.BigEndian.Uint64(data)), true, nil
}

func (m *metaIndex) writeConsumeOffset(q MessageQueue, offset int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(offset))
	if err := m.db.Set(consumeOffsetKey(q), buf[:], pebble.Sync); err != nil {
		return typederrors.NewTypedError(typederrors.StorageError, "failed to write consume offset", err)
	}
	return nil
}

func (m *metaIndex) indexCommitLog(commitLogOffset int64, loc msgLocation) error {
	data, err := json.Marshal(loc)
	if err != nil {
		return typederrors.NewTypedError(typederrors.GeneralError, "failed to marshal message location", err)
	}
	if err := m.db.Set(commitLogKey(commitLogOffset), data, pebble.Sync); err != nil {
		return typederrors.NewTypedError(typederrors.StorageError, "failed to index commit log offset", err)
	}
	return nil
}

func (m *metaIndex) lookupCommitLog(commitLogOffset int64) (msgLocation, bool, error) {
	var loc msgLocation

	data, closer, err := m.db.Get(commitLogKey(commitLogOffset))
	if err != nil {
		if err == pebble.ErrNotFound {
			return loc, false, nil
		}
		return loc, false, typederrors.NewTypedError(typederrors.StorageError, "failed to look up commit log offset", err)
	}
	defer closer.Close()

	if err := json.Unmarshal(data, &loc); err != nil {
		return loc, false, typederrors.NewTypedError(typederrors.GeneralError, "failed to unmarshal message location", err)
	}
	return loc, true, nil
}

// maxCommitLogOffset scans the commit-log index for the highest assigned
// offset, used to restore the append counter on open.
func (m *metaIndex) maxCommitLogOffset() (int64, error) {
	iter := m.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(commitLogPrefix),
		UpperBound: []byte(commitLogPrefix + ";"), // ';' sorts after the digits
	})
	defer iter.Close()

	var max int64 = -1
	if iter.Last() && iter.Valid() {
		key := string(iter.Key())
		var off int64
		if _, err := fmt.Sscanf(key, commitLogPrefix+"%d", &off); err == nil {
			max = off
		}
	}
	if err := iter.Error(); err != nil {
		return -1, typederrors.NewTypedError(typederrors.StorageError, "failed to scan commit log index", err)
	}
	return max, nil
}

func (m *metaIndex) close() error {
	var err error
	if m.db != nil {
		err = m.db.Close()
		m.db = nil
	}
	if m.cache != nil {
		m.cache.Unref()
		m.cache = nil
	}
	return err
}
