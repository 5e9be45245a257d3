package mqlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/tranqmq/tranq/internal/compression"
	typederrors "github.com/tranqmq/tranq/internal/errors"
	"github.com/tranqmq/tranq/internal/logging"
)

// PullStatus mirrors the consumer-facing pull result states
type PullStatus int8

const (
	PullFound PullStatus = iota
	PullNoNewMsg
	PullNoMatchedMsg
	PullOffsetIllegal
)

func (s PullStatus) String() string {
	switch s {
	case PullFound:
		return "FOUND"
	case PullNoNewMsg:
		return "NO_NEW_MSG"
	case PullNoMatchedMsg:
		return "NO_MATCHED_MSG"
	case PullOffsetIllegal:
		return "OFFSET_ILLEGAL"
	default:
		return "INVALID"
	}
}

// PullResult carries the outcome of a pull-by-offset. NextBeginOffset is
// where the caller should continue when the requested offset was rejected.
type PullResult struct {
	Status          PullStatus
	NextBeginOffset int64
	MinOffset       int64
	MaxOffset       int64
	Messages        []*Message
}

func (r *PullResult) String() string {
	return fmt.Sprintf("PullResult{status=%s, next=%d, min=%d, max=%d, msgs=%d}",
		r.Status, r.NextBeginOffset, r.MinOffset, r.MaxOffset, len(r.Messages))
}

// AppendResult reports where a message landed
type AppendResult struct {
	QueueOffset     int64
	CommitLogOffset int64
	MsgID           string
}

// Config contains store-level configuration
type Config struct {
	DataDir              string
	FileReservedHours    int64
	CompressionType      compression.Type
	CompressionThreshold int
}

// DefaultConfig returns the default store configuration
func DefaultConfig(dataDir string) *Config {
	return &Config{
		DataDir:              dataDir,
		FileReservedHours:    72,
		CompressionType:      compression.Snappy,
		CompressionThreshold: 1024,
	}
}

// Store is the log-structured message store: one append-only queue log per
// (topic, queue id), plus a PebbleDB side index for consume offsets and
// commit-log-offset lookup.
type Store struct {
	cfg    *Config
	logger *logging.Logger

	mu     sync.RWMutex
	queues map[string]map[int32]*queueLog

	meta *metaIndex

	nextCommitLogOffset int64
	closed              bool
}

// Open opens or creates a store rooted at cfg.DataDir
func Open(cfg *Config) (*Store, error) {
	if cfg.DataDir == "" {
		return nil, typederrors.NewTypedError(typederrors.StorageError, "data dir cannot be empty", nil)
	}

	meta, err := openMetaIndex(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	st := &Store{
		cfg:    cfg,
		logger: logging.GetLogger().WithComponent("mqlog"),
		queues: make(map[string]map[int32]*queueLog),
		meta:   meta,
	}

	if err := st.loadQueues(); err != nil {
		meta.close()
		return nil, err
	}

	maxCLO, err := meta.maxCommitLogOffset()
	if err != nil {
		meta.close()
		return nil, err
	}
	st.nextCommitLogOffset = maxCLO + 1

	st.logger.Info("Store opened", "data_dir", cfg.DataDir, "topics", len(st.queues), "next_commit_log_offset", st.nextCommitLogOffset)
	return st, nil
}

// loadQueues reopens every queue log found under dataDir/queues
func (st *Store) loadQueues() error {
	root := filepath.Join(st.cfg.DataDir, "queues")
	topics, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return typederrors.NewTypedError(typederrors.StorageError, "failed to list queue root", err)
	}

	for _, topicDir := range topics {
		if !topicDir.IsDir() {
			continue
		}
		topic := topicDir.Name()
		queueDirs, err := os.ReadDir(filepath.Join(root, topic))
		if err != nil {
			return typederrors.NewTypedError(typederrors.StorageError, "failed to list topic dir", err)
		}
		for _, qd := range queueDirs {
			if !qd.IsDir() {
				continue
			}
			qid, err := strconv.ParseInt(qd.Name(), 10, 32)
			if err != nil {
				st.logger.Warn("Skipping unrecognized queue dir", "topic", topic, "dir", qd.Name())
				continue
			}
			ql, err := openQueueLog(filepath.Join(root, topic, qd.Name()))
			if err != nil {
				return err
			}
			if st.queues[topic] == nil {
				st.queues[topic] = make(map[int32]*queueLog)
			}
			st.queues[topic][int32(qid)] = ql
		}
	}
	return nil
}

// queue returns the log for (topic, queueID), creating it when create is set
func (st *Store) queue(topic string, queueID int32, create bool) (*queueLog, error) {
	st.mu.RLock()
	if ql := st.queues[topic][queueID]; ql != nil {
		st.mu.RUnlock()
		return ql, nil
	}
	st.mu.RUnlock()

	if !create {
		return nil, nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if ql := st.queues[topic][queueID]; ql != nil {
		return ql, nil
	}

	dir := filepath.Join(st.cfg.DataDir, "queues", topic, strconv.Itoa(int(queueID)))
	ql, err := openQueueLog(dir)
	if err != nil {
		return nil, err
	}
	if st.queues[topic] == nil {
		st.queues[topic] = make(map[int32]*queueLog)
	}
	st.queues[topic][queueID] = ql
	return ql, nil
}

// EnsureQueue creates the queue log if it does not exist yet
func (st *Store) EnsureQueue(topic string, queueID int32) error {
	_, err := st.queue(topic, queueID, true)
	return err
}

// Queues lists the known queues of a topic in queue-id order
func (st *Store) Queues(topic string) []MessageQueue {
	st.mu.RLock()
	defer st.mu.RUnlock()

	var out []MessageQueue
	for qid := range st.queues[topic] {
		out = append(out, MessageQueue{Topic: topic, QueueID: qid})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueueID < out[j].QueueID })
	return out
}

// Append stamps store metadata onto msg (msg id, store timestamp, queue and
// commit-log offsets) and persists it at the tail of its queue.
func (st *Store) Append(msg *Message) (*AppendResult, error) {
	st.mu.RLock()
	closed := st.closed
	st.mu.RUnlock()
	if closed {
		return nil, typederrors.NewTypedError(typederrors.StorageError, "store is closed", nil)
	}

	ql, err := st.queue(msg.Topic, msg.QueueID, true)
	if err != nil {
		return nil, err
	}

	if msg.MsgID == "" {
		msg.MsgID = uuid.NewString()
	}
	if msg.BornTimestamp == 0 {
		msg.BornTimestamp = nowMillis()
	}
	msg.StoreTimestamp = nowMillis()
	msg.CommitLogOffset = atomic.AddInt64(&st.nextCommitLogOffset, 1) - 1

	offset, err := ql.append(func(queueOffset int64) ([]byte, error) {
		msg.QueueOffset = queueOffset
		data, err := json.Marshal(msg)
		if err != nil {
			return nil, typederrors.NewTypedError(typederrors.GeneralError, "failed to marshal message", err)
		}
		ctype := st.cfg.CompressionType
		if len(data) < st.cfg.CompressionThreshold {
			ctype = compression.None
		}
		return compression.EncodeFrame(data, ctype)
	})
	if err != nil {
		return nil, err
	}

	if err := st.meta.indexCommitLog(msg.CommitLogOffset, msgLocation{
		Topic:       msg.Topic,
		QueueID:     msg.QueueID,
		QueueOffset: offset,
	}); err != nil {
		return nil, err
	}

	return &AppendResult{
		QueueOffset:     offset,
		CommitLogOffset: msg.CommitLogOffset,
		MsgID:           msg.MsgID,
	}, nil
}

// readMessage decodes the message at a logical offset
func (st *Store) readMessage(ql *queueLog, offset int64) (*Message, error) {
	frame, err := ql.read(offset)
	if err != nil {
		return nil, err
	}
	data, err := compression.DecodeFrame(frame)
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, typederrors.NewTypedError(typederrors.GeneralError, "failed to unmarshal message", err)
	}
	return &msg, nil
}

// Pull reads up to maxNums messages starting at offset. It never fails on
// out-of-range offsets; the status and NextBeginOffset tell the caller how
// to continue. Hard storage errors are returned as errors.
func (st *Store) Pull(q MessageQueue, offset int64, maxNums int) (*PullResult, error) {
	ql, err := st.queue(q.Topic, q.QueueID, false)
	if err != nil {
		return nil, err
	}
	if ql == nil {
		return &PullResult{Status: PullNoMatchedMsg, NextBeginOffset: 0, MinOffset: 0, MaxOffset: 0}, nil
	}

	min := ql.minOffset()
	max := ql.nextOffset()

	if offset < min {
		return &PullResult{Status: PullOffsetIllegal, NextBeginOffset: min, MinOffset: min, MaxOffset: max}, nil
	}
	if offset >= max {
		return &PullResult{Status: PullNoNewMsg, NextBeginOffset: max, MinOffset: min, MaxOffset: max}, nil
	}

	var msgs []*Message
	for i := offset; i < max && len(msgs) < maxNums; i++ {
		msg, err := st.readMessage(ql, i)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}

	return &PullResult{
		Status:          PullFound,
		NextBeginOffset: offset + int64(len(msgs)),
		MinOffset:       min,
		MaxOffset:       max,
		Messages:        msgs,
	}, nil
}

// LookMessageByOffset resolves a message by its commit-log offset
func (st *Store) LookMessageByOffset(commitLogOffset int64) (*Message, error) {
	loc, found, err := st.meta.lookupCommitLog(commitLogOffset)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	ql, err := st.queue(loc.Topic, loc.QueueID, false)
	if err != nil {
		return nil, err
	}
	if ql == nil {
		return nil, nil
	}
	return st.readMessage(ql, loc.QueueOffset)
}

// ReadConsumeOffset returns the durable consume offset of a queue. A queue
// that has never been committed reads as its min offset.
func (st *Store) ReadConsumeOffset(q MessageQueue) (int64, error) {
	offset, found, err := st.meta.readConsumeOffset(q)
	if err != nil {
		return -1, err
	}
	if !found {
		ql, err := st.queue(q.Topic, q.QueueID, false)
		if err != nil {
			return -1, err
		}
		if ql == nil {
			return 0, nil
		}
		return ql.minOffset(), nil
	}
	return offset, nil
}

// WriteConsumeOffset persists the consume offset of a queue
func (st *Store) WriteConsumeOffset(q MessageQueue, offset int64) error {
	return st.meta.writeConsumeOffset(q, offset)
}

// MaxOffset is the offset the next append to q will occupy
func (st *Store) MaxOffset(q MessageQueue) int64 {
	ql, err := st.queue(q.Topic, q.QueueID, false)
	if err != nil || ql == nil {
		return 0
	}
	return ql.nextOffset()
}

// FileReservedHours exposes the retention window used by the skip screen
func (st *Store) FileReservedHours() int64 {
	return st.cfg.FileReservedHours
}

// Close releases all queue logs and the meta index
func (st *Store) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil
	}
	st.closed = true

	var firstErr error
	for _, byQid := range st.queues {
		for _, ql := range byQid {
			if err := ql.close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	if err := st.meta.close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
