package transaction

import (
	"strconv"

	"github.com/tranqmq/tranq/internal/logging"
	"github.com/tranqmq/tranq/internal/mqlog"
	"github.com/tranqmq/tranq/internal/protocol"
)

// Bridge adapts the log store for the check engine: routing prepared
// messages into the half topic, writing op tombstones, renewing halves for
// re-append, and reading/advancing the two consume offsets.
type Bridge struct {
	store        *mqlog.Store
	halfQueueNum int32
	logger       *logging.Logger
}

// NewBridge creates a bridge over the given store
func NewBridge(store *mqlog.Store, halfQueueNum int32, logger *logging.Logger) *Bridge {
	if halfQueueNum <= 0 {
		halfQueueNum = 1
	}
	return &Bridge{
		store:        store,
		halfQueueNum: halfQueueNum,
		logger:       logger.WithComponent("tx-bridge"),
	}
}

// FetchHalfQueues lists the half topic's queues
func (b *Bridge) FetchHalfQueues() []mqlog.MessageQueue {
	return b.store.Queues(protocol.TransHalfTopic)
}

// FetchConsumeOffset reads the durable consume offset of a queue, -1 on error
func (b *Bridge) FetchConsumeOffset(q mqlog.MessageQueue) int64 {
	offset, err := b.store.ReadConsumeOffset(q)
	if err != nil {
		b.logger.Error("Failed to read consume offset", "queue", q.String(), "error", err)
		return -1
	}
	return offset
}

// UpdateConsumeOffset persists the consume offset of a queue
func (b *Bridge) UpdateConsumeOffset(q mqlog.MessageQueue, offset int64) {
	if err := b.store.WriteConsumeOffset(q, offset); err != nil {
		b.logger.Error("Failed to write consume offset", "queue", q.String(), "offset", offset, "error", err)
	}
}

// PutHalfMessage stores a prepared message into the half topic. The real
// destination is stashed in user properties so commit can restore it.
func (b *Bridge) PutHalfMessage(msg *mqlog.Message) (*mqlog.AppendResult, error) {
	inner := msg.Clone()
	inner.PutProperty(protocol.PropertyRealTopic, msg.Topic)
	inner.PutProperty(protocol.PropertyRealQueueID, strconv.Itoa(int(msg.QueueID)))
	inner.Topic = protocol.TransHalfTopic
	inner.QueueID = msg.QueueID % b.halfQueueNum
	inner.QueueOffset = 0
	inner.CommitLogOffset = 0
	inner.StoreTimestamp = 0

	result, err := b.store.Append(inner)
	if err != nil {
		return nil, err
	}
	// callers observe the assigned identity on the original message
	msg.MsgID = result.MsgID
	return result, nil
}

// PutOpMessage writes a tombstone naming the half's queue offset. The op
// queue id mirrors the half queue id.
func (b *Bridge) PutOpMessage(halfMsg *mqlog.Message, tag string) bool {
	opMsg := &mqlog.Message{
		Topic:         protocol.TransOpHalfTopic,
		QueueID:       halfMsg.QueueID,
		Tags:          tag,
		Body:          []byte(strconv.FormatInt(halfMsg.QueueOffset, 10)),
		BornTimestamp: nowMillis(),
	}
	if _, err := b.store.Append(opMsg); err != nil {
		b.logger.Error("Failed to write op message", "half_offset", halfMsg.QueueOffset,
			"queue_id", halfMsg.QueueID, "error", err)
		return false
	}
	return true
}

// GetHalfMessage pulls from the half topic at the given queue offset
func (b *Bridge) GetHalfMessage(queueID int32, offset int64, nums int) *mqlog.PullResult {
	q := mqlog.MessageQueue{Topic: protocol.TransHalfTopic, QueueID: queueID}
	result, err := b.store.Pull(q, offset, nums)
	if err != nil {
		b.logger.Error("Failed to pull half message", "queue", q.String(), "offset", offset, "error", err)
		return nil
	}
	return result
}

// GetOpMessage pulls from the op topic at the given queue offset
func (b *Bridge) GetOpMessage(queueID int32, offset int64, nums int) *mqlog.PullResult {
	q := mqlog.MessageQueue{Topic: protocol.TransOpHalfTopic, QueueID: queueID}
	result, err := b.store.Pull(q, offset, nums)
	if err != nil {
		b.logger.Error("Failed to pull op message", "queue", q.String(), "offset", offset, "error", err)
		return nil
	}
	return result
}

// LookMessageByOffset resolves a half message by commit-log offset
func (b *Bridge) LookMessageByOffset(commitLogOffset int64) *mqlog.Message {
	msg, err := b.store.LookMessageByOffset(commitLogOffset)
	if err != nil {
		b.logger.Error("Failed to look up message", "commit_log_offset", commitLogOffset, "error", err)
		return nil
	}
	return msg
}

// RenewHalfMessage copies a half for re-append: fresh msg id, cleared store
// identity, everything else (properties included) carried over.
func (b *Bridge) RenewHalfMessage(msg *mqlog.Message) *mqlog.Message {
	inner := msg.Clone()
	inner.MsgID = ""
	inner.QueueOffset = 0
	inner.CommitLogOffset = 0
	inner.StoreTimestamp = 0
	return inner
}

// RenewImmunityHalfMessage is RenewHalfMessage plus a PreparedQueueOffset
// stamp pointing at the copy being replaced. Each immunity re-append moves
// the chain forward one hop.
func (b *Bridge) RenewImmunityHalfMessage(msg *mqlog.Message) *mqlog.Message {
	inner := b.RenewHalfMessage(msg)
	inner.PutProperty(protocol.PropertyTransactionPreparedQueueOffset,
		strconv.FormatInt(msg.QueueOffset, 10))
	return inner
}

// PutBackHalfMessage re-appends an already-renewed half message
func (b *Bridge) PutBackHalfMessage(inner *mqlog.Message) (*mqlog.AppendResult, error) {
	return b.store.Append(inner)
}

// FileReservedHours exposes the store's retention window
func (b *Bridge) FileReservedHours() int64 {
	return b.store.FileReservedHours()
}
