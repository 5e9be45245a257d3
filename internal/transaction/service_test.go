package transaction

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/tranqmq/tranq/internal/logging"
	"github.com/tranqmq/tranq/internal/mqlog"
	"github.com/tranqmq/tranq/internal/protocol"
)

// recordingListener captures scanner decisions for assertions
type recordingListener struct {
	mu       sync.Mutex
	halves   []*mqlog.Message
	discards []*mqlog.Message
}

func (l *recordingListener) ResolveHalfMessage(msg *mqlog.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.halves = append(l.halves, msg)
}

func (l *recordingListener) ResolveDiscardMessage(msg *mqlog.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.discards = append(l.discards, msg)
}

func (l *recordingListener) halfCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.halves)
}

func (l *recordingListener) discardCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.discards)
}

func newTestService(t *testing.T) (*Service, *Bridge, *mqlog.Store) {
	t.Helper()

	store, err := mqlog.Open(mqlog.DefaultConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bridge := NewBridge(store, 1, logging.GetLogger())
	svc, err := NewService(bridge, DefaultCheckConfig())
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}
	return svc, bridge, store
}

// appendHalf stores a half message directly, bypassing the bridge's
// re-routing, so tests control born timestamps and properties precisely.
func appendHalf(t *testing.T, store *mqlog.Store, bornTimestamp int64, properties map[string]string) *mqlog.Message {
	t.Helper()

	msg := &mqlog.Message{
		Topic:         protocol.TransHalfTopic,
		QueueID:       0,
		Body:          []byte("half-payload"),
		BornTimestamp: bornTimestamp,
		Properties:    properties,
	}
	if _, err := store.Append(msg); err != nil {
		t.Fatalf("Failed to append half message: %v", err)
	}
	return msg
}

func halfQueue() mqlog.MessageQueue {
	return mqlog.MessageQueue{Topic: protocol.TransHalfTopic, QueueID: 0}
}

func opQueue() mqlog.MessageQueue {
	return mqlog.MessageQueue{Topic: protocol.TransOpHalfTopic, QueueID: 0}
}

func consumeOffset(t *testing.T, store *mqlog.Store, q mqlog.MessageQueue) int64 {
	t.Helper()
	offset, err := store.ReadConsumeOffset(q)
	if err != nil {
		t.Fatalf("Failed to read consume offset of %s: %v", q, err)
	}
	return offset
}

// Committed before immunity: a half with a matching op record is consumed
// without any back-check, and both offsets advance.
func TestCheck_CommittedHalfIsConsumed(t *testing.T) {
	svc, bridge, store := newTestService(t)
	listener := &recordingListener{}

	half := appendHalf(t, store, time.Now().Add(-10*time.Second).UnixMilli(), nil)
	if !bridge.PutOpMessage(half, protocol.RemoveTag) {
		t.Fatalf("Failed to write op message")
	}

	svc.Check(6*time.Second, 3, listener)

	if listener.halfCount() != 0 {
		t.Fatalf("Expected no back-checks, got %d", listener.halfCount())
	}
	if listener.discardCount() != 0 {
		t.Fatalf("Expected no discards, got %d", listener.discardCount())
	}
	if off := consumeOffset(t, store, halfQueue()); off != 1 {
		t.Fatalf("Expected half consume offset 1, got %d", off)
	}
	if off := consumeOffset(t, store, opQueue()); off != 1 {
		t.Fatalf("Expected op consume offset 1, got %d", off)
	}
}

// Timed out, single check: an undecided half past its immunity is
// re-appended with an incremented check count and dispatched exactly once.
func TestCheck_TimedOutHalfTriggersBackCheck(t *testing.T) {
	svc, _, store := newTestService(t)
	listener := &recordingListener{}

	appendHalf(t, store, time.Now().Add(-10*time.Second).UnixMilli(), nil)

	// keep the append strictly before the scan start time
	time.Sleep(10 * time.Millisecond)

	svc.Check(6*time.Second, 3, listener)

	if listener.halfCount() != 1 {
		t.Fatalf("Expected 1 back-check, got %d", listener.halfCount())
	}
	dispatched := listener.halves[0]
	if dispatched.QueueOffset != 1 {
		t.Fatalf("Expected dispatched half re-appended at offset 1, got %d", dispatched.QueueOffset)
	}
	if off := consumeOffset(t, store, halfQueue()); off < 1 {
		t.Fatalf("Expected half consume offset >= 1, got %d", off)
	}

	// the re-appended copy persists the incremented check count
	pullResult, err := store.Pull(halfQueue(), 1, 1)
	if err != nil || len(pullResult.Messages) != 1 {
		t.Fatalf("Failed to pull re-appended half: %v (%v)", err, pullResult)
	}
	renewed := pullResult.Messages[0]
	if got := renewed.GetProperty(protocol.PropertyTransactionCheckTimes); got != "1" {
		t.Fatalf("Expected check times 1 on renewed half, got %q", got)
	}
	if renewed.MsgID == "" || renewed.MsgID != dispatched.MsgID {
		t.Fatalf("Expected listener to observe the renewed msg id, got %q vs %q", dispatched.MsgID, renewed.MsgID)
	}
}

// Exhausted checks: a half at the max check count is discarded, not checked.
func TestCheck_ExhaustedHalfIsDiscarded(t *testing.T) {
	svc, _, store := newTestService(t)
	listener := &recordingListener{}

	appendHalf(t, store, time.Now().Add(-10*time.Second).UnixMilli(), map[string]string{
		protocol.PropertyTransactionCheckTimes: "3",
	})

	// keep the append strictly before the scan start time
	time.Sleep(10 * time.Millisecond)

	svc.Check(6*time.Second, 3, listener)

	if listener.discardCount() != 1 {
		t.Fatalf("Expected 1 discard, got %d", listener.discardCount())
	}
	if listener.halfCount() != 0 {
		t.Fatalf("Expected no back-checks, got %d", listener.halfCount())
	}
	if off := consumeOffset(t, store, halfQueue()); off != 1 {
		t.Fatalf("Expected half consume offset 1, got %d", off)
	}
}

// Expired by retention: a half older than the file reservation window is
// skipped with a discard notification.
func TestCheck_ExpiredHalfIsSkipped(t *testing.T) {
	svc, _, store := newTestService(t)
	listener := &recordingListener{}

	appendHalf(t, store, time.Now().Add(-73*time.Hour).UnixMilli(), nil)

	// keep the append strictly before the scan start time
	time.Sleep(10 * time.Millisecond)

	svc.Check(6*time.Second, 5, listener)

	if listener.discardCount() != 1 {
		t.Fatalf("Expected 1 discard, got %d", listener.discardCount())
	}
	if listener.halfCount() != 0 {
		t.Fatalf("Expected no back-checks, got %d", listener.halfCount())
	}
	if off := consumeOffset(t, store, halfQueue()); off != 1 {
		t.Fatalf("Expected half consume offset 1, got %d", off)
	}
}

// Immunity property honored: a half inside its declared immunity window is
// re-appended with the prepared queue offset stamped, and never dispatched.
func TestCheck_ImmunityHalfReappendedWithStamp(t *testing.T) {
	svc, _, store := newTestService(t)
	listener := &recordingListener{}

	appendHalf(t, store, time.Now().Add(-10*time.Second).UnixMilli(), map[string]string{
		protocol.PropertyCheckImmunityTimeInSeconds: "30",
	})

	// keep the append strictly before the scan start time
	time.Sleep(10 * time.Millisecond)

	svc.Check(6*time.Second, 5, listener)

	if listener.halfCount() != 0 {
		t.Fatalf("Expected no back-checks during immunity, got %d", listener.halfCount())
	}
	if off := consumeOffset(t, store, halfQueue()); off != 1 {
		t.Fatalf("Expected half consume offset 1, got %d", off)
	}

	pullResult, err := store.Pull(halfQueue(), 1, 1)
	if err != nil || len(pullResult.Messages) != 1 {
		t.Fatalf("Failed to pull immunity copy: %v (%v)", err, pullResult)
	}
	if got := pullResult.Messages[0].GetProperty(protocol.PropertyTransactionPreparedQueueOffset); got != "0" {
		t.Fatalf("Expected prepared queue offset stamp 0, got %q", got)
	}
}

// Fresh store guard: a half written during the tick is deferred untouched.
func TestScanner_FreshStoredHalfDefers(t *testing.T) {
	_, bridge, store := newTestService(t)
	listener := &recordingListener{}

	appendHalf(t, store, time.Now().UnixMilli(), nil)

	scanner := &halfScanner{
		bridge:              bridge,
		queue:               halfQueue(),
		opQueue:             opQueue(),
		listener:            listener,
		logger:              logging.GetLogger(),
		transactionTimeout:  6 * time.Second,
		transactionCheckMax: 5,
		// the scan started before the half was stored
		startTime: time.Now().Add(-time.Second).UnixMilli(),
	}
	if err := scanner.run(0, 0); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	if listener.halfCount() != 0 || listener.discardCount() != 0 {
		t.Fatalf("Expected no listener calls for fresh half, got halves=%d discards=%d",
			listener.halfCount(), listener.discardCount())
	}
	if off := consumeOffset(t, store, halfQueue()); off != 0 {
		t.Fatalf("Expected half consume offset unchanged at 0, got %d", off)
	}
	if max := store.MaxOffset(halfQueue()); max != 1 {
		t.Fatalf("Expected no re-append of fresh half, max offset %d", max)
	}
}

// A half younger than the transaction timeout, with no immunity property,
// defers the whole queue.
func TestCheck_YoungHalfDefers(t *testing.T) {
	svc, _, store := newTestService(t)
	listener := &recordingListener{}

	appendHalf(t, store, time.Now().Add(-2*time.Second).UnixMilli(), nil)

	// born two seconds ago, timeout six: still inside the implicit window.
	// The fresh-store guard does not apply because the scan starts after
	// the append.
	time.Sleep(10 * time.Millisecond)
	svc.Check(6*time.Second, 5, listener)

	if listener.halfCount() != 0 || listener.discardCount() != 0 {
		t.Fatalf("Expected no listener calls, got halves=%d discards=%d",
			listener.halfCount(), listener.discardCount())
	}
	if off := consumeOffset(t, store, halfQueue()); off != 0 {
		t.Fatalf("Expected half consume offset unchanged at 0, got %d", off)
	}
}

// Duplicate op records for one half converge to the same final state and
// never produce extra listener calls.
func TestCheck_DuplicateOpRecordsAreIdempotent(t *testing.T) {
	svc, bridge, store := newTestService(t)
	listener := &recordingListener{}

	half := appendHalf(t, store, time.Now().Add(-10*time.Second).UnixMilli(), nil)
	if !bridge.PutOpMessage(half, protocol.RemoveTag) {
		t.Fatalf("Failed to write op message")
	}
	if !bridge.PutOpMessage(half, protocol.RemoveTag) {
		t.Fatalf("Failed to write duplicate op message")
	}

	svc.Check(6*time.Second, 5, listener)
	svc.Check(6*time.Second, 5, listener)

	if listener.halfCount() != 0 {
		t.Fatalf("Expected no back-checks, got %d", listener.halfCount())
	}
	if off := consumeOffset(t, store, halfQueue()); off != 1 {
		t.Fatalf("Expected half consume offset 1, got %d", off)
	}
	if off := consumeOffset(t, store, opQueue()); off != 2 {
		t.Fatalf("Expected op consume offset past both records, got %d", off)
	}
}

// Negative stored offsets make the engine skip a queue rather than scan it
func TestCheckQueue_NegativeOffsetSkips(t *testing.T) {
	svc, _, store := newTestService(t)
	listener := &recordingListener{}

	half := appendHalf(t, store, time.Now().Add(-10*time.Second).UnixMilli(), nil)
	if err := store.WriteConsumeOffset(halfQueue(), -1); err != nil {
		t.Fatalf("Failed to poison consume offset: %v", err)
	}

	svc.Check(6*time.Second, 5, listener)

	if listener.halfCount() != 0 || listener.discardCount() != 0 {
		t.Fatalf("Expected queue skipped, got halves=%d discards=%d",
			listener.halfCount(), listener.discardCount())
	}
	_ = half
}

func TestCommitAndRollbackMessage(t *testing.T) {
	svc, _, store := newTestService(t)

	half := appendHalf(t, store, time.Now().UnixMilli(), nil)

	result := svc.CommitMessage(&EndTransactionRequest{CommitLogOffset: half.CommitLogOffset, Commit: true})
	if result.ResponseCode != protocol.ResponseSuccess {
		t.Fatalf("Expected commit lookup success, got %d (%s)", result.ResponseCode, result.ResponseRemark)
	}
	if result.PrepareMessage == nil || result.PrepareMessage.QueueOffset != half.QueueOffset {
		t.Fatalf("Commit resolved the wrong prepared message: %+v", result.PrepareMessage)
	}

	result = svc.RollbackMessage(&EndTransactionRequest{CommitLogOffset: half.CommitLogOffset})
	if result.ResponseCode != protocol.ResponseSuccess {
		t.Fatalf("Expected rollback lookup success, got %d", result.ResponseCode)
	}

	result = svc.CommitMessage(&EndTransactionRequest{CommitLogOffset: 9999})
	if result.ResponseCode != protocol.ResponseSystemError {
		t.Fatalf("Expected system error for unknown offset, got %d", result.ResponseCode)
	}
}

func TestDeletePrepareMessage(t *testing.T) {
	svc, _, store := newTestService(t)

	half := appendHalf(t, store, time.Now().UnixMilli(), nil)
	if !svc.DeletePrepareMessage(half) {
		t.Fatalf("DeletePrepareMessage failed")
	}

	pullResult, err := store.Pull(opQueue(), 0, 10)
	if err != nil || len(pullResult.Messages) != 1 {
		t.Fatalf("Expected one op record, got %v (%v)", pullResult, err)
	}
	opMsg := pullResult.Messages[0]
	if opMsg.Tags != protocol.RemoveTag {
		t.Fatalf("Expected tag %q, got %q", protocol.RemoveTag, opMsg.Tags)
	}
	if string(opMsg.Body) != strconv.FormatInt(half.QueueOffset, 10) {
		t.Fatalf("Expected op body %d, got %s", half.QueueOffset, opMsg.Body)
	}
}

func TestPrepareMessage_RoutesIntoHalfTopic(t *testing.T) {
	svc, _, store := newTestService(t)

	msg := &mqlog.Message{
		Topic:   "orders",
		QueueID: 7,
		Body:    []byte("order-created"),
	}
	result, err := svc.PrepareMessage(msg)
	if err != nil {
		t.Fatalf("PrepareMessage failed: %v", err)
	}
	if result.MsgID == "" {
		t.Fatalf("Expected assigned msg id")
	}

	pullResult, err := store.Pull(halfQueue(), result.QueueOffset, 1)
	if err != nil || len(pullResult.Messages) != 1 {
		t.Fatalf("Failed to pull prepared half: %v (%v)", err, pullResult)
	}
	stored := pullResult.Messages[0]
	if stored.Topic != protocol.TransHalfTopic {
		t.Fatalf("Expected half topic, got %s", stored.Topic)
	}
	if stored.GetProperty(protocol.PropertyRealTopic) != "orders" {
		t.Fatalf("Expected real topic stashed, got %q", stored.GetProperty(protocol.PropertyRealTopic))
	}
	if stored.GetProperty(protocol.PropertyRealQueueID) != "7" {
		t.Fatalf("Expected real queue id stashed, got %q", stored.GetProperty(protocol.PropertyRealQueueID))
	}
}
