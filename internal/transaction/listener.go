package transaction

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	typederrors "github.com/tranqmq/tranq/internal/errors"
	"github.com/tranqmq/tranq/internal/discovery"
	"github.com/tranqmq/tranq/internal/logging"
	"github.com/tranqmq/tranq/internal/mqlog"
	"github.com/tranqmq/tranq/internal/protocol"
)

// transactionResolver is the slice of the service the dispatcher needs to
// apply producer answers.
type transactionResolver interface {
	CommitMessage(requestHeader *EndTransactionRequest) *OperationResult
	RollbackMessage(requestHeader *EndTransactionRequest) *OperationResult
	DeletePrepareMessage(msg *mqlog.Message) bool
}

// DispatcherConfig tunes the back-check worker pool and RPC timeouts
type DispatcherConfig struct {
	Workers        int
	QueueSize      int
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// DefaultDispatcherConfig returns default configuration
func DefaultDispatcherConfig() *DispatcherConfig {
	return &DispatcherConfig{
		Workers:        4,
		QueueSize:      1024,
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

// CheckDispatcher is the default CheckListener: it asynchronously asks the
// originating producer group for the outcome of an unresolved transaction
// and applies the answer through the service. The scanner is never blocked;
// a full dispatch queue drops the job and the half is retried next tick.
type CheckDispatcher struct {
	registry discovery.ProducerRegistry
	resolver transactionResolver
	cfg      *DispatcherConfig
	logger   *logging.Logger

	jobs     chan *mqlog.Message
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	discardCount int64
	dropCount    int64
}

// NewCheckDispatcher creates the dispatcher. Bind must be called with the
// service before Start.
func NewCheckDispatcher(registry discovery.ProducerRegistry, cfg *DispatcherConfig) *CheckDispatcher {
	if cfg == nil {
		cfg = DefaultDispatcherConfig()
	}
	return &CheckDispatcher{
		registry: registry,
		cfg:      cfg,
		logger:   logging.GetLogger().WithComponent("check-dispatcher"),
		jobs:     make(chan *mqlog.Message, cfg.QueueSize),
		stopChan: make(chan struct{}),
	}
}

// Bind wires the service the dispatcher reports outcomes to
func (d *CheckDispatcher) Bind(resolver transactionResolver) {
	d.resolver = resolver
}

// Start launches the worker pool
func (d *CheckDispatcher) Start() {
	for w := 0; w < d.cfg.Workers; w++ {
		d.wg.Add(1)
		go d.worker()
	}
}

// Stop drains no further work and waits for in-flight checks
func (d *CheckDispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopChan)
	})
	d.wg.Wait()
}

// ResolveHalfMessage enqueues a back-check without blocking the scanner
func (d *CheckDispatcher) ResolveHalfMessage(msg *mqlog.Message) {
	select {
	case d.jobs <- msg:
	default:
		atomic.AddInt64(&d.dropCount, 1)
		d.logger.Warn("Check dispatch queue full, dropping", "msg_id", msg.MsgID,
			"queue_offset", msg.QueueOffset)
	}
}

// ResolveDiscardMessage records a half permanently abandoned
func (d *CheckDispatcher) ResolveDiscardMessage(msg *mqlog.Message) {
	n := atomic.AddInt64(&d.discardCount, 1)
	d.logger.Info("Half message discarded", "msg_id", msg.MsgID,
		"queue_offset", msg.QueueOffset,
		"check_times", msg.GetProperty(protocol.PropertyTransactionCheckTimes),
		"total_discarded", n)
}

// DiscardedCount reports how many halves have been abandoned since start
func (d *CheckDispatcher) DiscardedCount() int64 {
	return atomic.LoadInt64(&d.discardCount)
}

func (d *CheckDispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case msg := <-d.jobs:
			d.checkProducer(msg)
		case <-d.stopChan:
			return
		}
	}
}

// checkProducer issues the check RPC and applies the producer's answer
func (d *CheckDispatcher) checkProducer(msg *mqlog.Message) {
	group := msg.GetProperty(protocol.PropertyProducerGroup)
	if group == "" {
		d.logger.Error("Half message carries no producer group", "msg_id", msg.MsgID)
		return
	}

	callbackAddr, ok := d.registry.Lookup(group)
	if !ok {
		d.logger.Warn("No callback address for producer group", "group", group, "msg_id", msg.MsgID)
		return
	}

	state, err := d.checkTransactionState(callbackAddr, msg, group)
	if err != nil {
		d.logger.Error("Transaction check failed", "group", group, "addr", callbackAddr,
			"msg_id", msg.MsgID, "error", err)
		return
	}

	switch state {
	case protocol.TransactionStateCommit:
		d.endTransaction(msg, group, true)
	case protocol.TransactionStateRollback:
		d.endTransaction(msg, group, false)
	default:
		// producer does not know yet; the scanner will ask again
		d.logger.Debug("Transaction state still unknown", "group", group, "msg_id", msg.MsgID)
	}
}

func (d *CheckDispatcher) endTransaction(msg *mqlog.Message, group string, commit bool) {
	if d.resolver == nil {
		d.logger.Error("Dispatcher not bound to a resolver")
		return
	}
	request := &EndTransactionRequest{
		CommitLogOffset:      msg.CommitLogOffset,
		MsgID:                msg.MsgID,
		ProducerGroup:        group,
		Commit:               commit,
		FromTransactionCheck: true,
	}
	var result *OperationResult
	if commit {
		result = d.resolver.CommitMessage(request)
	} else {
		result = d.resolver.RollbackMessage(request)
	}
	if result.ResponseCode != protocol.ResponseSuccess {
		d.logger.Error("End transaction failed after check", "msg_id", msg.MsgID,
			"commit", commit, "remark", result.ResponseRemark)
		return
	}
	d.resolver.DeletePrepareMessage(result.PrepareMessage)
}

// checkTransactionState performs the producer-facing check RPC
func (d *CheckDispatcher) checkTransactionState(callbackAddr string, msg *mqlog.Message, group string) (int16, error) {
	conn, err := net.DialTimeout("tcp", callbackAddr, d.cfg.ConnectTimeout)
	if err != nil {
		return protocol.TransactionStateUnknown,
			typederrors.NewTypedError(typederrors.ConnectionError, "failed to connect to producer callback", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(d.cfg.RequestTimeout)
	conn.SetDeadline(deadline)

	request := &TransactionCheckRequest{
		MsgID:           msg.MsgID,
		CommitLogOffset: msg.CommitLogOffset,
		Topic:           msg.GetProperty(protocol.PropertyRealTopic),
		QueueID:         msg.QueueID,
		ProducerGroup:   group,
		UniqKey:         msg.GetProperty(protocol.PropertyUniqKey),
		Body:            msg.Body,
	}

	if err := d.sendCheckRequest(conn, request); err != nil {
		return protocol.TransactionStateUnknown, err
	}

	response, err := d.readCheckResponse(conn)
	if err != nil {
		return protocol.TransactionStateUnknown, err
	}
	if response.ErrorCode != protocol.ErrorNone {
		return protocol.TransactionStateUnknown,
			typederrors.NewTypedError(typederrors.GeneralError, "check rejected: "+response.Error, nil)
	}
	return response.State, nil
}

func (d *CheckDispatcher) sendCheckRequest(conn io.Writer, request *TransactionCheckRequest) error {
	if err := binary.Write(conn, binary.BigEndian, protocol.TransactionCheckRequestType); err != nil {
		return typederrors.NewTypedError(typederrors.ConnectionError, "failed to write request type", err)
	}

	data, err := json.Marshal(request)
	if err != nil {
		return typederrors.NewTypedError(typederrors.GeneralError, "failed to marshal request", err)
	}

	if err := binary.Write(conn, binary.BigEndian, int32(len(data))); err != nil {
		return typederrors.NewTypedError(typederrors.ConnectionError, "failed to write data length", err)
	}
	if _, err := conn.Write(data); err != nil {
		return typederrors.NewTypedError(typederrors.ConnectionError, "failed to write data", err)
	}
	return nil
}

func (d *CheckDispatcher) readCheckResponse(conn io.Reader) (*TransactionCheckResponse, error) {
	var dataLength int32
	if err := binary.Read(conn, binary.BigEndian, &dataLength); err != nil {
		return nil, typederrors.NewTypedError(typederrors.ConnectionError, "failed to read data length", err)
	}

	data := make([]byte, dataLength)
	if _, err := io.ReadFull(conn, data); err != nil {
		return nil, typederrors.NewTypedError(typederrors.ConnectionError, "failed to read data", err)
	}

	var response TransactionCheckResponse
	if err := json.Unmarshal(data, &response); err != nil {
		return nil, typederrors.NewTypedError(typederrors.GeneralError, "failed to unmarshal response", err)
	}
	return &response, nil
}
