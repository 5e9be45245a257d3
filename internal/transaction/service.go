package transaction

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tranqmq/tranq/internal/logging"
	"github.com/tranqmq/tranq/internal/mqlog"
	"github.com/tranqmq/tranq/internal/protocol"
)

// Service is the transactional message core: it accepts prepared messages,
// resolves commit/rollback requests, and periodically reconciles the half
// queue against the op queue, back-checking producers for undecided halves.
//
// All decision state is rebuilt from the two durable logs on every tick;
// the only state carried across ticks is the half->op queue memoization.
type Service struct {
	bridge *Bridge
	cfg    *CheckConfig
	logger *logging.Logger

	// opQueueMap memoizes half queue -> op queue. Entries are pure derived
	// values and are never invalidated.
	opQueueMap sync.Map

	running  int32
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewService creates the check engine over a bridge
func NewService(bridge *Bridge, cfg *CheckConfig) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid check config: %v", err)
	}
	return &Service{
		bridge:   bridge,
		cfg:      cfg,
		logger:   logging.GetLogger().WithComponent("transaction"),
		stopChan: make(chan struct{}),
	}, nil
}

// PrepareMessage stores a prepared message into the half topic
func (s *Service) PrepareMessage(msg *mqlog.Message) (*mqlog.AppendResult, error) {
	return s.bridge.PutHalfMessage(msg)
}

// Check walks every half queue once. Each queue gets a bounded slice of
// wall clock; a broken queue is logged and the rest proceed.
func (s *Service) Check(transactionTimeout time.Duration, transactionCheckMax int, listener CheckListener) {
	msgQueues := s.bridge.FetchHalfQueues()
	if len(msgQueues) == 0 {
		s.logger.Warn("The queue of topic is empty", "topic", protocol.TransHalfTopic)
		return
	}
	s.logger.Info("Check started", "topic", protocol.TransHalfTopic, "queues", len(msgQueues))

	for _, messageQueue := range msgQueues {
		if err := s.checkQueue(messageQueue, transactionTimeout, transactionCheckMax, listener); err != nil {
			s.logger.Error("Check error", "queue", messageQueue.String(), "error", err)
		}
	}
}

func (s *Service) checkQueue(messageQueue mqlog.MessageQueue, transactionTimeout time.Duration,
	transactionCheckMax int, listener CheckListener) error {
	startTime := nowMillis()
	opQueue := s.getOpQueue(messageQueue)
	halfOffset := s.bridge.FetchConsumeOffset(messageQueue)
	opOffset := s.bridge.FetchConsumeOffset(opQueue)
	s.logger.Info("Before check", "queue", messageQueue.String(), "half_offset", halfOffset, "op_offset", opOffset)
	if halfOffset < 0 || opOffset < 0 {
		s.logger.Error("Illegal offset read, skipping queue", "queue", messageQueue.String(),
			"half_offset", halfOffset, "op_offset", opOffset)
		return nil
	}

	scanner := &halfScanner{
		bridge:              s.bridge,
		queue:               messageQueue,
		opQueue:             opQueue,
		listener:            listener,
		logger:              s.logger.WithQueue(messageQueue.Topic, messageQueue.QueueID),
		transactionTimeout:  transactionTimeout,
		transactionCheckMax: transactionCheckMax,
		startTime:           startTime,
	}
	return scanner.run(halfOffset, opOffset)
}

// getOpQueue returns the op queue paired with a half queue, memoized for
// the process lifetime.
func (s *Service) getOpQueue(messageQueue mqlog.MessageQueue) mqlog.MessageQueue {
	if cached, ok := s.opQueueMap.Load(messageQueue); ok {
		return cached.(mqlog.MessageQueue)
	}
	opQueue := mqlog.MessageQueue{
		Topic:   protocol.TransOpHalfTopic,
		QueueID: messageQueue.QueueID,
	}
	s.opQueueMap.Store(messageQueue, opQueue)
	return opQueue
}

// getHalfMessageByOffset resolves a commit-log offset to the prepared message
func (s *Service) getHalfMessageByOffset(commitLogOffset int64) *OperationResult {
	response := &OperationResult{}
	msg := s.bridge.LookMessageByOffset(commitLogOffset)
	if msg != nil {
		response.PrepareMessage = msg
		response.ResponseCode = protocol.ResponseSuccess
	} else {
		response.ResponseCode = protocol.ResponseSystemError
		response.ResponseRemark = "Find prepared transaction message failed"
	}
	return response
}

// CommitMessage resolves the prepared message a commit request names
func (s *Service) CommitMessage(requestHeader *EndTransactionRequest) *OperationResult {
	return s.getHalfMessageByOffset(requestHeader.CommitLogOffset)
}

// RollbackMessage resolves the prepared message a rollback request names
func (s *Service) RollbackMessage(requestHeader *EndTransactionRequest) *OperationResult {
	return s.getHalfMessageByOffset(requestHeader.CommitLogOffset)
}

// DeletePrepareMessage writes the op tombstone that marks a half resolved.
// Duplicate tombstones for the same half are harmless.
func (s *Service) DeletePrepareMessage(msg *mqlog.Message) bool {
	if s.bridge.PutOpMessage(msg, protocol.RemoveTag) {
		s.logger.Info("Transaction op message written", "msg_id", msg.MsgID,
			"queue_id", msg.QueueID, "half_offset", msg.QueueOffset)
		return true
	}
	s.logger.Error("Transaction op message write failed", "msg_id", msg.MsgID, "queue_id", msg.QueueID)
	return false
}

// Start launches the periodic check loop. Scans run one at a time on the
// loop goroutine, so they never overlap; ticks that fire during a scan are
// coalesced by the ticker into at most one scan that starts when the running
// one ends.
func (s *Service) Start(listener CheckListener) {
	s.wg.Add(1)
	go s.checkLoop(listener)
	s.logger.Info("Transaction check loop started", "interval", s.cfg.CheckInterval.String())
}

func (s *Service) checkLoop(listener CheckListener) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
				s.logger.Warn("Previous check still in flight, skipping tick")
				continue
			}
			s.Check(s.cfg.TransactionTimeout, s.cfg.TransactionCheckMax, listener)
			atomic.StoreInt32(&s.running, 0)
		case <-s.stopChan:
			return
		}
	}
}

// Stop terminates the check loop. The in-flight queue scan, if any, runs to
// completion; all of its state is either durable or transient.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}
