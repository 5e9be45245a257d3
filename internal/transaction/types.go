package transaction

import (
	"strconv"
	"time"

	"github.com/tranqmq/tranq/internal/mqlog"
)

// EndTransactionRequest asks the broker to finalize a prepared message
type EndTransactionRequest struct {
	CommitLogOffset      int64  `json:"commit_log_offset"`
	MsgID                string `json:"msg_id,omitempty"`
	ProducerGroup        string `json:"producer_group,omitempty"`
	Commit               bool   `json:"commit"`
	FromTransactionCheck bool   `json:"from_transaction_check,omitempty"`
}

// OperationResult is the outcome of resolving a commit or rollback request
// against the half-message log.
type OperationResult struct {
	PrepareMessage *mqlog.Message
	ResponseCode   int16
	ResponseRemark string
}

// CheckListener receives halves the scanner has classified. ResolveHalfMessage
// must not block the scanner; dispatch happens asynchronously.
type CheckListener interface {
	ResolveHalfMessage(msg *mqlog.Message)
	ResolveDiscardMessage(msg *mqlog.Message)
}

// TransactionCheckRequest is sent to the producer's callback endpoint when
// the broker needs the outcome of an unresolved local transaction.
type TransactionCheckRequest struct {
	MsgID           string `json:"msg_id"`
	CommitLogOffset int64  `json:"commit_log_offset"`
	Topic           string `json:"topic"`
	QueueID         int32  `json:"queue_id"`
	ProducerGroup   string `json:"producer_group"`
	UniqKey         string `json:"uniq_key,omitempty"`
	Body            []byte `json:"body,omitempty"`
}

// TransactionCheckResponse is the producer's answer
type TransactionCheckResponse struct {
	State     int16  `json:"state"`
	ErrorCode int16  `json:"error_code"`
	Error     string `json:"error,omitempty"`
}

// parseLong mirrors the lenient numeric property parsing of the stored
// format: malformed values read as -1 and are handled by the callers'
// sentinel paths rather than aborting a scan.
func parseLong(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return -1
	}
	return v
}

func parseInt(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return -1
	}
	return v
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
