package transaction

import (
	"fmt"
	"strconv"
	"time"

	typederrors "github.com/tranqmq/tranq/internal/errors"
	"github.com/tranqmq/tranq/internal/logging"
	"github.com/tranqmq/tranq/internal/mqlog"
	"github.com/tranqmq/tranq/internal/protocol"
)

// halfScanner walks one half queue from its consume offset, classifying
// each prepared message against the op index and dispatching back-checks.
// All of its decision state lives for a single tick.
type halfScanner struct {
	bridge   *Bridge
	queue    mqlog.MessageQueue
	opQueue  mqlog.MessageQueue
	listener CheckListener
	logger   *logging.Logger

	transactionTimeout  time.Duration
	transactionCheckMax int

	// startTime anchors the wall-clock budget and the fresh-store guard
	startTime int64
}

// getResult pairs the pull outcome with the (single) message it found
type getResult struct {
	msg        *mqlog.Message
	pullResult *mqlog.PullResult
}

// run scans from halfOffset, correlating against op records from opOffset,
// and persists both consume offsets on exit. A non-nil error means the
// queue was broken this tick and nothing past the last commit point moved.
func (sc *halfScanner) run(halfOffset, opOffset int64) error {
	idx := newOpIndex()
	pullResult := sc.fillOpRemoveMap(idx, opOffset, halfOffset)
	if pullResult == nil {
		return typederrors.NewTypedError(typederrors.PullError,
			fmt.Sprintf("initial op pull failed, halfOffset=%d opOffset=%d", halfOffset, opOffset), nil)
	}

	getMessageNullCount := 1
	newOffset := halfOffset
	i := halfOffset

	for {
		if nowMillis()-sc.startTime > protocol.MaxProcessTimeLimit {
			sc.logger.Info("Queue process time reached max", "queue", sc.queue.String(),
				"limit_ms", protocol.MaxProcessTimeLimit)
			break
		}

		if resolvedOpOffset, resolved := idx.removeMap[i]; resolved {
			sc.logger.Info("Half offset has been committed/rolled back", "half_offset", i)
			delete(idx.removeMap, i)
			idx.doneOpOffset = append(idx.doneOpOffset, resolvedOpOffset)
		} else {
			result := sc.getHalfMessage(i)
			msg := result.msg
			if msg == nil {
				nullCount := getMessageNullCount
				getMessageNullCount++
				if nullCount > protocol.MaxRetryCountWhenHalfNull {
					break
				}
				if result.pullResult == nil {
					break
				}
				if result.pullResult.Status == mqlog.PullNoNewMsg {
					sc.logger.Debug("No new half message", "miss_offset", i,
						"queue", sc.queue.String(), "pull_result", result.pullResult.String())
					break
				}
				sc.logger.Info("Illegal half offset, forwarding", "miss_offset", i,
					"queue", sc.queue.String(), "pull_result", result.pullResult.String())
				i = result.pullResult.NextBeginOffset
				newOffset = i
				continue
			}

			checkTimesBefore, hadCheckTimes := msg.Properties[protocol.PropertyTransactionCheckTimes]
			if sc.needDiscard(msg) || sc.needSkip(msg) {
				sc.listener.ResolveDiscardMessage(msg)
				newOffset = i + 1
				i++
				continue
			}

			if msg.StoreTimestamp >= sc.startTime {
				sc.logger.Info("Fresh stored, check it later", "miss_offset", i,
					"store_timestamp", msg.StoreTimestamp)
				break
			}

			valueOfCurrentMinusBorn := nowMillis() - msg.BornTimestamp
			checkImmunityTime := sc.transactionTimeout.Milliseconds()
			checkImmunityTimeStr := msg.GetProperty(protocol.PropertyCheckImmunityTimeInSeconds)
			if checkImmunityTimeStr != "" {
				checkImmunityTime = immunityTime(checkImmunityTimeStr, sc.transactionTimeout.Milliseconds())
				if valueOfCurrentMinusBorn < checkImmunityTime {
					// an immunity re-append dispatches no back-check, so the
					// copy keeps the check count the half arrived with
					if hadCheckTimes {
						msg.PutProperty(protocol.PropertyTransactionCheckTimes, checkTimesBefore)
					} else {
						delete(msg.Properties, protocol.PropertyTransactionCheckTimes)
					}
					if sc.checkPrepareQueueOffset(idx, msg, checkImmunityTime) {
						newOffset = i + 1
						i++
						continue
					}
					// still immune and undecided: no back-check may be
					// dispatched for this half, retry next tick
					break
				}
			} else {
				if valueOfCurrentMinusBorn >= 0 && valueOfCurrentMinusBorn < checkImmunityTime {
					sc.logger.Info("New arrived, check it later", "miss_offset", i,
						"check_immunity_ms", checkImmunityTime, "born_timestamp", msg.BornTimestamp)
					break
				}
			}

			opMsgs := pullResult.Messages
			isNeedCheck := (len(opMsgs) == 0 && valueOfCurrentMinusBorn > checkImmunityTime) ||
				(len(opMsgs) > 0 && opMsgs[len(opMsgs)-1].BornTimestamp-sc.startTime > sc.transactionTimeout.Milliseconds()) ||
				valueOfCurrentMinusBorn <= -1

			if isNeedCheck {
				if !sc.putBackHalfMsgQueue(msg, i) {
					continue
				}
				sc.listener.ResolveHalfMessage(msg)
			} else {
				pullResult = sc.fillOpRemoveMap(idx, pullResult.NextBeginOffset, halfOffset)
				if pullResult == nil {
					sc.logger.Error("Op refill failed, breaking scan", "miss_offset", i,
						"queue", sc.queue.String())
					break
				}
				sc.logger.Info("Getting more op messages for check", "miss_offset", i,
					"queue", sc.queue.String(), "pull_result", pullResult.String())
				continue
			}
		}
		newOffset = i + 1
		i++
	}

	if newOffset != halfOffset {
		sc.bridge.UpdateConsumeOffset(sc.queue, newOffset)
	}
	newOpOffset := calculateOpOffset(idx.doneOpOffset, opOffset)
	if newOpOffset != opOffset {
		sc.bridge.UpdateConsumeOffset(sc.opQueue, newOpOffset)
	}
	return nil
}

// getHalfMessage pulls a single half message at the given queue offset
func (sc *halfScanner) getHalfMessage(offset int64) getResult {
	result := getResult{}
	result.pullResult = sc.bridge.GetHalfMessage(sc.queue.QueueID, offset, protocol.PullMsgRetryNumber)
	if result.pullResult == nil || len(result.pullResult.Messages) == 0 {
		return result
	}
	result.msg = result.pullResult.Messages[0]
	return result
}

// needDiscard reports whether the half has exhausted its back-checks. Below
// the limit it bumps the in-memory check count; the bump only becomes
// durable when the back-check path re-appends the message.
func (sc *halfScanner) needDiscard(msg *mqlog.Message) bool {
	checkTimes := msg.GetProperty(protocol.PropertyTransactionCheckTimes)
	checkTime := 1
	if checkTimes != "" {
		checkTime = parseInt(checkTimes)
		if checkTime >= sc.transactionCheckMax {
			return true
		}
		checkTime++
	}
	msg.PutProperty(protocol.PropertyTransactionCheckTimes, strconv.Itoa(checkTime))
	return false
}

// needSkip reports whether the half outlived the store's retention window
func (sc *halfScanner) needSkip(msg *mqlog.Message) bool {
	valueOfCurrentMinusBorn := nowMillis() - msg.BornTimestamp
	if valueOfCurrentMinusBorn > sc.bridge.FileReservedHours()*3600*1000 {
		sc.logger.Info("Half message exceeds file reserved time, skipping",
			"msg_id", msg.MsgID, "born_timestamp", msg.BornTimestamp)
		return true
	}
	return false
}

// immunityTime resolves the per-message immunity window: -1 and malformed
// values fall back to the transaction timeout, anything else is seconds.
func immunityTime(checkImmunityTimeStr string, transactionTimeoutMillis int64) int64 {
	checkImmunityTime := parseLong(checkImmunityTimeStr)
	if checkImmunityTime == -1 {
		return transactionTimeoutMillis
	}
	return checkImmunityTime * 1000
}

// checkPrepareQueueOffset decides whether a half still inside its immunity
// window can be stepped over. True means advance: either the earlier copy
// named by PreparedQueueOffset was resolved (transitively closing this one),
// or a re-appended copy now carries the chain.
func (sc *halfScanner) checkPrepareQueueOffset(idx *opIndex, msg *mqlog.Message, checkImmunityTime int64) bool {
	if nowMillis()-msg.BornTimestamp >= checkImmunityTime {
		return true
	}

	prepareQueueOffsetStr := msg.GetProperty(protocol.PropertyTransactionPreparedQueueOffset)
	if prepareQueueOffsetStr == "" {
		return sc.putImmunityMsgBackToHalfQueue(msg)
	}
	prepareQueueOffset := parseLong(prepareQueueOffsetStr)
	if prepareQueueOffset == -1 {
		return false
	}
	if opOffset, ok := idx.removeMap[prepareQueueOffset]; ok {
		delete(idx.removeMap, prepareQueueOffset)
		idx.doneOpOffset = append(idx.doneOpOffset, opOffset)
		return true
	}
	return sc.putImmunityMsgBackToHalfQueue(msg)
}

// putImmunityMsgBackToHalfQueue re-appends the half with the prepared queue
// offset chain advanced to this copy's offset.
func (sc *halfScanner) putImmunityMsgBackToHalfQueue(msg *mqlog.Message) bool {
	inner := sc.bridge.RenewImmunityHalfMessage(msg)
	if _, err := sc.bridge.PutBackHalfMessage(inner); err != nil {
		sc.logger.Error("Failed to put immunity half message back", "msg_id", msg.MsgID,
			"queue_offset", msg.QueueOffset, "error", err)
		return false
	}
	return true
}

// putBackHalfMsgQueue re-appends the half ahead of a back-check dispatch.
// On success the message's identity is updated to the new copy so the
// listener sees where it now lives.
func (sc *halfScanner) putBackHalfMsgQueue(msg *mqlog.Message, offset int64) bool {
	inner := sc.bridge.RenewHalfMessage(msg)
	result, err := sc.bridge.PutBackHalfMessage(inner)
	if err != nil {
		sc.logger.Error("Failed to put half message back", "topic", msg.Topic,
			"queue_id", msg.QueueID, "msg_id", msg.MsgID, "error", err)
		return false
	}

	msg.QueueOffset = result.QueueOffset
	msg.CommitLogOffset = result.CommitLogOffset
	msg.MsgID = result.MsgID
	sc.logger.Info("Sent check message",
		"offset", offset,
		"restored_queue_offset", msg.QueueOffset,
		"commit_log_offset", msg.CommitLogOffset,
		"new_msg_id", msg.MsgID,
		"uniq_key", msg.GetProperty(protocol.PropertyUniqKey),
		"topic", msg.Topic)
	return true
}
