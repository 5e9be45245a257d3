package transaction

import (
	"sort"

	"github.com/tranqmq/tranq/internal/mqlog"
	"github.com/tranqmq/tranq/internal/protocol"
)

// opIndex is the per-scan view of the op queue: which half offsets are known
// resolved, and which op offsets are already accounted for. It is rebuilt
// from the durable logs on every tick and never survives a scan.
type opIndex struct {
	// removeMap: half queue offset -> op queue offset of the record that
	// resolved it. Duplicate op records for one half overwrite (last wins);
	// only the value's membership in doneOpOffset matters afterwards.
	removeMap map[int64]int64

	// doneOpOffset: op offsets whose work is complete, either because their
	// half offset was below the scan's minimum or because the half was
	// resolved during this scan.
	doneOpOffset []int64
}

func newOpIndex() *opIndex {
	return &opIndex{removeMap: make(map[int64]int64)}
}

// fillOpRemoveMap pulls a batch of op records and folds them into the index.
// miniOffset is the half queue's consume offset at scan start: op records
// naming half offsets below it are already consumed past and go straight to
// doneOpOffset. Returns nil only when the pull itself failed.
func (sc *halfScanner) fillOpRemoveMap(idx *opIndex, pullOffsetOfOp int64, miniOffset int64) *mqlog.PullResult {
	pullResult := sc.bridge.GetOpMessage(sc.opQueue.QueueID, pullOffsetOfOp, protocol.OpMsgPullNums)
	if pullResult == nil {
		return nil
	}

	switch pullResult.Status {
	case mqlog.PullOffsetIllegal, mqlog.PullNoMatchedMsg:
		sc.logger.Warn("Op offset is illegal, forwarding", "op_offset", pullOffsetOfOp,
			"queue", sc.opQueue.String(), "pull_result", pullResult.String())
		sc.bridge.UpdateConsumeOffset(sc.opQueue, pullResult.NextBeginOffset)
		return pullResult
	case mqlog.PullNoNewMsg:
		sc.logger.Debug("No new op message", "op_offset", pullOffsetOfOp,
			"queue", sc.opQueue.String(), "pull_result", pullResult.String())
		return pullResult
	}

	if len(pullResult.Messages) == 0 {
		sc.logger.Warn("Op pull returned no messages", "op_offset", pullOffsetOfOp,
			"queue", sc.opQueue.String(), "pull_result", pullResult.String())
		return pullResult
	}

	for _, opMsg := range pullResult.Messages {
		queueOffset := parseLong(string(opMsg.Body))
		if opMsg.Tags == protocol.RemoveTag {
			if queueOffset < miniOffset {
				idx.doneOpOffset = append(idx.doneOpOffset, opMsg.QueueOffset)
			} else {
				idx.removeMap[queueOffset] = opMsg.QueueOffset
			}
		} else {
			sc.logger.Error("Found an illegal tag in op message", "tags", opMsg.Tags,
				"op_offset", opMsg.QueueOffset, "queue", sc.opQueue.String())
		}
	}

	return pullResult
}

// calculateOpOffset advances the op consume offset over the longest
// contiguous prefix of processed op offsets. Anything after a gap stays
// unreflected until its predecessors complete.
func calculateOpOffset(doneOpOffset []int64, oldOffset int64) int64 {
	sort.Slice(doneOpOffset, func(i, j int) bool { return doneOpOffset[i] < doneOpOffset[j] })
	newOffset := oldOffset
	for _, off := range doneOpOffset {
		if off == newOffset {
			newOffset++
		} else {
			break
		}
	}
	return newOffset
}
