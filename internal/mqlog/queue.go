package mqlog

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	typederrors "github.com/tranqmq/tranq/internal/errors"
)

const frameHeaderSize = 4

// queueLog is a single append-only log file holding length-prefixed frames,
// one frame per logical offset. The position index is rebuilt by scanning
// the file on open, so a crash between write and sync loses at most the
// trailing partial frame.
type queueLog struct {
	mu sync.RWMutex

	dir       string
	file      *os.File
	positions []int64
	size      int64
}

func openQueueLog(dir string) (*queueLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, typederrors.NewTypedError(typederrors.StorageError, "failed to create queue directory", err)
	}

	logPath := filepath.Join(dir, fmt.Sprintf("%020d.qlog", 0))
	file, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, typederrors.NewTypedError(typederrors.StorageError, "failed to open queue log", err)
	}

	ql := &queueLog{
		dir:  dir,
		file: file,
	}

	if err := ql.rebuildIndex(); err != nil {
		file.Close()
		return nil, typederrors.NewTypedError(typederrors.StorageError, "failed to rebuild queue index", err)
	}

	return ql, nil
}

// rebuildIndex scans frames from the start of the file and records the byte
// position of each one. A truncated trailing frame is dropped.
func (ql *queueLog) rebuildIndex() error {
	stat, err := ql.file.Stat()
	if err != nil {
		return err
	}
	fileSize := stat.Size()

	var pos int64
	header := make([]byte, frameHeaderSize)
	for pos+frameHeaderSize <= fileSize {
		if _, err := ql.file.ReadAt(header, pos); err != nil {
			return err
		}
		frameLen := int64(binary.BigEndian.Uint32(header))
		if frameLen == 0 || pos+frameHeaderSize+frameLen > fileSize {
			break
		}
		ql.positions = append(ql.positions, pos)
		pos += frameHeaderSize + frameLen
	}
	ql.size = pos

	if pos < fileSize {
		if err := ql.file.Truncate(pos); err != nil {
			return err
		}
	}
	return nil
}

// append writes one frame. The encode callback receives the logical offset
// the frame will occupy, so callers can stamp it into the payload before it
// is serialized.
func (ql *queueLog) append(encode func(offset int64) ([]byte, error)) (int64, error) {
	ql.mu.Lock()
	defer ql.mu.Unlock()

	offset := int64(len(ql.positions))
	frame, err := encode(offset)
	if err != nil {
		return 0, err
	}

	buf := make([]byte, frameHeaderSize+len(frame))
	binary.BigEndian.PutUint32(buf, uint32(len(frame)))
	copy(buf[frameHeaderSize:], frame)

	if _, err := ql.file.WriteAt(buf, ql.size); err != nil {
		return 0, typederrors.NewTypedError(typederrors.StorageError, "failed to write frame", err)
	}
	if err := ql.file.Sync(); err != nil {
		return 0, typederrors.NewTypedError(typederrors.StorageError, "failed to sync queue log", err)
	}

	ql.positions = append(ql.positions, ql.size)
	ql.size += int64(frameHeaderSize + len(frame))
	return offset, nil
}

// read returns the frame at the given logical offset
func (ql *queueLog) read(offset int64) ([]byte, error) {
	ql.mu.RLock()
	defer ql.mu.RUnlock()

	if offset < 0 || offset >= int64(len(ql.positions)) {
		return nil, typederrors.NewTypedError(typederrors.StorageError,
			fmt.Sprintf("offset %d out of range [0, %d)", offset, len(ql.positions)), nil)
	}

	pos := ql.positions[offset]
	header := make([]byte, frameHeaderSize)
	if _, err := ql.file.ReadAt(header, pos); err != nil {
		return nil, typederrors.NewTypedError(typederrors.StorageError, "failed to read frame header", err)
	}

	frame := make([]byte, binary.BigEndian.Uint32(header))
	if _, err := ql.file.ReadAt(frame, pos+frameHeaderSize); err != nil && err != io.EOF {
		return nil, typederrors.NewTypedError(typederrors.StorageError, "failed to read frame", err)
	}
	return frame, nil
}

// minOffset is the smallest readable logical offset. Frames are never
// truncated from the front, so it is always zero.
func (ql *queueLog) minOffset() int64 {
	return 0
}

// nextOffset is the offset the next append will occupy
func (ql *queueLog) nextOffset() int64 {
	ql.mu.RLock()
	defer ql.mu.RUnlock()
	return int64(len(ql.positions))
}

func (ql *queueLog) close() error {
	ql.mu.Lock()
	defer ql.mu.Unlock()
	if ql.file != nil {
		err := ql.file.Close()
		ql.file = nil
		return err
	}
	return nil
}
