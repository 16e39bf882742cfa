package store

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/KilimcininKorOglu/kervan/internal/raft"
)

// Record framing constants.
// On-disk frame: [length:4][crc32:4][payload:length]
const (
	frameLengthSize   = 4
	frameChecksumSize = 4
	frameHeaderSize   = frameLengthSize + frameChecksumSize
)

// filePartition is the durable state of one partition: an append-only
// record file plus the in-memory resolved index rebuilt on open.
type filePartition struct {
	mu    sync.Mutex
	file  *os.File
	index *memoryPartition
}

// FileStore is a durable LogStore keeping one append-only record file
// per partition under a data directory. Propose and Commit are
// synchronously durable: the record is written and fsynced before the
// call returns. A torn tail left by a crash is truncated on open.
type FileStore struct {
	dir string

	mu         sync.Mutex
	partitions map[uint32]*filePartition
	closed     bool
}

// OpenFileStore opens or creates a file store rooted at dir.
func OpenFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "store: creating data directory")
	}
	return &FileStore{
		dir:        dir,
		partitions: make(map[uint32]*filePartition),
	}, nil
}

// partition opens the partition lazily, replaying its file into the
// in-memory index.
func (s *FileStore) partition(id uint32) (*filePartition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if p, ok := s.partitions[id]; ok {
		return p, nil
	}

	path := filepath.Join(s.dir, fmt.Sprintf("p%05d.log", id))
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "store: opening partition %d", id)
	}

	p := &filePartition{file: file, index: newMemoryPartition()}
	if err := replay(file, p.index); err != nil {
		file.Close()
		return nil, errors.Wrapf(err, "store: replaying partition %d", id)
	}

	s.partitions[id] = p
	return p, nil
}

// replay reads every valid frame and truncates the file after the last
// one, discarding a torn tail.
func replay(file *os.File, index *memoryPartition) error {
	info, err := file.Stat()
	if err != nil {
		return err
	}
	size := info.Size()

	var offset int64
	header := make([]byte, frameHeaderSize)
	for offset+frameHeaderSize <= size {
		if _, err := file.ReadAt(header, offset); err != nil {
			if err == io.EOF {
				break
			}
			return err
		}

		length := binary.LittleEndian.Uint32(header[0:4])
		checksum := binary.LittleEndian.Uint32(header[4:8])
		if length == 0 || length > maxRecordSize {
			break
		}
		if offset+frameHeaderSize+int64(length) > size {
			// Incomplete record, truncate here
			break
		}

		payload := make([]byte, length)
		if _, err := file.ReadAt(payload, offset+frameHeaderSize); err != nil {
			break
		}
		if crc32.ChecksumIEEE(payload) != checksum {
			// Corrupted record, truncate here
			break
		}

		entry, err := raft.DeserializeLogEntry(payload)
		if err != nil {
			break
		}
		index.put(entry)

		offset += frameHeaderSize + int64(length)
	}

	if err := file.Truncate(offset); err != nil {
		return err
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	return nil
}

// append writes one framed record and syncs the file.
func (p *filePartition) append(entry *raft.LogEntry) error {
	payload := entry.Serialize()

	frame := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(payload))
	copy(frame[frameHeaderSize:], payload)

	if _, err := p.file.Write(frame); err != nil {
		return errors.Wrap(err, "store: appending record")
	}
	if err := p.file.Sync(); err != nil {
		return errors.Wrap(err, "store: syncing record")
	}

	p.index.put(entry)
	return nil
}

// ReadLogs implements raft.LogStore.
func (s *FileStore) ReadLogs(partition uint32) ([]*raft.LogEntry, error) {
	p, err := s.partition(partition)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.index.ascending(p.index.lastCheckpoint() + 1), nil
}

// ReadLogsRange implements raft.LogStore.
func (s *FileStore) ReadLogsRange(partition uint32, startID uint64) ([]*raft.LogEntry, error) {
	p, err := s.partition(partition)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.index.ascending(startID), nil
}

// Propose implements raft.LogStore.
func (s *FileStore) Propose(partition uint32, entry *raft.LogEntry) error {
	return s.put(partition, entry)
}

// Commit implements raft.LogStore.
func (s *FileStore) Commit(partition uint32, entry *raft.LogEntry) error {
	return s.put(partition, entry)
}

func (s *FileStore) put(partition uint32, entry *raft.LogEntry) error {
	p, err := s.partition(partition)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.append(entry)
}

// GetMaxLog implements raft.LogStore.
func (s *FileStore) GetMaxLog(partition uint32) (uint64, error) {
	p, err := s.partition(partition)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.index.maxID, nil
}

// GetCurrentTerm implements raft.LogStore.
func (s *FileStore) GetCurrentTerm(partition uint32) (uint64, error) {
	p, err := s.partition(partition)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.index.maxTerm, nil
}

// Exists implements raft.LogStore.
func (s *FileStore) Exists(partition uint32, id uint64) (bool, error) {
	p, err := s.partition(partition)
	if err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.index.resolved[id]
	return ok, nil
}

// Close implements raft.LogStore.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	for _, p := range s.partitions {
		p.mu.Lock()
		if err := p.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		p.mu.Unlock()
	}
	s.partitions = make(map[uint32]*filePartition)
	return firstErr
}
