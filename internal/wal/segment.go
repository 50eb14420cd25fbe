// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// segmentHeaderSize is (segment id u64, first lsn u64).
const segmentHeaderSize = 16

type segmentFile struct {
	id       uint64
	firstLSN uint64
	path     string
	file     *os.File
	size     int64
}

// segmentName builds a sortable name: <19-digit zero-padded seq>-<uuid>.wal
// so segments rotate without filename collisions even across process
// restarts at the same wall-clock second.
func segmentName(seq uint64) string {
	return fmt.Sprintf("%019d-%s.wal", seq, uuid.NewString())
}

func parseSegmentSeq(name string) (uint64, bool) {
	base := strings.TrimSuffix(filepath.Base(name), ".wal")
	idx := strings.IndexByte(base, '-')
	if idx < 0 {
		return 0, false
	}
	seq, err := strconv.ParseUint(base[:idx], 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// listSegments returns segment file paths in the directory, sorted by
// their sequence prefix (oldest first).
func listSegments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	type seqPath struct {
		seq  uint64
		path string
	}
	var found []seqPath
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".wal") {
			continue
		}
		seq, ok := parseSegmentSeq(e.Name())
		if !ok {
			continue
		}
		found = append(found, seqPath{seq, filepath.Join(dir, e.Name())})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].seq < found[j].seq })
	paths := make([]string, len(found))
	for i, fp := range found {
		paths[i] = fp.path
	}
	return paths, nil
}

func createSegment(dir string, seq uint64, firstLSN uint64) (*segmentFile, error) {
	path := filepath.Join(dir, segmentName(seq))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create segment: %w", err)
	}
	var hdr [segmentHeaderSize]byte
	putUint64(hdr[0:8], seq)
	putUint64(hdr[8:16], firstLSN)
	if _, err := f.Write(hdr[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("write segment header: %w", err)
	}
	return &segmentFile{id: seq, firstLSN: firstLSN, path: path, file: f, size: segmentHeaderSize}, nil
}

func openSegment(path string) (*segmentFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}
	var hdr [segmentHeaderSize]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("read segment header: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &segmentFile{
		id:       getUint64(hdr[0:8]),
		firstLSN: getUint64(hdr[8:16]),
		path:     path,
		file:     f,
		size:     info.Size(),
	}, nil
}

func (s *segmentFile) append(buf []byte) error {
	n, err := s.file.WriteAt(buf, s.size)
	if err != nil {
		return err
	}
	s.size += int64(n)
	return nil
}

func (s *segmentFile) sync() error {
	return s.file.Sync()
}

func (s *segmentFile) close() error {
	return s.file.Close()
}

func putUint64(b []byte, v uint64) {
	for i := range 8 {
		b[i] = byte(v >> (8 * i))
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := range 8 {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
