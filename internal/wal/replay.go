// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package wal

import (
	"errors"
	"fmt"
	"os"

	"github.com/dacapoday/lfkv/internal/lfkverr"
)

// Replay walks every segment in dir in LSN order, invoking visit for each
// well-formed record. The first record that fails its CRC terminates
// replay at that point — it is assumed to be a torn tail from a crash
// mid-write, and every record before it remains effective (§4.3).
//
// Replay returns the opened segment files (ready to hand to
// OpenAfterReplay) and the LSN the WAL should resume assigning from.
func Replay(dir string, visit func(Record) error) (segments []*segmentFile, nextLSN uint64, err error) {
	paths, err := listSegments(dir)
	if err != nil {
		return nil, 0, fmt.Errorf("list wal segments: %w", err)
	}

	nextLSN = 1
	torn := false
	for _, path := range paths {
		seg, err := openSegment(path)
		if err != nil {
			return nil, 0, err
		}
		segments = append(segments, seg)
		if torn {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, 0, fmt.Errorf("read segment %s: %w", path, err)
		}
		off := segmentHeaderSize
		for off < len(data) {
			r, n, derr := Decode(data[off:])
			if derr != nil {
				if errors.Is(derr, lfkverr.ErrCorrupt) {
					torn = true
					break
				}
				return nil, 0, derr
			}
			if err := visit(r); err != nil {
				return nil, 0, err
			}
			nextLSN = r.LSN + 1
			off += n
		}
	}
	return segments, nextLSN, nil
}
