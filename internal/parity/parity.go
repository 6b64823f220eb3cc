/*
Copyright 2024 The Liveraid Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package parity implements the Reed–Solomon (Cauchy matrix) erasure
// engine: maintaining up to six parity files alongside the data drives,
// recomputing parity for a single position, and reconstructing a single
// missing data block from surviving data and parity.
//
// The matrix construction and GF(2^8) arithmetic are delegated to
// klauspost/reedsolomon; this package's job is wiring that engine to the
// pool's per-position block layout (one block per drive per position,
// zero-filled where a drive has nothing at that position).
package parity

import (
	"fmt"
	"os"
	"sort"

	"github.com/klauspost/reedsolomon"

	"github.com/ryanniemi/liveraid/internal/config"
	"github.com/ryanniemi/liveraid/internal/state"
)

// Handle owns the open parity file descriptors and the Reed–Solomon
// encoder built for the pool's (nd, np) shape.
type Handle struct {
	files     []*os.File // len == levels
	encoder   reedsolomon.Encoder
	nd        int
	levels    int
	blockSize uint32
}

// Open creates or opens every configured parity path and builds the
// Cauchy-matrix encoder for nd data shards / np parity shards. A pool
// with zero parity levels returns a Handle with no RAID math (levels==0);
// UpdatePosition and Scrub on it are no-ops, while RecoverBlock,
// ReadBlock and WriteBlock return an error.
func Open(cfg *config.Config) (*Handle, error) {
	h := &Handle{
		nd:        len(cfg.Drives),
		levels:    cfg.ParityLevels(),
		blockSize: cfg.BlockSize,
	}
	for _, p := range cfg.ParityPaths {
		f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("parity: open %q: %w", p, err)
		}
		h.files = append(h.files, f)
	}

	if h.nd == 0 || h.levels == 0 {
		return h, nil
	}

	enc, err := reedsolomon.New(h.nd, h.levels, reedsolomon.WithCauchyMatrix())
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("parity: build Cauchy matrix for nd=%d np=%d: %w", h.nd, h.levels, err)
	}
	h.encoder = enc
	return h, nil
}

// Close releases every open parity file descriptor.
func (h *Handle) Close() {
	for _, f := range h.files {
		if f != nil {
			f.Close()
		}
	}
}

// Levels reports the number of configured parity drives.
func (h *Handle) Levels() int { return h.levels }

// ReadBlock reads one block from parity level lev at position pos into
// buf, zero-filling past EOF (a sparse parity file reads as zero).
func (h *Handle) ReadBlock(lev int, pos uint32, buf []byte) error {
	if lev < 0 || lev >= h.levels {
		return fmt.Errorf("parity: level %d out of range (levels=%d)", lev, h.levels)
	}
	n, err := h.files[lev].ReadAt(buf, int64(pos)*int64(h.blockSize))
	if err != nil && n == 0 {
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return nil
}

// WriteBlock writes buf as the full block at position pos on parity
// level lev.
func (h *Handle) WriteBlock(lev int, pos uint32, buf []byte) error {
	if lev < 0 || lev >= h.levels {
		return fmt.Errorf("parity: level %d out of range (levels=%d)", lev, h.levels)
	}
	n, err := h.files[lev].WriteAt(buf, int64(pos)*int64(h.blockSize))
	if err != nil {
		return fmt.Errorf("parity: write level %d pos %d: %w", lev, pos, err)
	}
	if n != len(buf) {
		return fmt.Errorf("parity: short write to level %d pos %d (%d of %d)", lev, pos, n, len(buf))
	}
	return nil
}

// allocBlocks returns n freshly zeroed block buffers cut from a single
// backing allocation, the scratch-vector shape lr_alloc_vector used to
// hand ISA-L a contiguous run of blocks. klauspost/reedsolomon has no
// alignment requirement of its own, so this is just one allocation
// instead of n.
func allocBlocks(n int, blockSize uint32) [][]byte {
	backing := make([]byte, n*int(blockSize))
	blocks := make([][]byte, n)
	off := 0
	for i := 0; i < n; i++ {
		blocks[i] = backing[off : off+int(blockSize) : off+int(blockSize)]
		off += int(blockSize)
	}
	return blocks
}

// readFileBlock reads the block at blk_off blocks into a file's own data
// (not the parity file), zero-filling a short or missing read.
func readFileBlock(realPath string, blkOff uint32, buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
	f, err := os.Open(realPath)
	if err != nil {
		return
	}
	defer f.Close()
	f.ReadAt(buf, int64(blkOff)*int64(len(buf)))
}

// UpdatePosition recomputes and writes parity for one position from the
// current data-drive contents. Caller must hold the state read lock for
// the duration of the call so the set of files seen at pos is consistent.
func (h *Handle) UpdatePosition(s *state.State, pos uint32) error {
	if h.levels == 0 {
		return nil
	}
	shards := allocBlocks(h.nd+h.levels, h.blockSize)

	for d := 0; d < h.nd; d++ {
		f := s.FindFileAtPos(d, pos)
		if f == nil {
			continue // already zeroed
		}
		readFileBlock(f.RealPath, pos-f.ParityPosStart, shards[d])
	}

	if err := h.encoder.Encode(shards); err != nil {
		return fmt.Errorf("parity: encode pos %d: %w", pos, err)
	}
	for p := 0; p < h.levels; p++ {
		if err := h.WriteBlock(p, pos, shards[h.nd+p]); err != nil {
			return err
		}
	}
	return nil
}

// ErrTooManyFailures is returned by RecoverBlock when more drives failed
// at a position than there are parity levels to cover.
var ErrTooManyFailures = fmt.Errorf("parity: more failures than parity levels")

// RecoverBlock reconstructs the data block for driveIdx at pos from
// surviving data drives and the lowest-numbered parity levels needed to
// cover any additional read failures encountered along the way. Caller
// must hold the state read lock.
func (h *Handle) RecoverBlock(s *state.State, driveIdx int, pos uint32, out []byte) error {
	if h.levels == 0 {
		return fmt.Errorf("parity: no parity configured, cannot recover")
	}

	shards := make([][]byte, h.nd+h.levels) // nil entries are "missing" to the decoder
	buf := allocBlocks(h.nd, h.blockSize)

	failed := []int{driveIdx}

	for d := 0; d < h.nd; d++ {
		if d == driveIdx {
			continue
		}
		f := s.FindFileAtPos(d, pos)
		ok := true
		if f == nil {
			for i := range buf[d] {
				buf[d][i] = 0
			}
		} else {
			ok = readDataBlockOK(f.RealPath, pos-f.ParityPosStart, buf[d])
		}
		if ok {
			shards[d] = buf[d]
		} else {
			failed = append(failed, d)
		}
	}
	sort.Ints(failed)

	if len(failed) > h.levels {
		return ErrTooManyFailures
	}

	parityBlocks := allocBlocks(len(failed), h.blockSize)
	for p := 0; p < len(failed); p++ {
		if err := h.ReadBlock(p, pos, parityBlocks[p]); err != nil {
			for i := range parityBlocks[p] {
				parityBlocks[p][i] = 0
			}
		}
		shards[h.nd+p] = parityBlocks[p]
	}

	if err := h.encoder.ReconstructData(shards); err != nil {
		return fmt.Errorf("parity: reconstruct pos %d drive %d: %w", pos, driveIdx, err)
	}

	copy(out, shards[driveIdx])
	return nil
}

func readDataBlockOK(realPath string, blkOff uint32, buf []byte) bool {
	f, err := os.Open(realPath)
	if err != nil {
		return false
	}
	defer f.Close()
	n, err := f.ReadAt(buf, int64(blkOff)*int64(len(buf)))
	if err != nil && n == 0 {
		for i := range buf {
			buf[i] = 0
		}
		return false
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return true
}

// ScrubResult tallies one scrub pass.
type ScrubResult struct {
	PositionsChecked uint32
	ParityMismatches uint32
	ParityFixed      uint32
	ReadErrors       uint32
}

// Scrub walks every position up to the pool's high-water mark, recomputes
// expected parity, and compares it against what is stored. With repair
// set, mismatches are corrected in place.
func (h *Handle) Scrub(s *state.State, repair bool) (ScrubResult, error) {
	var result ScrubResult
	if h.levels == 0 {
		return result, nil
	}

	s.RLock()
	var maxPos uint32
	for _, d := range s.Drives {
		if d.Alloc.NextFree > maxPos {
			maxPos = d.Alloc.NextFree
		}
	}
	s.RUnlock()

	expected := allocBlocks(h.nd+h.levels, h.blockSize)
	stored := allocBlocks(h.levels, h.blockSize)

	for pos := uint32(0); pos < maxPos; pos++ {
		s.RLock()
		readErr := false
		for d := 0; d < h.nd; d++ {
			for i := range expected[d] {
				expected[d][i] = 0
			}
			f := s.FindFileAtPos(d, pos)
			if f == nil {
				continue
			}
			if !readDataBlockOK(f.RealPath, pos-f.ParityPosStart, expected[d]) {
				readErr = true
			}
		}
		s.RUnlock()

		result.PositionsChecked++
		if readErr {
			result.ReadErrors++
			continue
		}

		if err := h.encoder.Encode(expected); err != nil {
			result.ReadErrors++
			continue
		}

		mismatch := false
		parityReadErr := false
		for p := 0; p < h.levels; p++ {
			if err := h.ReadBlock(p, pos, stored[p]); err != nil {
				parityReadErr = true
				break
			}
			if !bytesEqual(expected[h.nd+p], stored[p]) {
				mismatch = true
			}
		}

		switch {
		case parityReadErr:
			result.ReadErrors++
		case mismatch:
			result.ParityMismatches++
			if repair {
				fixed := true
				for p := 0; p < h.levels; p++ {
					if err := h.WriteBlock(p, pos, expected[h.nd+p]); err != nil {
						fixed = false
					}
				}
				if fixed {
					result.ParityFixed++
				}
			}
		}
	}

	return result, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
