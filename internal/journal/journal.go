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

// Package journal implements the dirty-position bitmap and the
// background worker that drains it into parity, plus the on-disk bitmap
// snapshot that makes the drain crash-consistent.
//
// Writes mark a range of parity positions dirty. A timer-driven worker
// periodically swaps the bitmap out, recomputes parity for every bit that
// was set, and — before that swap — saves both the metadata content file
// and the bitmap itself to disk, so a crash between the save and the
// drain still leaves the dirty positions recorded for the next mount.
package journal

import (
	"bytes"
	"encoding/binary"
	"io"
	"log"
	"math/bits"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ryanniemi/liveraid/internal/config"
	"github.com/ryanniemi/liveraid/internal/metadata"
	"github.com/ryanniemi/liveraid/internal/parity"
	"github.com/ryanniemi/liveraid/internal/state"
)

const bitmapMagic = "LRBM"
const maxBitmapWords = 0x100000 // 64M positions

// Journal owns the in-memory dirty bitmap, its optional on-disk
// snapshot, and the background drain worker.
type Journal struct {
	state  *state.State
	parity *parity.Handle
	cfg    *config.Config

	mu         sync.Mutex
	bitmap     []uint64
	processing bool
	drainCond  *sync.Cond

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	intervalMs    int
	saveIntervalS int
	nthreads      int
	bitmapPath    string

	scrubPending  atomic.Bool
	repairPending atomic.Bool
}

// New starts the background drain worker and returns the Journal handle.
// intervalMs <= 0 defaults to 5000; nthreads <= 0 defaults to 1.
func New(s *state.State, ph *parity.Handle, cfg *config.Config, intervalMs, nthreads int) *Journal {
	if intervalMs <= 0 {
		intervalMs = 5000
	}
	saveIntervalS := cfg.BitmapInterval
	if saveIntervalS <= 0 {
		saveIntervalS = 300
	}
	if nthreads <= 0 {
		nthreads = 1
	}

	j := &Journal{
		state:         s,
		parity:        ph,
		cfg:           cfg,
		wake:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		intervalMs:    intervalMs,
		saveIntervalS: saveIntervalS,
		nthreads:      nthreads,
	}
	j.drainCond = sync.NewCond(&j.mu)
	go j.workerLoop()
	return j
}

// Stop signals the worker to exit and waits for it to finish, then
// removes any on-disk bitmap snapshot — a clean shutdown leaves no
// crash-recovery file behind.
func (j *Journal) Stop() {
	close(j.stop)
	<-j.done
	if j.bitmapPath != "" {
		os.Remove(j.bitmapPath)
	}
}

// SetBitmapPath sets the on-disk dirty-bitmap snapshot path and merges in
// any bitmap found there (crash recovery from a prior run). Call once
// after New, before serving requests.
func (j *Journal) SetBitmapPath(path string) {
	j.bitmapPath = path
	j.loadBitmap()
}

// RequestScrub asks the worker to run a read-only parity scrub once the
// current drain finishes.
func (j *Journal) RequestScrub() {
	j.scrubPending.Store(true)
	j.signalWake()
}

// RequestRepair asks the worker to run a parity scrub that also corrects
// any mismatch it finds.
func (j *Journal) RequestRepair() {
	j.repairPending.Store(true)
	j.signalWake()
}

func (j *Journal) signalWake() {
	select {
	case j.wake <- struct{}{}:
	default:
	}
}

// MarkDirtyRange marks [start, start+count) dirty. It deliberately does
// not wake the worker: the drain is timer-driven so the periodic save
// captures the dirty bitmap before it is drained. Callers that need an
// immediate drain (unmount, explicit fsync) should call Flush instead.
func (j *Journal) MarkDirtyRange(start, count uint32) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i := uint32(0); i < count; i++ {
		j.bitmapSetLocked(start + i)
	}
}

func (j *Journal) bitmapSetLocked(pos uint32) {
	word := pos / 64
	if int(word) >= len(j.bitmap) {
		newWords := (int(word) + 1) * 2
		grown := make([]uint64, newWords)
		copy(grown, j.bitmap)
		j.bitmap = grown
	}
	j.bitmap[word] |= uint64(1) << (pos % 64)
}

func bitmapEmpty(bm []uint64) bool {
	for _, w := range bm {
		if w != 0 {
			return false
		}
	}
	return true
}

// Flush blocks until every currently dirty position has had parity
// recomputed.
func (j *Journal) Flush() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.signalWake()
	for j.processing || !bitmapEmpty(j.bitmap) {
		j.drainCond.Wait()
	}
}

func (j *Journal) workerLoop() {
	defer close(j.done)
	lastSave := time.Now()

	for {
		sleep := time.Duration(j.intervalMs) * time.Millisecond
		if j.saveIntervalS > 0 {
			if s := time.Duration(j.saveIntervalS) * time.Second; s < sleep {
				sleep = s
			}
		}
		timer := time.NewTimer(sleep)

		select {
		case <-j.stop:
			timer.Stop()
			return
		case <-j.wake:
			timer.Stop()
		case <-timer.C:
		}

		if j.saveIntervalS > 0 && time.Since(lastSave) >= time.Duration(j.saveIntervalS)*time.Second {
			j.state.RLock()
			if err := metadata.Save(j.state, j.cfg); err != nil {
				log.Printf("journal: metadata save failed: %v", err)
			}
			j.state.RUnlock()
			j.saveBitmap()
			lastSave = time.Now()
		}

		old := j.swapBitmap()
		if old != nil {
			j.drain(bitsSet(old))
		}

		j.mu.Lock()
		j.processing = false
		j.drainCond.Broadcast()
		j.mu.Unlock()

		if j.scrubPending.Load() || j.repairPending.Load() {
			j.runScrubOrRepair()
		}
	}
}

// swapBitmap atomically takes the current bitmap and replaces it with
// nil, marking processing=true before releasing the lock so Flush can't
// observe a false empty-and-idle window between the swap and the actual
// parity writes.
func (j *Journal) swapBitmap() []uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	old := j.bitmap
	j.bitmap = nil
	if old == nil || bitmapEmpty(old) {
		return nil
	}
	j.processing = true
	return old
}

func bitsSet(bm []uint64) []uint32 {
	var positions []uint32
	for w, word := range bm {
		for word != 0 {
			bit := bits.TrailingZeros64(word)
			positions = append(positions, uint32(w)*64+uint32(bit))
			word &= word - 1
		}
	}
	return positions
}

// drain recomputes parity for every position, using up to j.nthreads
// goroutines to divide the work.
func (j *Journal) drain(positions []uint32) {
	if len(positions) == 0 {
		return
	}
	nt := j.nthreads
	if nt > len(positions) {
		nt = len(positions)
	}
	if nt <= 1 {
		j.drainBatch(positions)
		return
	}

	chunk := (len(positions) + nt - 1) / nt
	var g errgroup.Group
	for start := 0; start < len(positions); start += chunk {
		end := start + chunk
		if end > len(positions) {
			end = len(positions)
		}
		batch := positions[start:end]
		g.Go(func() error {
			j.drainBatch(batch)
			return nil
		})
	}
	g.Wait()
}

func (j *Journal) drainBatch(positions []uint32) {
	for _, pos := range positions {
		j.state.RLock()
		err := j.parity.UpdatePosition(j.state, pos)
		j.state.RUnlock()
		if err != nil {
			log.Printf("journal: parity update for position %d failed: %v", pos, err)
		}
	}
}

func (j *Journal) runScrubOrRepair() {
	doRepair := j.repairPending.Load()
	j.scrubPending.Store(false)
	j.repairPending.Store(false)

	result, err := j.parity.Scrub(j.state, doRepair)
	if err != nil {
		log.Printf("journal: scrub failed: %v", err)
		return
	}
	if doRepair {
		log.Printf("repair: %d positions checked, %d mismatches, %d fixed, %d read errors",
			result.PositionsChecked, result.ParityMismatches, result.ParityFixed, result.ReadErrors)
	} else {
		log.Printf("scrub: %d positions checked, %d parity mismatches, %d read errors",
			result.PositionsChecked, result.ParityMismatches, result.ReadErrors)
	}
}

func (j *Journal) saveBitmap() {
	if j.bitmapPath == "" {
		return
	}
	j.mu.Lock()
	words := append([]uint64(nil), j.bitmap...)
	j.mu.Unlock()

	if bitmapEmpty(words) {
		os.Remove(j.bitmapPath)
		return
	}

	var buf bytes.Buffer
	buf.WriteString(bitmapMagic)
	binary.Write(&buf, binary.LittleEndian, uint32(len(words)))
	binary.Write(&buf, binary.LittleEndian, words)

	tmp := j.bitmapPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		log.Printf("journal: save bitmap open %q: %v", tmp, err)
		return
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		os.Remove(tmp)
		return
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return
	}
	f.Close()
	if err := os.Rename(tmp, j.bitmapPath); err != nil {
		log.Printf("journal: failed to save bitmap %q: %v", j.bitmapPath, err)
		os.Remove(tmp)
	}
}

func (j *Journal) loadBitmap() {
	f, err := os.Open(j.bitmapPath)
	if err != nil {
		return // no file = clean shutdown
	}
	defer f.Close()

	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil || string(magic[:]) != bitmapMagic {
		return
	}
	var words uint32
	if err := binary.Read(f, binary.LittleEndian, &words); err != nil {
		return
	}
	if words == 0 || words > maxBitmapWords {
		return
	}
	bm := make([]uint64, words)
	if err := binary.Read(f, binary.LittleEndian, bm); err != nil {
		return
	}

	j.mu.Lock()
	if uint32(len(j.bitmap)) < words {
		grown := make([]uint64, words)
		copy(grown, j.bitmap)
		j.bitmap = grown
	}
	limit := words
	if uint32(len(j.bitmap)) < limit {
		limit = uint32(len(j.bitmap))
	}
	for w := uint32(0); w < limit; w++ {
		j.bitmap[w] |= bm[w]
	}
	j.mu.Unlock()

	log.Printf("journal: restored dirty bitmap from %q (crash recovery)", j.bitmapPath)
}
