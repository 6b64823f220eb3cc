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

// Package state holds the in-memory model of the pool: the set of data
// drives, the file/directory/symlink tables, and the per-drive sorted
// position index used by the parity worker to find which file owns a
// given parity block.
//
// All table mutations must be made under State.mu held for writing; the
// parity worker and FUSE read paths take the read lock. Any code that
// also needs a journal bitmap lock must acquire State.mu first.
package state

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ryanniemi/liveraid/internal/config"
	"github.com/ryanniemi/liveraid/internal/posalloc"
)

// ErrNoDrive is returned by PickDrive when the pool has no configured
// drives.
var ErrNoDrive = errors.New("state: no data drives configured")

// Drive is the runtime record for one configured data drive.
type Drive struct {
	Name string
	Dir  string // absolute path, trailing slash
	Idx  int

	Alloc posalloc.Allocator

	// PosIndex is the sorted-by-PosStart lookup table used by
	// FindFileAtPos, rebuilt via RebuildPosIndex after any mutation that
	// changes which files live on this drive.
	PosIndex []PosEntry
}

// PosEntry is one row of a drive's position index.
type PosEntry struct {
	PosStart   uint32
	BlockCount uint32
	File       *File
}

// File is one whole-file record. A file lives entirely on one drive;
// ParityPosStart..+BlockCount is its run of parity-covered positions on
// that drive.
type File struct {
	Vpath          string
	RealPath       string
	DriveIdx       int
	Size           int64
	BlockCount     uint32
	ParityPosStart uint32
	ModTime        time.Time
	Mode           os.FileMode
	Uid, Gid       uint32
	OpenCount      int // guarded by State.mu
}

// Dir is a record for a directory that was explicitly created or had its
// metadata changed (directories that only exist implicitly, because a
// file underneath them has a vpath, are not recorded here).
type Dir struct {
	Vpath   string
	Mode    os.FileMode
	Uid, Gid uint32
	ModTime time.Time
}

// Symlink is a recorded symbolic link.
type Symlink struct {
	Vpath   string
	Target  string
	Uid, Gid uint32
	ModTime time.Time
}

// State is the central singleton model of the pool.
type State struct {
	mu sync.RWMutex

	Cfg    *config.Config
	Drives []*Drive

	Files    map[string]*File
	Dirs     map[string]*Dir
	Symlinks map[string]*Symlink

	rrNext uint32
}

// New builds an empty State from a loaded configuration.
func New(cfg *config.Config) *State {
	s := &State{
		Cfg:      cfg,
		Files:    make(map[string]*File),
		Dirs:     make(map[string]*Dir),
		Symlinks: make(map[string]*Symlink),
	}
	for i, d := range cfg.Drives {
		s.Drives = append(s.Drives, &Drive{Name: d.Name, Dir: d.Dir, Idx: i})
	}
	return s
}

// Lock / Unlock / RLock / RUnlock expose the state lock directly to
// callers that need to span multiple operations (e.g. the parity worker
// reading a consistent snapshot of placements for one position).
func (s *State) Lock()    { s.mu.Lock() }
func (s *State) Unlock()  { s.mu.Unlock() }
func (s *State) RLock()   { s.mu.RLock() }
func (s *State) RUnlock() { s.mu.RUnlock() }

// BlocksForSize returns the number of blockSize-sized blocks needed to
// hold size bytes of data (0 bytes needs 0 blocks).
func BlocksForSize(size int64, blockSize uint32) uint32 {
	if size <= 0 {
		return 0
	}
	n := uint64(size) / uint64(blockSize)
	if uint64(size)%uint64(blockSize) != 0 {
		n++
	}
	return uint32(n)
}

// InsertFile adds f to the file table. Caller must hold the write lock.
func (s *State) InsertFile(f *File) { s.Files[f.Vpath] = f }

// FindFile looks up a file by vpath. Caller must hold at least the read
// lock.
func (s *State) FindFile(vpath string) *File { return s.Files[vpath] }

// RemoveFile deletes and returns the file at vpath, or nil if absent.
// Caller must hold the write lock.
func (s *State) RemoveFile(vpath string) *File {
	f := s.Files[vpath]
	delete(s.Files, vpath)
	return f
}

// InsertDir, FindDir, RemoveDir mirror the file-table operations for the
// explicit-directory table.
func (s *State) InsertDir(d *Dir) { s.Dirs[d.Vpath] = d }
func (s *State) FindDir(vpath string) *Dir { return s.Dirs[vpath] }
func (s *State) RemoveDir(vpath string) *Dir {
	d := s.Dirs[vpath]
	delete(s.Dirs, vpath)
	return d
}

// InsertSymlink, FindSymlink, RemoveSymlink mirror the same pattern for
// symbolic links.
func (s *State) InsertSymlink(l *Symlink) { s.Symlinks[l.Vpath] = l }
func (s *State) FindSymlink(vpath string) *Symlink { return s.Symlinks[vpath] }
func (s *State) RemoveSymlink(vpath string) *Symlink {
	l := s.Symlinks[vpath]
	delete(s.Symlinks, vpath)
	return l
}

// PickDrive selects a drive index for a newly created file according to
// the configured placement policy. Caller must hold at least the read
// lock (ROUNDROBIN mutates rrNext, so in practice callers hold the write
// lock across create).
func (s *State) PickDrive() (int, error) {
	if len(s.Drives) == 0 {
		return 0, ErrNoDrive
	}

	switch s.Cfg.Placement {
	case config.RoundRobin:
		idx := int(s.rrNext) % len(s.Drives)
		s.rrNext++
		return idx, nil

	case config.MostFree:
		best, bestFree := 0, uint64(0)
		for i, d := range s.Drives {
			free, ok := freeBytes(d.Dir)
			if ok && free > bestFree {
				bestFree, best = free, i
			}
		}
		return best, nil

	case config.LFS:
		best, bestFree := 0, ^uint64(0)
		found := false
		for i, d := range s.Drives {
			free, ok := freeBytes(d.Dir)
			if !ok {
				continue
			}
			if !found || free < bestFree {
				bestFree, best, found = free, i, true
			}
		}
		return best, nil

	case config.PFRD:
		weights := make([]uint64, len(s.Drives))
		var total uint64
		for i, d := range s.Drives {
			free, ok := freeBytes(d.Dir)
			if ok {
				weights[i] = free
				total += free
			}
		}
		if total == 0 {
			return 0, nil
		}
		r := uint64(rand.Int63n(int64(total)))
		var cum uint64
		for i, w := range weights {
			cum += w
			if r < cum {
				return i, nil
			}
		}
		return len(s.Drives) - 1, nil

	default:
		return 0, fmt.Errorf("state: unknown placement policy %v", s.Cfg.Placement)
	}
}

func freeBytes(dir string) (uint64, bool) {
	var sv unix.Statfs_t
	if err := unix.Statfs(dir, &sv); err != nil {
		return 0, false
	}
	return uint64(sv.Bavail) * uint64(sv.Bsize), true
}

// RebuildPosIndex recomputes drive's sorted position index from the
// current file table. Caller must hold at least the read lock.
func (s *State) RebuildPosIndex(driveIdx int) {
	d := s.Drives[driveIdx]
	entries := make([]PosEntry, 0, len(s.Files))
	for _, f := range s.Files {
		if f.DriveIdx == driveIdx {
			entries = append(entries, PosEntry{
				PosStart:   f.ParityPosStart,
				BlockCount: f.BlockCount,
				File:       f,
			})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].PosStart < entries[j].PosStart })
	d.PosIndex = entries
}

// FindFileAtPos returns the file on driveIdx whose block run covers pos,
// or nil if no file owns that position (a zero block contributes to
// parity there). Caller must hold at least the read lock.
func (s *State) FindFileAtPos(driveIdx int, pos uint32) *File {
	idx := s.Drives[driveIdx].PosIndex
	lo, hi := 0, len(idx)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		e := idx[mid]
		switch {
		case pos >= e.PosStart && pos < e.PosStart+e.BlockCount:
			return e.File
		case pos < e.PosStart:
			hi = mid - 1
		default:
			lo = mid + 1
		}
	}
	return nil
}
