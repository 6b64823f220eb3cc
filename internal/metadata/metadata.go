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

// Package metadata codes the on-disk content file: a line-oriented,
// human-readable record of every file, directory, and symlink in the
// pool plus each drive's allocator watermark and free-extent list. The
// file is terminated by a CRC32 footer covering everything above it.
//
// Load tolerates older content-file dialects (see loadFileRecord and the
// "# next_free_pos:"/"# free_extent:" directive skip below) so a pool can
// be upgraded in place without a conversion step.
package metadata

import (
	"bufio"
	"bytes"
	"fmt"
	"hash/crc32"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ryanniemi/liveraid/internal/config"
	"github.com/ryanniemi/liveraid/internal/state"
)

const formatVersion = 1

// Load reads the first existing content path in cfg.ContentPaths into s.
// A pool with no content file yet (first run) is not an error: Load
// returns nil and leaves s untouched.
func Load(s *state.State, cfg *config.Config) error {
	var (
		f        *os.File
		pathUsed string
	)
	for _, p := range cfg.ContentPaths {
		var err error
		f, err = os.Open(p)
		if err == nil {
			pathUsed = p
			break
		}
	}
	if f == nil {
		return nil
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 4096), 1<<20)

	crc := crc32.NewIEEE()
	driveByName := make(map[string]int)
	for i, d := range s.Drives {
		driveByName[d.Name] = i
	}

	for sc.Scan() {
		raw := sc.Text() + "\n" // Scanner strips the trailing newline; CRC covers it.

		if strings.HasPrefix(raw, "# crc32:") {
			stored, _ := strconv.ParseUint(strings.TrimSpace(strings.TrimPrefix(raw, "# crc32:")), 16, 32)
			computed := uint64(crc.Sum32())
			if uint32(stored) != uint32(computed) {
				log.Printf("metadata: CRC mismatch in %q (stored %08X, computed %08X) — file may be corrupt",
					pathUsed, stored, computed)
			}
			break
		}
		crc.Write([]byte(raw))

		line := strings.TrimRight(sc.Text(), "\r")

		switch {
		case strings.HasPrefix(line, "# drive_next_free:"):
			parseDriveNextFree(s, driveByName, line)
			continue
		case strings.HasPrefix(line, "# drive_free_extent:"):
			parseDriveFreeExtent(s, driveByName, line)
			continue
		case strings.HasPrefix(line, "# next_free_pos:"), strings.HasPrefix(line, "# free_extent:"):
			// Old global-allocator directives; per-drive watermarks are
			// derived from file records instead.
			continue
		case line == "" || strings.HasPrefix(line, "#"):
			continue
		case strings.HasPrefix(line, "dir|"):
			loadDirRecord(s, line[len("dir|"):])
		case strings.HasPrefix(line, "symlink|"):
			loadSymlinkRecord(s, line[len("symlink|"):])
		case strings.HasPrefix(line, "file|"):
			loadFileRecord(s, cfg, driveByName, line[len("file|"):])
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("metadata: read %q: %w", pathUsed, err)
	}

	for i := range s.Drives {
		s.RebuildPosIndex(i)
	}
	warnOverlaps(s)

	return nil
}

func parseDriveNextFree(s *state.State, byName map[string]int, line string) {
	fields := strings.Fields(strings.TrimPrefix(line, "# drive_next_free:"))
	if len(fields) != 2 {
		return
	}
	di, ok := byName[fields[0]]
	if !ok {
		return
	}
	nfp, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return
	}
	if uint32(nfp) > s.Drives[di].Alloc.NextFree {
		s.Drives[di].Alloc.NextFree = uint32(nfp)
	}
}

func parseDriveFreeExtent(s *state.State, byName map[string]int, line string) {
	fields := strings.Fields(strings.TrimPrefix(line, "# drive_free_extent:"))
	if len(fields) != 3 {
		return
	}
	di, ok := byName[fields[0]]
	if !ok {
		return
	}
	start, err1 := strconv.ParseUint(fields[1], 10, 32)
	cnt, err2 := strconv.ParseUint(fields[2], 10, 32)
	if err1 != nil || err2 != nil {
		return
	}
	s.Drives[di].Alloc.Free(uint32(start), uint32(cnt))
}

// dir|VPATH|MODE|UID|GID|MTIME_SEC|MTIME_NSEC
func loadDirRecord(s *state.State, rest string) {
	f := strings.SplitN(rest, "|", 6)
	if len(f) != 6 {
		return
	}
	mode, _ := strconv.ParseUint(f[1], 8, 32)
	uid, _ := strconv.ParseUint(f[2], 10, 32)
	gid, _ := strconv.ParseUint(f[3], 10, 32)
	sec, _ := strconv.ParseInt(f[4], 10, 64)
	nsec, _ := strconv.ParseInt(f[5], 10, 64)

	m := os.FileMode(mode &^ 0170000)
	if mode == 0 {
		m = os.ModeDir | 0755
	} else if mode&0040000 != 0 {
		m |= os.ModeDir
	}
	s.InsertDir(&state.Dir{
		Vpath:   f[0],
		Mode:    m,
		Uid:     uint32(uid),
		Gid:     uint32(gid),
		ModTime: time.Unix(sec, nsec),
	})
}

// symlink|VPATH|TARGET|MTIME_SEC|MTIME_NSEC|UID|GID
func loadSymlinkRecord(s *state.State, rest string) {
	f := strings.SplitN(rest, "|", 6)
	if len(f) != 6 {
		return
	}
	sec, _ := strconv.ParseInt(f[2], 10, 64)
	nsec, _ := strconv.ParseInt(f[3], 10, 64)
	uid, _ := strconv.ParseUint(f[4], 10, 32)
	gid, _ := strconv.ParseUint(f[5], 10, 32)
	s.InsertSymlink(&state.Symlink{
		Vpath:   f[0],
		Target:  f[1],
		Uid:     uint32(uid),
		Gid:     uint32(gid),
		ModTime: time.Unix(sec, nsec),
	})
}

// file|DRIVE|VPATH|SIZE|POS_START|BLOCKS|MTIME_SEC|MTIME_NSEC[|MODE|UID|GID]
//
// Save always writes the bracketed tail; its absence (old 8-field
// records) is tolerated and falls back to a regular-file default mode.
func loadFileRecord(s *state.State, cfg *config.Config, byName map[string]int, rest string) {
	f := strings.SplitN(rest, "|", 10)
	if len(f) < 7 {
		return
	}
	driveName, vpath := f[0], f[1]
	di, ok := byName[driveName]
	if !ok {
		log.Printf("metadata: unknown drive %q, skipping record for %q", driveName, vpath)
		return
	}

	size, _ := strconv.ParseInt(f[2], 10, 64)
	posStart, _ := strconv.ParseUint(f[3], 10, 32)
	blockCount, _ := strconv.ParseUint(f[4], 10, 32)
	sec, _ := strconv.ParseInt(f[5], 10, 64)
	nsec, _ := strconv.ParseInt(f[6], 10, 64)

	mode := os.FileMode(0644)
	var uid, gid uint64
	if len(f) >= 10 {
		m, _ := strconv.ParseUint(f[7], 8, 32)
		uid, _ = strconv.ParseUint(f[8], 10, 32)
		gid, _ = strconv.ParseUint(f[9], 10, 32)
		if m != 0 {
			mode = os.FileMode(m &^ 0170000)
		}
	}

	rel := vpath
	rel = strings.TrimPrefix(rel, "/")
	realPath := s.Drives[di].Dir + rel

	file := &state.File{
		Vpath:          vpath,
		RealPath:       realPath,
		DriveIdx:       di,
		Size:           size,
		ParityPosStart: uint32(posStart),
		BlockCount:     uint32(blockCount),
		ModTime:        time.Unix(sec, nsec),
		Mode:           mode,
		Uid:            uint32(uid),
		Gid:            uint32(gid),
	}

	if expected := state.BlocksForSize(file.Size, cfg.BlockSize); file.BlockCount != expected {
		log.Printf("metadata: block_count mismatch for %s: stored %d, computed %d", vpath, file.BlockCount, expected)
		file.BlockCount = expected
	}

	if end := file.ParityPosStart + file.BlockCount; end > s.Drives[di].Alloc.NextFree {
		s.Drives[di].Alloc.NextFree = end
	}

	s.InsertFile(file)
}

func warnOverlaps(s *state.State) {
	for i, d := range s.Drives {
		idx := d.PosIndex
		for k := 1; k < len(idx); k++ {
			prevEnd := idx[k-1].PosStart + idx[k-1].BlockCount
			if idx[k].PosStart < prevEnd {
				log.Printf("metadata: WARNING: overlapping parity positions on drive %q: [%d,%d) and [%d,%d) — content file may be corrupt",
					s.Drives[i].Name, idx[k-1].PosStart, prevEnd, idx[k].PosStart, idx[k].PosStart+idx[k].BlockCount)
			}
		}
	}
}

// Save writes the current state to every configured content path,
// atomically (temp file + fsync + rename) per path. It returns the first
// error encountered but still attempts every path.
func Save(s *state.State, cfg *config.Config) error {
	body := render(s, cfg)

	crc := crc32.ChecksumIEEE(body)
	body = append(body, []byte(fmt.Sprintf("# crc32: %08X\n", crc))...)

	var firstErr error
	for _, path := range cfg.ContentPaths {
		if err := writeAtomic(path, body); err != nil {
			log.Printf("metadata: save to %q failed: %v", path, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func render(s *state.State, cfg *config.Config) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# liveraid content\n")
	fmt.Fprintf(&b, "# version: %d\n", formatVersion)
	fmt.Fprintf(&b, "# blocksize: %d\n", cfg.BlockSize)

	for _, d := range s.Drives {
		fmt.Fprintf(&b, "# drive_next_free: %s %d\n", d.Name, d.Alloc.NextFree)
		for _, e := range d.Alloc.Extents {
			fmt.Fprintf(&b, "# drive_free_extent: %s %d %d\n", d.Name, e.Start, e.Count)
		}
	}

	for _, f := range s.Files {
		drive := s.Drives[f.DriveIdx]
		sec := f.ModTime.Unix()
		nsec := f.ModTime.Nanosecond()
		fmt.Fprintf(&b, "file|%s|%s|%d|%d|%d|%d|%d|%o|%d|%d\n",
			drive.Name, f.Vpath, f.Size, f.ParityPosStart, f.BlockCount,
			sec, nsec, uint32(f.Mode.Perm())|uint32(0100000), f.Uid, f.Gid)
	}
	for _, d := range s.Dirs {
		sec := d.ModTime.Unix()
		nsec := d.ModTime.Nanosecond()
		fmt.Fprintf(&b, "dir|%s|%o|%d|%d|%d|%d\n",
			d.Vpath, uint32(d.Mode.Perm())|uint32(0040000), d.Uid, d.Gid, sec, nsec)
	}
	for _, l := range s.Symlinks {
		sec := l.ModTime.Unix()
		nsec := l.ModTime.Nanosecond()
		fmt.Fprintf(&b, "symlink|%s|%s|%d|%d|%d|%d\n", l.Vpath, l.Target, sec, nsec, l.Uid, l.Gid)
	}

	return b.Bytes()
}

func writeAtomic(path string, body []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("open %q: %w", tmp, err)
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %q: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("fsync %q: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %q -> %q: %w", tmp, path, err)
	}
	return nil
}
