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

// Package rebuild implements the "rebuild one drive" operation used by
// cmd/liveraid-rebuild: first try the running process's control socket
// for a live rebuild, and if nothing is listening, load the pool's
// metadata directly and reconstruct the drive's files offline.
package rebuild

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ryanniemi/liveraid/internal/config"
	"github.com/ryanniemi/liveraid/internal/ctrl"
	"github.com/ryanniemi/liveraid/internal/metadata"
	"github.com/ryanniemi/liveraid/internal/parity"
	"github.com/ryanniemi/liveraid/internal/state"
)

// ErrNoListener is returned by TryLive when no process is listening on
// the pool's control socket; the caller should fall back to Offline.
var ErrNoListener = fmt.Errorf("rebuild: no live control socket listening")

// TryLive attempts a live rebuild of driveName via the control socket
// derived from the config's first content path, streaming the server's
// progress lines to out. It returns (exitCode, nil) on a completed
// attempt, or ErrNoListener if no process is listening.
func TryLive(cfg *config.Config, driveName string, out io.Writer) (int, error) {
	if len(cfg.ContentPaths) == 0 {
		return 0, ErrNoListener
	}

	conn, err := ctrl.Dial(cfg.ContentPaths[0], 2*time.Second)
	if err != nil {
		return 0, ErrNoListener
	}
	defer conn.Close()

	if _, err := fmt.Fprintf(conn, "rebuild %s\n", driveName); err != nil {
		return 0, ErrNoListener
	}

	hadFailures := false
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 1024), 1<<16)
	for sc.Scan() {
		line := sc.Text()
		fmt.Fprintln(out, line)
		switch {
		case strings.HasPrefix(line, "done "):
			var rebuilt, failed int
			fmt.Sscanf(strings.TrimPrefix(line, "done "), "%d %d", &rebuilt, &failed)
			if failed > 0 {
				hadFailures = true
			}
		case strings.HasPrefix(line, "error "):
			hadFailures = true
		}
	}

	if hadFailures {
		return 1, nil
	}
	return 0, nil
}

// Offline loads the pool's metadata with no locking (no other process is
// assumed to be running) and reconstructs every file on driveName from
// parity, writing them back into the drive's directory. Returns the
// number of files rebuilt, the number that failed, and an error only for
// conditions that prevent the whole operation (bad config, unknown
// drive, parity unavailable).
func Offline(cfg *config.Config, driveName string) (rebuilt, failed int, err error) {
	s := state.New(cfg)
	if err := metadata.Load(s, cfg); err != nil {
		return 0, 0, fmt.Errorf("rebuild: load metadata: %w", err)
	}

	driveIdx := -1
	for i, d := range s.Drives {
		if d.Name == driveName {
			driveIdx = i
			break
		}
	}
	if driveIdx < 0 {
		return 0, 0, fmt.Errorf("rebuild: drive %q not found in config", driveName)
	}

	ph, err := parity.Open(cfg)
	if err != nil {
		return 0, 0, fmt.Errorf("rebuild: open parity: %w", err)
	}
	defer ph.Close()

	var files []*state.File
	for _, f := range s.Files {
		if f.DriveIdx == driveIdx {
			files = append(files, f)
		}
	}

	drive := s.Drives[driveIdx]
	log.Printf("rebuild: drive %q (%s) — %d file(s) to reconstruct", drive.Name, drive.Dir, len(files))
	if len(files) == 0 {
		log.Printf("rebuild: nothing to do")
		return 0, 0, nil
	}

	blockSize := int(cfg.BlockSize)
	buf := make([]byte, blockSize)

	for i, f := range files {
		if err := rebuildOneFile(s, ph, driveIdx, f, buf); err != nil {
			failed++
			log.Printf("rebuild: [%d/%d] FAIL %s: %v", i+1, len(files), f.Vpath, err)
		} else {
			rebuilt++
			log.Printf("rebuild: [%d/%d] OK   %s", i+1, len(files), f.Vpath)
		}
	}

	log.Printf("rebuild: complete — %d rebuilt, %d failed", rebuilt, failed)
	return rebuilt, failed, nil
}

func rebuildOneFile(s *state.State, ph *parity.Handle, driveIdx int, f *state.File, buf []byte) error {
	if err := os.MkdirAll(filepath.Dir(f.RealPath), 0755); err != nil {
		return fmt.Errorf("create parent dirs: %w", err)
	}

	createMode := f.Mode.Perm()
	if createMode == 0 {
		createMode = 0644
	}
	out, err := os.OpenFile(f.RealPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, createMode)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}

	blockSize := len(buf)
	ok := true
	for blk := uint32(0); blk < f.BlockCount; blk++ {
		pos := f.ParityPosStart + blk

		if err := ph.RecoverBlock(s, driveIdx, pos, buf); err != nil {
			out.Close()
			os.Remove(f.RealPath)
			return fmt.Errorf("recover block %d: %w", blk, err)
		}

		writeLen := blockSize
		if blk == f.BlockCount-1 && f.Size > 0 {
			if tail := int(f.Size % int64(blockSize)); tail != 0 {
				writeLen = tail
			}
		}
		if _, err := out.WriteAt(buf[:writeLen], int64(blk)*int64(blockSize)); err != nil {
			out.Close()
			os.Remove(f.RealPath)
			ok = false
			return fmt.Errorf("write block %d: %w", blk, err)
		}
	}
	out.Close()
	if !ok {
		return fmt.Errorf("incomplete write")
	}

	if p := f.Mode.Perm(); p != 0 {
		os.Chmod(f.RealPath, p)
	}
	if f.Uid != 0 || f.Gid != 0 {
		os.Lchown(f.RealPath, int(f.Uid), int(f.Gid))
	}
	if !f.ModTime.IsZero() {
		os.Chtimes(f.RealPath, f.ModTime, f.ModTime)
	}
	return nil
}
