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

package parity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ryanniemi/liveraid/internal/config"
	"github.com/ryanniemi/liveraid/internal/state"
)

func testSetup(t *testing.T, ndrives, nparity int) (*config.Config, *state.State, *Handle) {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{
		BlockSize: 64,
		Placement: config.MostFree,
	}
	for i := 0; i < ndrives; i++ {
		driveDir := filepath.Join(dir, string(rune('a'+i))) + "/"
		os.MkdirAll(driveDir, 0755)
		cfg.Drives = append(cfg.Drives, config.Drive{Name: string(rune('a' + i)), Dir: driveDir})
	}
	for i := 0; i < nparity; i++ {
		cfg.ParityPaths = append(cfg.ParityPaths, filepath.Join(dir, "parity"+string(rune('0'+i))))
	}

	s := state.New(cfg)
	h, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(h.Close)
	return cfg, s, h
}

func writeDataFile(t *testing.T, s *state.State, driveIdx int, vpath string, content []byte, posStart uint32, blockSize uint32) {
	t.Helper()
	drive := s.Drives[driveIdx]
	realPath := filepath.Join(drive.Dir, filepath.Base(vpath))
	if err := os.WriteFile(realPath, content, 0644); err != nil {
		t.Fatal(err)
	}
	blocks := state.BlocksForSize(int64(len(content)), blockSize)
	s.InsertFile(&state.File{
		Vpath:          vpath,
		RealPath:       realPath,
		DriveIdx:       driveIdx,
		Size:           int64(len(content)),
		ParityPosStart: posStart,
		BlockCount:     blocks,
	})
	s.RebuildPosIndex(driveIdx)
	s.Drives[driveIdx].Alloc.Allocate(blocks)
}

func TestUpdateAndRecoverSingleFailure(t *testing.T) {
	const blockSize = 64
	_, s, h := testSetup(t, 4, 2)

	contents := make([][]byte, 4)
	for i := range contents {
		buf := make([]byte, blockSize)
		for j := range buf {
			buf[j] = byte(i*17 + j)
		}
		contents[i] = buf
		writeDataFile(t, s, i, "/f"+string(rune('0'+i)), buf, 0, blockSize)
	}

	s.RLock()
	if err := h.UpdatePosition(s, 0); err != nil {
		t.Fatalf("UpdatePosition: %v", err)
	}
	s.RUnlock()

	// Simulate drive 1 failing: delete its backing file.
	f1 := s.FindFile("/f1")
	if err := os.Remove(f1.RealPath); err != nil {
		t.Fatal(err)
	}

	out := make([]byte, blockSize)
	s.RLock()
	err := h.RecoverBlock(s, 1, 0, out)
	s.RUnlock()
	if err != nil {
		t.Fatalf("RecoverBlock: %v", err)
	}
	if string(out) != string(contents[1]) {
		t.Fatalf("recovered block mismatch:\n got  %v\n want %v", out, contents[1])
	}
}

func TestScrubDetectsMismatch(t *testing.T) {
	const blockSize = 64
	_, s, h := testSetup(t, 3, 1)

	for i := 0; i < 3; i++ {
		buf := make([]byte, blockSize)
		buf[0] = byte(i + 1)
		writeDataFile(t, s, i, "/f"+string(rune('0'+i)), buf, 0, blockSize)
	}

	s.RLock()
	if err := h.UpdatePosition(s, 0); err != nil {
		t.Fatalf("UpdatePosition: %v", err)
	}
	s.RUnlock()

	result, err := h.Scrub(s, false)
	if err != nil {
		t.Fatal(err)
	}
	if result.ParityMismatches != 0 {
		t.Fatalf("fresh parity reported %d mismatches; want 0", result.ParityMismatches)
	}

	// Corrupt a data file after parity was written.
	f0 := s.FindFile("/f0")
	corrupt := make([]byte, blockSize)
	corrupt[5] = 0xFF
	if err := os.WriteFile(f0.RealPath, corrupt, 0644); err != nil {
		t.Fatal(err)
	}

	result, err = h.Scrub(s, true)
	if err != nil {
		t.Fatal(err)
	}
	if result.ParityMismatches != 1 {
		t.Fatalf("ParityMismatches = %d; want 1", result.ParityMismatches)
	}
	if result.ParityFixed != 1 {
		t.Fatalf("ParityFixed = %d; want 1", result.ParityFixed)
	}
}
