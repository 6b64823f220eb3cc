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

package metadata

import (
	"fmt"
	"hash/crc32"
	"path/filepath"
	"testing"
	"time"

	"github.com/ryanniemi/liveraid/internal/config"
	"github.com/ryanniemi/liveraid/internal/state"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Drives: []config.Drive{
			{Name: "d0", Dir: filepath.Join(dir, "d0") + "/"},
			{Name: "d1", Dir: filepath.Join(dir, "d1") + "/"},
		},
		ContentPaths: []string{filepath.Join(dir, "content.db")},
		BlockSize:    4096,
		Placement:    config.MostFree,
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	s := state.New(cfg)

	now := time.Unix(1700000000, 123)
	s.InsertFile(&state.File{
		Vpath:          "/a/movie.mkv",
		DriveIdx:       0,
		Size:           9000,
		ParityPosStart: 0,
		BlockCount:     state.BlocksForSize(9000, cfg.BlockSize),
		ModTime:        now,
		Mode:           0644,
		Uid:            1000,
		Gid:            1000,
	})
	s.InsertDir(&state.Dir{Vpath: "/a", Mode: 0755, ModTime: now})
	s.InsertSymlink(&state.Symlink{Vpath: "/link", Target: "/a/movie.mkv", ModTime: now})
	s.Drives[0].Alloc.Allocate(3)
	s.Drives[0].Alloc.Free(1, 1)

	if err := Save(s, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := state.New(cfg)
	if err := Load(loaded, cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}

	f := loaded.FindFile("/a/movie.mkv")
	if f == nil {
		t.Fatal("file record not found after round trip")
	}
	if f.Size != 9000 || f.BlockCount != state.BlocksForSize(9000, cfg.BlockSize) {
		t.Errorf("file fields mismatch: %+v", f)
	}
	if f.Uid != 1000 || f.Gid != 1000 {
		t.Errorf("uid/gid not preserved: %+v", f)
	}

	if loaded.FindDir("/a") == nil {
		t.Error("dir record not found after round trip")
	}
	if sl := loaded.FindSymlink("/link"); sl == nil || sl.Target != "/a/movie.mkv" {
		t.Errorf("symlink record not found/wrong after round trip: %+v", sl)
	}

	if loaded.Drives[0].Alloc.NextFree != s.Drives[0].Alloc.NextFree {
		t.Errorf("NextFree = %d; want %d", loaded.Drives[0].Alloc.NextFree, s.Drives[0].Alloc.NextFree)
	}
}

func TestLoadMissingContentFileIsNotError(t *testing.T) {
	cfg := testConfig(t)
	s := state.New(cfg)
	if err := Load(s, cfg); err != nil {
		t.Fatalf("Load with no content file = %v; want nil", err)
	}
	if len(s.Files) != 0 {
		t.Fatalf("expected empty state, got %d files", len(s.Files))
	}
}

func TestLoadOldEightFieldFileRecord(t *testing.T) {
	cfg := testConfig(t)
	crcBody := []byte("file|d0|/old.txt|100|0|1|1700000000|0\n")
	footer := fmt.Sprintf("# crc32: %08X\n", crc32.ChecksumIEEE(crcBody))
	path := cfg.ContentPaths[0]
	if err := writeAtomic(path, append(crcBody, []byte(footer)...)); err != nil {
		t.Fatal(err)
	}

	s := state.New(cfg)
	if err := Load(s, cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	f := s.FindFile("/old.txt")
	if f == nil {
		t.Fatal("old-format file record not loaded")
	}
	if f.Mode.Perm() != 0644 {
		t.Errorf("old-format file mode = %v; want 0644 default", f.Mode)
	}
}
