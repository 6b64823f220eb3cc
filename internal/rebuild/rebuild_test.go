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

package rebuild

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/ryanniemi/liveraid/internal/config"
	"github.com/ryanniemi/liveraid/internal/ctrl"
	"github.com/ryanniemi/liveraid/internal/metadata"
	"github.com/ryanniemi/liveraid/internal/parity"
	"github.com/ryanniemi/liveraid/internal/state"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{BlockSize: 64, Placement: config.MostFree}
	for i := 0; i < 3; i++ {
		driveDir := filepath.Join(dir, string(rune('a'+i))) + "/"
		os.MkdirAll(driveDir, 0755)
		cfg.Drives = append(cfg.Drives, config.Drive{Name: string(rune('a' + i)), Dir: driveDir})
	}
	cfg.ParityPaths = []string{filepath.Join(dir, "parity0")}
	cfg.ContentPaths = []string{filepath.Join(dir, "content.db")}
	return cfg
}

func TestOfflineUnknownDrive(t *testing.T) {
	cfg := testConfig(t)
	if _, _, err := Offline(cfg, "nosuchdrive"); err == nil {
		t.Fatal("expected error for unknown drive")
	}
}

func TestOfflineNothingToDo(t *testing.T) {
	cfg := testConfig(t)
	rebuilt, failed, err := Offline(cfg, "a")
	if err != nil {
		t.Fatal(err)
	}
	if rebuilt != 0 || failed != 0 {
		t.Fatalf("rebuilt=%d failed=%d; want 0,0", rebuilt, failed)
	}
}

func TestOfflineRecoversFile(t *testing.T) {
	cfg := testConfig(t)

	s := state.New(cfg)
	ph, err := parity.Open(cfg)
	if err != nil {
		t.Fatal(err)
	}

	content := make([]byte, 64)
	for i := range content {
		content[i] = byte(i * 3)
	}
	realPath := filepath.Join(s.Drives[0].Dir, "f0")
	os.WriteFile(realPath, content, 0644)

	s.Lock()
	s.InsertFile(&state.File{Vpath: "/f0", RealPath: realPath, DriveIdx: 0, Size: 64, BlockCount: 1, Mode: 0644})
	s.RebuildPosIndex(0)
	s.Drives[0].Alloc.Allocate(1)
	s.RebuildPosIndex(1)
	s.RebuildPosIndex(2)
	s.Unlock()

	if err := ph.UpdatePosition(s, 0); err != nil {
		t.Fatalf("seed parity: %v", err)
	}
	ph.Close()
	if err := metadata.Save(s, cfg); err != nil {
		t.Fatalf("save metadata: %v", err)
	}

	os.Remove(realPath) // simulate drive loss

	rebuilt, failed, err := Offline(cfg, "a")
	if err != nil {
		t.Fatal(err)
	}
	if rebuilt != 1 || failed != 0 {
		t.Fatalf("rebuilt=%d failed=%d; want 1,0", rebuilt, failed)
	}

	restored, err := os.ReadFile(realPath)
	if err != nil {
		t.Fatalf("file not restored: %v", err)
	}
	if !bytes.Equal(restored, content) {
		t.Fatal("restored content mismatch")
	}
}

func TestTryLiveNoListener(t *testing.T) {
	cfg := testConfig(t)
	var out bytes.Buffer
	_, err := TryLive(cfg, "a", &out)
	if err != ErrNoListener {
		t.Fatalf("err = %v; want ErrNoListener", err)
	}
}

func TestTryLiveSucceeds(t *testing.T) {
	cfg := testConfig(t)
	s := state.New(cfg)
	ph, err := parity.Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer ph.Close()

	srv, err := ctrl.Start(s, ph, cfg.ContentPaths[0])
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Stop()

	var out bytes.Buffer
	code, err := TryLive(cfg, "a", &out)
	if err != nil {
		t.Fatalf("TryLive: %v", err)
	}
	if code != 0 {
		t.Fatalf("code = %d; want 0 (no files to rebuild, no failures)", code)
	}
	if out.Len() == 0 {
		t.Fatal("expected streamed progress output")
	}
}
