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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConf(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "liveraid.conf")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMinimal(t *testing.T) {
	path := writeConf(t, `
# a minimal pool
data a /mnt/a/
data b /mnt/b/
content /var/lib/liveraid/content.db
mountpoint /mnt/pool
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Drives) != 2 {
		t.Fatalf("drives = %d; want 2", len(cfg.Drives))
	}
	if cfg.BlockSize != DefaultBlockSize {
		t.Fatalf("blocksize = %d; want default %d", cfg.BlockSize, DefaultBlockSize)
	}
	if cfg.Placement != MostFree {
		t.Fatalf("placement = %v; want mostfree", cfg.Placement)
	}
	if cfg.ParityThreads != 1 {
		t.Fatalf("parity_threads = %d; want 1", cfg.ParityThreads)
	}
}

func TestLoadParityAndPlacement(t *testing.T) {
	path := writeConf(t, `
data a /mnt/a/
data b /mnt/b/
data c /mnt/c/
parity 1 /mnt/p1/parity.dat
parity 2 /mnt/p2/parity.dat
content /var/lib/liveraid/content.db
mountpoint /mnt/pool
blocksize 64
placement roundrobin
parity_threads 4
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ParityLevels() != 2 {
		t.Fatalf("ParityLevels() = %d; want 2", cfg.ParityLevels())
	}
	if cfg.BlockSize != 64*1024 {
		t.Fatalf("blocksize = %d; want %d", cfg.BlockSize, 64*1024)
	}
	if cfg.Placement != RoundRobin {
		t.Fatalf("placement = %v; want roundrobin", cfg.Placement)
	}
	if cfg.ParityThreads != 4 {
		t.Fatalf("parity_threads = %d; want 4", cfg.ParityThreads)
	}
}

func TestLoadParityGapIsFatal(t *testing.T) {
	path := writeConf(t, `
data a /mnt/a/
parity 2 /mnt/p2/parity.dat
content /var/lib/liveraid/content.db
mountpoint /mnt/pool
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for parity level gap (missing level 1)")
	}
}

func TestLoadMissingMountpointIsFatal(t *testing.T) {
	path := writeConf(t, `
data a /mnt/a/
content /var/lib/liveraid/content.db
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing mountpoint")
	}
}

func TestLoadUnknownDirectiveIgnored(t *testing.T) {
	path := writeConf(t, `
data a /mnt/a/
content /var/lib/liveraid/content.db
mountpoint /mnt/pool
some_future_directive wat
`)
	if _, err := Load(path); err != nil {
		t.Fatalf("unknown directive should be ignored, got: %v", err)
	}
}

func TestLoadBadBlocksizeRejected(t *testing.T) {
	path := writeConf(t, `
data a /mnt/a/
content /var/lib/liveraid/content.db
mountpoint /mnt/pool
blocksize 0
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for zero blocksize")
	}
}

func TestPlacementString(t *testing.T) {
	cases := map[Placement]string{
		MostFree:      "mostfree",
		RoundRobin:    "roundrobin",
		LFS:           "lfs",
		PFRD:          "pfrd",
		Placement(99): "unknown",
	}
	for p, want := range cases {
		if got := p.String(); got != want {
			t.Errorf("Placement(%d).String() = %q; want %q", int(p), got, want)
		}
	}
}

func TestConfigStringIncludesDrives(t *testing.T) {
	cfg := &Config{
		BlockSize:  DefaultBlockSize,
		Mountpoint: "/mnt/pool",
		Drives:     []Drive{{Name: "a", Dir: "/mnt/a/"}},
		Placement:  MostFree,
	}
	s := cfg.String()
	if !strings.Contains(s, "/mnt/a/") || !strings.Contains(s, "/mnt/pool") {
		t.Fatalf("String() missing expected fields: %s", s)
	}
}
