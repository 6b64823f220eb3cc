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

package fsadapter

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"bazil.org/fuse"

	"github.com/ryanniemi/liveraid/internal/config"
	"github.com/ryanniemi/liveraid/internal/parity"
	"github.com/ryanniemi/liveraid/internal/state"
)

func testFS(t *testing.T) *FS {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{BlockSize: 64, Placement: config.MostFree}
	for i := 0; i < 2; i++ {
		driveDir := filepath.Join(dir, string(rune('a'+i))) + "/"
		os.MkdirAll(driveDir, 0755)
		cfg.Drives = append(cfg.Drives, config.Drive{Name: string(rune('a' + i)), Dir: driveDir})
	}

	s := state.New(cfg)
	ph, err := parity.Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(ph.Close)

	return &FS{State: s, Parity: ph}
}

func TestRootAttr(t *testing.T) {
	f := testFS(t)
	root, err := f.Root()
	if err != nil {
		t.Fatal(err)
	}
	var a fuse.Attr
	if err := root.(*Node).Attr(context.Background(), &a); err != nil {
		t.Fatal(err)
	}
	if !a.Mode.IsDir() {
		t.Fatalf("root mode = %v; want directory", a.Mode)
	}
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	f := testFS(t)
	root, _ := f.Root()
	n := root.(*Node)

	_, h, err := n.Create(context.Background(), &fuse.CreateRequest{Name: "hello", Flags: fuse.OpenReadWrite, Mode: 0644}, &fuse.CreateResponse{})
	if err != nil {
		t.Fatal(err)
	}
	handle := h.(*Handle)

	data := []byte("hello, pool")
	wresp := &fuse.WriteResponse{}
	if err := handle.Write(context.Background(), &fuse.WriteRequest{Data: data, Offset: 0}, wresp); err != nil {
		t.Fatal(err)
	}
	if wresp.Size != len(data) {
		t.Fatalf("wrote %d; want %d", wresp.Size, len(data))
	}

	rresp := &fuse.ReadResponse{}
	if err := handle.Read(context.Background(), &fuse.ReadRequest{Offset: 0, Size: len(data)}, rresp); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(rresp.Data, data) {
		t.Fatalf("read %q; want %q", rresp.Data, data)
	}

	if err := handle.Release(context.Background(), &fuse.ReleaseRequest{}); err != nil {
		t.Fatal(err)
	}

	child, err := n.Lookup(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Lookup after create: %v", err)
	}
	var a fuse.Attr
	if err := child.(*Node).Attr(context.Background(), &a); err != nil {
		t.Fatal(err)
	}
	if a.Size != uint64(len(data)) {
		t.Fatalf("size = %d; want %d", a.Size, len(data))
	}
}

func TestMkdirAndLookup(t *testing.T) {
	f := testFS(t)
	root, _ := f.Root()
	n := root.(*Node)

	child, err := n.Mkdir(context.Background(), &fuse.MkdirRequest{Name: "sub", Mode: 0755})
	if err != nil {
		t.Fatal(err)
	}
	var a fuse.Attr
	if err := child.(*Node).Attr(context.Background(), &a); err != nil {
		t.Fatal(err)
	}
	if !a.Mode.IsDir() {
		t.Fatalf("sub mode = %v; want directory", a.Mode)
	}

	if _, err := n.Lookup(context.Background(), "sub"); err != nil {
		t.Fatalf("Lookup(sub): %v", err)
	}
}

func TestSymlinkAndReadlink(t *testing.T) {
	f := testFS(t)
	root, _ := f.Root()
	n := root.(*Node)

	child, err := n.Symlink(context.Background(), &fuse.SymlinkRequest{NewName: "link", Target: "/hello"})
	if err != nil {
		t.Fatal(err)
	}
	target, err := child.(*Node).Readlink(context.Background(), &fuse.ReadlinkRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if target != "/hello" {
		t.Fatalf("target = %q; want /hello", target)
	}
}

func TestRemoveFile(t *testing.T) {
	f := testFS(t)
	root, _ := f.Root()
	n := root.(*Node)

	_, h, err := n.Create(context.Background(), &fuse.CreateRequest{Name: "doomed", Mode: 0644}, &fuse.CreateResponse{})
	if err != nil {
		t.Fatal(err)
	}
	h.(*Handle).Release(context.Background(), &fuse.ReleaseRequest{})

	if err := n.Remove(context.Background(), &fuse.RemoveRequest{Name: "doomed"}); err != nil {
		t.Fatal(err)
	}
	if _, err := n.Lookup(context.Background(), "doomed"); err == nil {
		t.Fatal("expected ENOENT after remove")
	}
}

func TestRenameFile(t *testing.T) {
	f := testFS(t)
	root, _ := f.Root()
	n := root.(*Node)

	_, h, err := n.Create(context.Background(), &fuse.CreateRequest{Name: "old", Mode: 0644}, &fuse.CreateResponse{})
	if err != nil {
		t.Fatal(err)
	}
	h.(*Handle).Release(context.Background(), &fuse.ReleaseRequest{})

	if err := n.Rename(context.Background(), &fuse.RenameRequest{OldName: "old", NewName: "new"}, n); err != nil {
		t.Fatal(err)
	}
	if _, err := n.Lookup(context.Background(), "old"); err == nil {
		t.Fatal("old name should be gone")
	}
	if _, err := n.Lookup(context.Background(), "new"); err != nil {
		t.Fatalf("Lookup(new): %v", err)
	}
}

func TestRenameDirReKeysChildren(t *testing.T) {
	f := testFS(t)
	root, _ := f.Root()
	n := root.(*Node)

	sub, err := n.Mkdir(context.Background(), &fuse.MkdirRequest{Name: "olddir", Mode: 0755})
	if err != nil {
		t.Fatal(err)
	}
	subNode := sub.(*Node)

	_, h, err := subNode.Create(context.Background(), &fuse.CreateRequest{Name: "inside", Flags: fuse.OpenReadWrite, Mode: 0644}, &fuse.CreateResponse{})
	if err != nil {
		t.Fatal(err)
	}
	handle := h.(*Handle)
	data := []byte("nested")
	if err := handle.Write(context.Background(), &fuse.WriteRequest{Data: data, Offset: 0}, &fuse.WriteResponse{}); err != nil {
		t.Fatal(err)
	}
	handle.Release(context.Background(), &fuse.ReleaseRequest{})

	if err := n.Rename(context.Background(), &fuse.RenameRequest{OldName: "olddir", NewName: "newdir"}, n); err != nil {
		t.Fatal(err)
	}

	if _, err := n.Lookup(context.Background(), "olddir"); err == nil {
		t.Fatal("old directory name should be gone")
	}

	newSub, err := n.Lookup(context.Background(), "newdir")
	if err != nil {
		t.Fatalf("Lookup(newdir): %v", err)
	}
	newSubNode := newSub.(*Node)

	child, err := newSubNode.Lookup(context.Background(), "inside")
	if err != nil {
		t.Fatalf("Lookup(newdir/inside): %v", err)
	}
	childHandle, err := child.(*Node).Open(context.Background(), &fuse.OpenRequest{}, &fuse.OpenResponse{})
	if err != nil {
		t.Fatal(err)
	}
	rresp := &fuse.ReadResponse{}
	if err := childHandle.(*Handle).Read(context.Background(), &fuse.ReadRequest{Offset: 0, Size: len(data)}, rresp); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(rresp.Data, data) {
		t.Fatalf("read %q after rename; want %q", rresp.Data, data)
	}
}
