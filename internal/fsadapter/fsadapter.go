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

// Package fsadapter binds the pool's state, parity and journal to
// bazil.org/fuse's fs.FS/fs.Node/fs.Handle interfaces. Unlike a tree of
// long-lived per-object nodes, every Node here is a thin, stateless
// pointer to a vpath: each call re-resolves the file/dir/symlink tables
// under the appropriate lock, the same way the original C FUSE callbacks
// look vpath up fresh on every request.
package fsadapter

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"

	"github.com/ryanniemi/liveraid/internal/journal"
	"github.com/ryanniemi/liveraid/internal/parity"
	"github.com/ryanniemi/liveraid/internal/state"
)

// FS is the root of the mounted filesystem.
type FS struct {
	State   *state.State
	Parity  *parity.Handle
	Journal *journal.Journal
}

var (
	_ fs.FS         = (*FS)(nil)
	_ fs.FSStatfser = (*FS)(nil)
)

func (f *FS) Root() (fs.Node, error) {
	return &Node{fs: f, vpath: "/"}, nil
}

// Statfs implements fs.FSStatfser, aggregating free/used space across
// every configured data drive.
func (f *FS) Statfs(ctx context.Context, req *fuse.StatfsRequest, resp *fuse.StatfsResponse) error {
	s := f.State
	s.RLock()
	dirs := make([]string, len(s.Drives))
	for i, d := range s.Drives {
		dirs[i] = d.Dir
	}
	s.RUnlock()

	var total, free, avail uint64
	var bsize uint32 = 4096
	for _, dir := range dirs {
		var sv syscall.Statfs_t
		if err := syscall.Statfs(dir, &sv); err != nil {
			continue
		}
		bsize = uint32(sv.Bsize)
		total += uint64(sv.Blocks)
		free += uint64(sv.Bfree)
		avail += uint64(sv.Bavail)
	}

	resp.Bsize = bsize
	resp.Blocks = total
	resp.Bfree = free
	resp.Bavail = avail
	resp.Namelen = 255
	return nil
}

// Node represents a vpath that may currently be a real file, a recorded
// directory, a symlink, or a directory that only exists implicitly
// because something lives underneath it.
type Node struct {
	fs    *FS
	vpath string
}

var (
	_ fs.Node               = (*Node)(nil)
	_ fs.NodeStringLookuper = (*Node)(nil)
	_ fs.HandleReadDirAller = (*Node)(nil)
	_ fs.NodeCreater        = (*Node)(nil)
	_ fs.NodeMkdirer        = (*Node)(nil)
	_ fs.NodeRemover        = (*Node)(nil)
	_ fs.NodeRenamer        = (*Node)(nil)
	_ fs.NodeOpener         = (*Node)(nil)
	_ fs.NodeSetattrer      = (*Node)(nil)
	_ fs.NodeSymlinker      = (*Node)(nil)
	_ fs.NodeReadlinker     = (*Node)(nil)
	_ fs.NodeFsyncer        = (*Node)(nil)
)

func realPathOnDrive(s *state.State, driveIdx int, vpath string) string {
	rel := strings.TrimPrefix(vpath, "/")
	if rel == "" {
		return s.Drives[driveIdx].Dir
	}
	return filepath.Join(s.Drives[driveIdx].Dir, rel)
}

// isVirtualDir reports whether vpath is a prefix of some file's vpath.
// Caller must hold the state read lock.
func isVirtualDir(s *state.State, vpath string) bool {
	if vpath == "/" {
		return true
	}
	for p := range s.Files {
		if strings.HasPrefix(p, vpath) {
			rest := p[len(vpath):]
			if rest == "" || rest[0] == '/' {
				return true
			}
		}
	}
	for p := range s.Symlinks {
		if strings.HasPrefix(p, vpath) {
			rest := p[len(vpath):]
			if rest == "" || rest[0] == '/' {
				return true
			}
		}
	}
	return false
}

// isAnyDir reports whether vpath is a directory: either virtual, or a
// real directory on at least one drive. Caller must hold the read lock.
func isAnyDir(s *state.State, vpath string) bool {
	if isVirtualDir(s, vpath) {
		return true
	}
	for i := range s.Drives {
		st, err := os.Lstat(realPathOnDrive(s, i, vpath))
		if err == nil && st.IsDir() {
			return true
		}
	}
	return false
}

// mkdirsFor creates the parent directory chain for realFilePath on
// driveIdx, inheriting each component's mode from the same directory on
// another drive when one exists. Caller must hold at least the read lock.
func mkdirsFor(s *state.State, driveIdx int, realFilePath string) {
	parent := filepath.Dir(realFilePath)
	driveDir := filepath.Clean(s.Drives[driveIdx].Dir)

	rel, err := filepath.Rel(driveDir, parent)
	if err != nil || rel == "." {
		return
	}

	var built string = driveDir
	for _, comp := range strings.Split(rel, string(filepath.Separator)) {
		built = filepath.Join(built, comp)
		if _, err := os.Lstat(built); err == nil {
			continue
		}
		mode := os.FileMode(0755)
		vsub := "/" + strings.TrimPrefix(strings.TrimPrefix(built, driveDir), "/")
		for i := range s.Drives {
			if i == driveIdx {
				continue
			}
			other := realPathOnDrive(s, i, vsub)
			if st, err := os.Lstat(other); err == nil && st.IsDir() {
				mode = st.Mode().Perm()
				break
			}
		}
		os.Mkdir(built, mode)
	}
}

func join(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

// Attr implements fs.Node.
func (n *Node) Attr(ctx context.Context, a *fuse.Attr) error {
	s := n.fs.State
	s.RLock()
	defer s.RUnlock()

	if n.vpath == "/" {
		for i := range s.Drives {
			if st, err := os.Lstat(realPathOnDrive(s, i, "/")); err == nil && st.IsDir() {
				fillAttrFromOS(a, st)
				a.Nlink = 2
				return nil
			}
		}
		a.Mode = os.ModeDir | 0755
		a.Nlink = 2
		return nil
	}

	if f := s.FindFile(n.vpath); f != nil {
		if st, err := os.Lstat(f.RealPath); err == nil {
			fillAttrFromOS(a, st)
		} else {
			a.Mode = f.Mode
			if a.Mode == 0 {
				a.Mode = 0644
			}
			a.Nlink = 1
			a.Size = uint64(f.Size)
			a.Uid = f.Uid
			a.Gid = f.Gid
			a.Mtime = f.ModTime
		}
		return nil
	}

	if l := s.FindSymlink(n.vpath); l != nil {
		a.Mode = os.ModeSymlink | 0777
		a.Nlink = 1
		a.Uid = l.Uid
		a.Gid = l.Gid
		a.Mtime = l.ModTime
		a.Size = uint64(len(l.Target))
		return nil
	}

	if isAnyDir(s, n.vpath) {
		if d := s.FindDir(n.vpath); d != nil {
			a.Mode = os.ModeDir | d.Mode.Perm()
			a.Nlink = 2
			a.Uid = d.Uid
			a.Gid = d.Gid
			a.Mtime = d.ModTime
			return nil
		}
		for i := range s.Drives {
			if st, err := os.Lstat(realPathOnDrive(s, i, n.vpath)); err == nil && st.IsDir() {
				fillAttrFromOS(a, st)
				a.Nlink = 2
				return nil
			}
		}
		a.Mode = os.ModeDir | 0755
		a.Nlink = 2
		return nil
	}

	return syscall.ENOENT
}

func fillAttrFromOS(a *fuse.Attr, st os.FileInfo) {
	a.Size = uint64(st.Size())
	a.Mode = st.Mode()
	a.Mtime = st.ModTime()
	if sysStat, ok := st.Sys().(*syscall.Stat_t); ok {
		a.Uid = sysStat.Uid
		a.Gid = sysStat.Gid
		a.Nlink = uint32(sysStat.Nlink)
		a.Inode = sysStat.Ino
	}
}

// Lookup implements fs.NodeStringLookuper.
func (n *Node) Lookup(ctx context.Context, name string) (fs.Node, error) {
	child := join(n.vpath, name)

	s := n.fs.State
	s.RLock()
	defer s.RUnlock()

	if s.FindFile(child) != nil || s.FindSymlink(child) != nil || isAnyDir(s, child) {
		return &Node{fs: n.fs, vpath: child}, nil
	}
	return nil, syscall.ENOENT
}

// ReadDirAll implements fs.HandleReadDirAller.
func (n *Node) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	s := n.fs.State
	prefix := n.vpath

	seen := make(map[string]bool)
	var ents []fuse.Dirent

	addName := func(name string, typ fuse.DirentType) {
		if seen[name] {
			return
		}
		seen[name] = true
		ents = append(ents, fuse.Dirent{Name: name, Type: typ})
	}

	s.RLock()
	for vp := range s.Files {
		if name, ok := directChild(prefix, vp); ok {
			addName(name, fuse.DT_File)
		}
	}
	for vp := range s.Symlinks {
		if name, ok := directChild(prefix, vp); ok {
			addName(name, fuse.DT_Link)
		}
	}
	driveCount := len(s.Drives)
	s.RUnlock()

	for i := 0; i < driveCount; i++ {
		s.RLock()
		real := realPathOnDrive(s, i, prefix)
		s.RUnlock()

		entries, err := os.ReadDir(real)
		if err != nil {
			continue
		}
		for _, de := range entries {
			if de.IsDir() {
				addName(de.Name(), fuse.DT_Dir)
			}
		}
	}

	return ents, nil
}

// directChild returns (name, true) if vp is a direct child of prefix.
func directChild(prefix, vp string) (string, bool) {
	if !strings.HasPrefix(vp, prefix) {
		return "", false
	}
	rest := vp[len(prefix):]
	if prefix != "/" {
		if rest == "" || rest[0] != '/' {
			return "", false
		}
		rest = rest[1:]
	} else {
		rest = strings.TrimPrefix(rest, "/")
	}
	if rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}

// Handle is an open file: either a real file descriptor, or the
// dead-drive sentinel that routes reads through parity recovery.
type Handle struct {
	fs    *FS
	vpath string

	mu   sync.Mutex
	file *os.File // nil if the drive holding this file is unreadable
}

var (
	_ fs.Handle         = (*Handle)(nil)
	_ fs.HandleReader   = (*Handle)(nil)
	_ fs.HandleWriter   = (*Handle)(nil)
	_ fs.HandleFlusher  = (*Handle)(nil)
	_ fs.HandleReleaser = (*Handle)(nil)
)

// Open implements fs.NodeOpener.
func (n *Node) Open(ctx context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fs.Handle, error) {
	s := n.fs.State
	s.Lock()
	f := s.FindFile(n.vpath)
	if f == nil {
		s.Unlock()
		return nil, syscall.ENOENT
	}
	realPath := f.RealPath
	hasParity := n.fs.Parity != nil && n.fs.Parity.Levels() > 0
	f.OpenCount++
	s.Unlock()

	flags := int(req.Flags) &^ os.O_CREATE
	fh, err := os.OpenFile(realPath, flags, 0)
	if err == nil {
		return &Handle{fs: n.fs, vpath: n.vpath, file: fh}, nil
	}

	if req.Flags.IsReadOnly() && hasParity {
		return &Handle{fs: n.fs, vpath: n.vpath, file: nil}, nil
	}

	s.Lock()
	if f2 := s.FindFile(n.vpath); f2 != nil && f2.OpenCount > 0 {
		f2.OpenCount--
	}
	s.Unlock()
	return nil, err
}

// Read implements fs.HandleReader, recovering transparently through
// parity when the backing drive is unreadable or returns EIO.
func (h *Handle) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.file != nil {
		buf := make([]byte, req.Size)
		n, err := h.file.ReadAt(buf, req.Offset)
		if err == nil || n > 0 {
			resp.Data = buf[:n]
			return nil
		}
		if pathErr, ok := err.(*os.PathError); !ok || pathErr.Err != syscall.EIO {
			if err.Error() != "EOF" {
				return err
			}
			resp.Data = buf[:0]
			return nil
		}
	}

	return h.recoverRead(req, resp)
}

func (h *Handle) recoverRead(req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	s := h.fs.State
	s.RLock()
	defer s.RUnlock()

	f := s.FindFile(h.vpath)
	if f == nil || h.fs.Parity == nil || h.fs.Parity.Levels() == 0 {
		return syscall.EIO
	}

	blockSize := int64(s.Cfg.BlockSize)
	offset := req.Offset
	size := int64(req.Size)
	if offset >= f.Size {
		resp.Data = nil
		return nil
	}
	if offset+size > f.Size {
		size = f.Size - offset
	}

	firstBlk := uint32(offset / blockSize)
	lastBlk := uint32((offset + size - 1) / blockSize)

	tmp := make([]byte, blockSize)
	out := make([]byte, 0, size)
	for blk := firstBlk; blk <= lastBlk && blk < f.BlockCount; blk++ {
		pos := f.ParityPosStart + blk
		if err := h.fs.Parity.RecoverBlock(s, f.DriveIdx, pos, tmp); err != nil {
			if len(out) > 0 {
				break
			}
			return syscall.EIO
		}
		blkBase := int64(blk) * blockSize
		copyStart := int64(0)
		if offset > blkBase {
			copyStart = offset - blkBase
		}
		copyLen := blockSize - copyStart
		if want := size - int64(len(out)); copyLen > want {
			copyLen = want
		}
		out = append(out, tmp[copyStart:copyStart+copyLen]...)
	}
	resp.Data = out
	return nil
}

// Write implements fs.HandleWriter.
func (h *Handle) Write(ctx context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.file == nil {
		return syscall.EIO
	}
	n, err := h.file.WriteAt(req.Data, req.Offset)
	if err != nil {
		return err
	}

	newEnd := req.Offset + int64(n)

	s := h.fs.State
	s.Lock()
	f := s.FindFile(h.vpath)
	if f != nil {
		bs := s.Cfg.BlockSize
		oldBlocks := f.BlockCount
		sizeForBlocks := f.Size
		if newEnd > sizeForBlocks {
			sizeForBlocks = newEnd
		}
		newBlocks := state.BlocksForSize(sizeForBlocks, bs)

		var dirtyStart, dirtyCount uint32
		pa := &s.Drives[f.DriveIdx].Alloc
		if newBlocks > oldBlocks {
			switch {
			case oldBlocks == 0:
				start, _ := pa.Allocate(newBlocks)
				f.ParityPosStart = start
				dirtyStart, dirtyCount = start, newBlocks
			case f.ParityPosStart+oldBlocks == pa.NextFree:
				dirtyStart = f.ParityPosStart + oldBlocks
				dirtyCount = newBlocks - oldBlocks
				pa.NextFree += dirtyCount
			default:
				pa.Free(f.ParityPosStart, oldBlocks)
				start, _ := pa.Allocate(newBlocks)
				f.ParityPosStart = start
				dirtyStart, dirtyCount = start, newBlocks
			}
			f.BlockCount = newBlocks
			s.RebuildPosIndex(f.DriveIdx)
		}

		if newEnd > f.Size {
			f.Size = newEnd
		}

		if f.BlockCount > 0 && h.fs.Journal != nil {
			if dirtyCount > 0 {
				h.fs.Journal.MarkDirtyRange(dirtyStart, dirtyCount)
			}
			firstBlk := uint32(req.Offset / int64(bs))
			lastBlk := uint32((req.Offset + int64(n) - 1) / int64(bs))
			if lastBlk < f.BlockCount {
				h.fs.Journal.MarkDirtyRange(f.ParityPosStart+firstBlk, lastBlk-firstBlk+1)
			}
		}
	}
	s.Unlock()

	resp.Size = n
	return nil
}

// Flush implements fs.HandleFlusher. The real durability work happens in
// Fsync; Flush is a no-op, matching the original callback.
func (h *Handle) Flush(ctx context.Context, req *fuse.FlushRequest) error {
	return nil
}

// Release implements fs.HandleReleaser.
func (h *Handle) Release(ctx context.Context, req *fuse.ReleaseRequest) error {
	s := h.fs.State
	s.Lock()
	if f := s.FindFile(h.vpath); f != nil && f.OpenCount > 0 {
		f.OpenCount--
	}
	s.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file != nil {
		return h.file.Close()
	}
	return nil
}

// Fsync implements fs.NodeFsyncer: syncs the real file's data, then flushes
// any dirty parity positions covering it so the durability guarantee
// extends to parity.
func (n *Node) Fsync(ctx context.Context, req *fuse.FsyncRequest) error {
	s := n.fs.State
	s.RLock()
	f := s.FindFile(n.vpath)
	s.RUnlock()
	if f == nil {
		return nil
	}

	if fh, err := os.OpenFile(f.RealPath, os.O_WRONLY, 0); err == nil {
		fh.Sync()
		fh.Close()
	}

	if n.fs.Journal != nil {
		if f.BlockCount > 0 {
			n.fs.Journal.MarkDirtyRange(f.ParityPosStart, f.BlockCount)
		}
		n.fs.Journal.Flush()
	}
	return nil
}

// Create implements fs.NodeCreater.
func (n *Node) Create(ctx context.Context, req *fuse.CreateRequest, resp *fuse.CreateResponse) (fs.Node, fs.Handle, error) {
	child := join(n.vpath, req.Name)
	s := n.fs.State
	s.Lock()
	defer s.Unlock()

	if f := s.FindFile(child); f != nil {
		fh, err := os.OpenFile(f.RealPath, int(req.Flags), req.Mode.Perm())
		if err != nil {
			return nil, nil, err
		}
		f.OpenCount++
		return &Node{fs: n.fs, vpath: child}, &Handle{fs: n.fs, vpath: child, file: fh}, nil
	}

	driveIdx, err := s.PickDrive()
	if err != nil {
		return nil, nil, syscall.ENOSPC
	}

	real := realPathOnDrive(s, driveIdx, child)
	mkdirsFor(s, driveIdx, real)

	fh, err := os.OpenFile(real, int(req.Flags)|os.O_CREATE, req.Mode.Perm())
	if err != nil {
		return nil, nil, err
	}

	posStart, _ := s.Drives[driveIdx].Alloc.Allocate(0)

	f := &state.File{
		Vpath:          child,
		RealPath:       real,
		DriveIdx:       driveIdx,
		ParityPosStart: posStart,
		ModTime:        time.Now(),
	}
	if st, err := fh.Stat(); err == nil {
		f.Mode = st.Mode()
		if sysStat, ok := st.Sys().(*syscall.Stat_t); ok {
			f.Uid, f.Gid = sysStat.Uid, sysStat.Gid
		}
	} else {
		f.Mode = req.Mode.Perm()
	}

	s.InsertFile(f)
	f.OpenCount = 1
	s.RebuildPosIndex(driveIdx)

	return &Node{fs: n.fs, vpath: child}, &Handle{fs: n.fs, vpath: child, file: fh}, nil
}

// Remove implements fs.NodeRemover, handling both unlink and rmdir.
func (n *Node) Remove(ctx context.Context, req *fuse.RemoveRequest) error {
	child := join(n.vpath, req.Name)
	s := n.fs.State
	s.Lock()
	defer s.Unlock()

	if req.Dir {
		if l := s.FindSymlink(child); l != nil {
			s.RemoveSymlink(child)
			return nil
		}
		for i := range s.Drives {
			if err := os.Remove(realPathOnDrive(s, i, child)); err != nil && !os.IsNotExist(err) {
				// At least one drive's real directory survives (e.g.
				// ENOTEMPTY); leave the dir-table entry in place so the
				// virtual directory still exists.
				return err
			}
		}
		s.RemoveDir(child)
		return nil
	}

	if l := s.FindSymlink(child); l != nil {
		s.RemoveSymlink(child)
		return nil
	}

	f := s.RemoveFile(child)
	if f == nil {
		return syscall.ENOENT
	}

	if f.BlockCount > 0 && n.fs.Journal != nil {
		n.fs.Journal.MarkDirtyRange(f.ParityPosStart, f.BlockCount)
	}
	os.Remove(f.RealPath)
	s.Drives[f.DriveIdx].Alloc.Free(f.ParityPosStart, f.BlockCount)
	s.RebuildPosIndex(f.DriveIdx)
	return nil
}

// Rename implements fs.NodeRenamer.
func (n *Node) Rename(ctx context.Context, req *fuse.RenameRequest, newDir fs.Node) error {
	from := join(n.vpath, req.OldName)
	destDir, ok := newDir.(*Node)
	if !ok {
		return syscall.EXDEV
	}
	to := join(destDir.vpath, req.NewName)

	s := n.fs.State
	s.Lock()
	defer s.Unlock()

	if f := s.FindFile(from); f != nil {
		oldReal := f.RealPath
		newReal := realPathOnDrive(s, f.DriveIdx, to)

		s.RemoveFile(from)
		f.Vpath = to
		f.RealPath = newReal

		mkdirsFor(s, f.DriveIdx, newReal)

		if err := os.Rename(oldReal, newReal); err != nil {
			f.Vpath = from
			f.RealPath = oldReal
			s.InsertFile(f)
			return err
		}

		s.InsertFile(f)
		return nil
	}

	return n.renameDir(s, from, to)
}

// renameDir renames a directory vpath: the real directory on every drive
// that has one, then every file, dir and symlink record whose vpath has
// `from` as a path-component prefix. Caller holds the write lock.
func (n *Node) renameDir(s *state.State, from, to string) error {
	if !isAnyDir(s, from) {
		return syscall.ENOENT
	}

	type renamed struct{ oldReal, newReal string }
	var done []renamed
	for i := range s.Drives {
		oldReal := realPathOnDrive(s, i, from)
		st, err := os.Lstat(oldReal)
		if err != nil || !st.IsDir() {
			continue
		}
		newReal := realPathOnDrive(s, i, to)
		mkdirsFor(s, i, newReal)
		if err := os.Rename(oldReal, newReal); err != nil {
			for _, r := range done {
				os.Rename(r.newReal, r.oldReal)
			}
			return err
		}
		done = append(done, renamed{oldReal, newReal})
	}

	if d := s.RemoveDir(from); d != nil {
		d.Vpath = to
		s.InsertDir(d)
	}

	fromPrefix := from + "/"

	var fileKeys, dirKeys, symlinkKeys []string
	for vp := range s.Files {
		if strings.HasPrefix(vp, fromPrefix) {
			fileKeys = append(fileKeys, vp)
		}
	}
	for vp := range s.Dirs {
		if strings.HasPrefix(vp, fromPrefix) {
			dirKeys = append(dirKeys, vp)
		}
	}
	for vp := range s.Symlinks {
		if strings.HasPrefix(vp, fromPrefix) {
			symlinkKeys = append(symlinkKeys, vp)
		}
	}

	for _, vp := range fileKeys {
		f := s.RemoveFile(vp)
		f.Vpath = to + vp[len(from):]
		f.RealPath = realPathOnDrive(s, f.DriveIdx, f.Vpath)
		s.InsertFile(f)
	}
	for _, vp := range dirKeys {
		d := s.RemoveDir(vp)
		d.Vpath = to + vp[len(from):]
		s.InsertDir(d)
	}
	for _, vp := range symlinkKeys {
		l := s.RemoveSymlink(vp)
		l.Vpath = to + vp[len(from):]
		s.InsertSymlink(l)
	}

	return nil
}

// Mkdir implements fs.NodeMkdirer.
func (n *Node) Mkdir(ctx context.Context, req *fuse.MkdirRequest) (fs.Node, error) {
	child := join(n.vpath, req.Name)
	s := n.fs.State
	s.Lock()
	driveIdx, err := s.PickDrive()
	if err != nil {
		s.Unlock()
		return nil, syscall.ENOSPC
	}
	real := realPathOnDrive(s, driveIdx, child)
	s.Unlock()

	if err := os.Mkdir(real, req.Mode.Perm()); err != nil {
		return nil, err
	}

	d := &state.Dir{Vpath: child, Mode: os.ModeDir | req.Mode.Perm(), ModTime: time.Now()}
	if st, err := os.Lstat(real); err == nil {
		d.Mode = st.Mode()
		d.ModTime = st.ModTime()
		if sysStat, ok := st.Sys().(*syscall.Stat_t); ok {
			d.Uid, d.Gid = sysStat.Uid, sysStat.Gid
		}
	}

	s.Lock()
	s.InsertDir(d)
	s.Unlock()

	return &Node{fs: n.fs, vpath: child}, nil
}

// Symlink implements fs.NodeSymlinker. Symlinks are pure in-memory
// records — they are never materialized on a backing drive.
func (n *Node) Symlink(ctx context.Context, req *fuse.SymlinkRequest) (fs.Node, error) {
	child := join(n.vpath, req.NewName)
	s := n.fs.State
	s.Lock()
	defer s.Unlock()

	s.InsertSymlink(&state.Symlink{
		Vpath:   child,
		Target:  req.Target,
		ModTime: time.Now(),
	})
	return &Node{fs: n.fs, vpath: child}, nil
}

// Readlink implements fs.NodeReadlinker.
func (n *Node) Readlink(ctx context.Context, req *fuse.ReadlinkRequest) (string, error) {
	s := n.fs.State
	s.RLock()
	defer s.RUnlock()
	l := s.FindSymlink(n.vpath)
	if l == nil {
		return "", syscall.ENOENT
	}
	return l.Target, nil
}

// Setattr implements fs.NodeSetattrer, covering truncate, chmod, chown
// and utimens for files, symlinks and directories.
func (n *Node) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	s := n.fs.State
	s.Lock()
	defer s.Unlock()

	if f := s.FindFile(n.vpath); f != nil {
		if req.Valid.Size() {
			if err := os.Truncate(f.RealPath, int64(req.Size)); err != nil {
				return err
			}
			n.applyTruncate(s, f, int64(req.Size))
		}
		if req.Valid.Mode() {
			if err := os.Chmod(f.RealPath, req.Mode.Perm()); err != nil {
				return err
			}
			f.Mode = (f.Mode &^ os.ModePerm) | req.Mode.Perm()
		}
		if req.Valid.Uid() || req.Valid.Gid() {
			uid, gid := -1, -1
			if req.Valid.Uid() {
				uid = int(req.Uid)
				f.Uid = req.Uid
			}
			if req.Valid.Gid() {
				gid = int(req.Gid)
				f.Gid = req.Gid
			}
			os.Lchown(f.RealPath, uid, gid)
		}
		if req.Valid.Mtime() {
			os.Chtimes(f.RealPath, req.Atime, req.Mtime)
			f.ModTime = req.Mtime
		}
		return nil
	}

	if l := s.FindSymlink(n.vpath); l != nil {
		// Chown/utimes on a symlink update the in-memory record only;
		// symlinks have no real backing file to chown. A mode change is
		// ignored: the record carries no mode.
		if req.Valid.Uid() {
			l.Uid = req.Uid
		}
		if req.Valid.Gid() {
			l.Gid = req.Gid
		}
		if req.Valid.Mtime() {
			l.ModTime = req.Mtime
		}
		return nil
	}

	if isAnyDir(s, n.vpath) {
		d := s.FindDir(n.vpath)
		if d == nil {
			d = &state.Dir{Vpath: n.vpath, Mode: os.ModeDir | 0755}
			s.InsertDir(d)
		}
		applied := false
		for i := range s.Drives {
			real := realPathOnDrive(s, i, n.vpath)
			st, err := os.Lstat(real)
			if err != nil || !st.IsDir() {
				continue
			}
			if req.Valid.Mode() {
				if err := os.Chmod(real, req.Mode.Perm()); err == nil {
					applied = true
				}
			}
			if req.Valid.Uid() || req.Valid.Gid() {
				uid, gid := -1, -1
				if req.Valid.Uid() {
					uid = int(req.Uid)
				}
				if req.Valid.Gid() {
					gid = int(req.Gid)
				}
				if os.Lchown(real, uid, gid) == nil {
					applied = true
				}
			}
			if req.Valid.Mtime() {
				if os.Chtimes(real, req.Atime, req.Mtime) == nil {
					applied = true
				}
			}
		}
		if req.Valid.Mode() {
			d.Mode = os.ModeDir | req.Mode.Perm()
		}
		if req.Valid.Uid() {
			d.Uid = req.Uid
		}
		if req.Valid.Gid() {
			d.Gid = req.Gid
		}
		if req.Valid.Mtime() {
			d.ModTime = req.Mtime
		}
		if !applied && !isVirtualDir(s, n.vpath) {
			return syscall.ENOENT
		}
		return nil
	}

	return syscall.ENOENT
}

func (n *Node) applyTruncate(s *state.State, f *state.File, size int64) {
	oldBlocks := f.BlockCount
	newBlocks := state.BlocksForSize(size, s.Cfg.BlockSize)
	f.Size = size
	f.BlockCount = newBlocks

	pa := &s.Drives[f.DriveIdx].Alloc
	if newBlocks > oldBlocks {
		var dirtyStart, dirtyCount uint32
		switch {
		case oldBlocks == 0:
			start, _ := pa.Allocate(newBlocks)
			f.ParityPosStart = start
			dirtyStart, dirtyCount = start, newBlocks
		case f.ParityPosStart+oldBlocks == pa.NextFree:
			dirtyStart = f.ParityPosStart + oldBlocks
			dirtyCount = newBlocks - oldBlocks
			pa.NextFree += dirtyCount
		default:
			pa.Free(f.ParityPosStart, oldBlocks)
			start, _ := pa.Allocate(newBlocks)
			f.ParityPosStart = start
			dirtyStart, dirtyCount = start, newBlocks
		}
		if n.fs.Journal != nil {
			n.fs.Journal.MarkDirtyRange(dirtyStart, dirtyCount)
		}
	} else if newBlocks < oldBlocks {
		if n.fs.Journal != nil {
			n.fs.Journal.MarkDirtyRange(f.ParityPosStart+newBlocks, oldBlocks-newBlocks)
		}
		pa.Free(f.ParityPosStart+newBlocks, oldBlocks-newBlocks)
	}

	s.RebuildPosIndex(f.DriveIdx)
}
