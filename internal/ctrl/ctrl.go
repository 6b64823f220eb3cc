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

// Package ctrl implements the Unix-domain control server that lets
// `liveraid-rebuild` drive a live rebuild or scrub without unmounting the
// pool. It binds a socket at <first content path>.ctrl and speaks a
// simple line-based protocol: one command per line in, one or more
// response lines out.
package ctrl

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ryanniemi/liveraid/internal/parity"
	"github.com/ryanniemi/liveraid/internal/state"
)

// Server is the control socket listener.
type Server struct {
	state  *state.State
	parity *parity.Handle

	listener net.Listener
	sockPath string
	done     chan struct{}
}

// Start binds the control socket and begins accepting connections in the
// background. The socket path is derived from the first content path.
func Start(s *state.State, ph *parity.Handle, firstContentPath string) (*Server, error) {
	if firstContentPath == "" {
		return nil, fmt.Errorf("ctrl: no content path to derive socket path from")
	}
	sockPath := firstContentPath + ".ctrl"
	os.Remove(sockPath) // remove a stale socket from an earlier crash

	l, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, fmt.Errorf("ctrl: listen on %q: %w", sockPath, err)
	}

	srv := &Server{
		state:    s,
		parity:   ph,
		listener: l,
		sockPath: sockPath,
		done:     make(chan struct{}),
	}
	go srv.acceptLoop()
	return srv, nil
}

// Stop closes the listener, which unblocks the accept loop, and removes
// the socket file.
func (srv *Server) Stop() {
	srv.listener.Close()
	<-srv.done
	os.Remove(srv.sockPath)
}

func (srv *Server) acceptLoop() {
	defer close(srv.done)
	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			return // listener closed by Stop
		}
		srv.handleConnection(conn)
		conn.Close()
	}
}

func send(conn net.Conn, format string, args ...any) {
	fmt.Fprintf(conn, format, args...)
}

func (srv *Server) handleConnection(conn net.Conn) {
	r := bufio.NewReaderSize(conn, 512)
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return
	}
	line = strings.TrimRight(line, "\r\n")

	switch {
	case strings.HasPrefix(line, "rebuild "):
		srv.liveDoRebuild(conn, strings.TrimPrefix(line, "rebuild "))
	case line == "scrub repair":
		srv.liveDoScrub(conn, true)
	case line == "scrub":
		srv.liveDoScrub(conn, false)
	default:
		send(conn, "error unknown command\n")
	}
}

func (srv *Server) liveDoScrub(conn net.Conn, repair bool) {
	if srv.parity.Levels() == 0 {
		send(conn, "error no parity configured\n")
		return
	}
	result, err := srv.parity.Scrub(srv.state, repair)
	if err != nil {
		send(conn, "error scrub failed: %v\n", err)
		return
	}
	if repair {
		send(conn, "done %d %d fixed=%d errors=%d\n",
			result.PositionsChecked, result.ParityMismatches, result.ParityFixed, result.ReadErrors)
	} else {
		send(conn, "done %d %d errors=%d\n",
			result.PositionsChecked, result.ParityMismatches, result.ReadErrors)
	}
}

func (srv *Server) liveDoRebuild(conn net.Conn, driveName string) {
	s := srv.state

	s.RLock()
	driveIdx := -1
	for i, d := range s.Drives {
		if d.Name == driveName {
			driveIdx = i
			break
		}
	}
	if driveIdx < 0 {
		s.RUnlock()
		send(conn, "error drive %q not found\n", driveName)
		return
	}
	var vpaths []string
	for _, f := range s.Files {
		if f.DriveIdx == driveIdx {
			vpaths = append(vpaths, f.Vpath)
		}
	}
	s.RUnlock()

	total := len(vpaths)
	send(conn, "progress 0 %d (starting)\n", total)

	var rebuilt, failed, skipped int
	for i, vpath := range vpaths {
		send(conn, "progress %d %d %s\n", i+1, total, vpath)
		switch srv.liveRebuildOneFile(conn, driveIdx, vpath) {
		case rebuildOK:
			rebuilt++
		case rebuildSkipped:
			skipped++
		default:
			failed++
		}
	}

	send(conn, "done %d %d skipped=%d\n", rebuilt, failed, skipped)
}

type rebuildOutcome int

const (
	rebuildOK rebuildOutcome = iota
	rebuildSkipped
	rebuildFailed
)

// liveRebuildOneFile recovers one file's blocks from parity and writes
// them to a fresh copy of the file on its original drive. It re-resolves
// the file under the read lock (it may have been removed or moved since
// the caller snapshotted vpaths) and refuses to touch an open file.
func (srv *Server) liveRebuildOneFile(conn net.Conn, driveIdx int, vpath string) rebuildOutcome {
	s := srv.state
	blockSize := int(s.Cfg.BlockSize)

	s.RLock()
	f := s.FindFile(vpath)
	if f == nil || f.DriveIdx != driveIdx {
		s.RUnlock()
		return rebuildSkipped
	}
	if f.OpenCount > 0 {
		s.RUnlock()
		send(conn, "skip %s busy\n", vpath)
		return rebuildSkipped
	}
	realPath := f.RealPath
	posStart := f.ParityPosStart
	blockCount := f.BlockCount
	fileSize := f.Size
	mode := f.Mode
	uid, gid := f.Uid, f.Gid
	modTime := f.ModTime
	s.RUnlock()

	if err := os.MkdirAll(filepath.Dir(realPath), 0755); err != nil {
		send(conn, "fail %s cannot create parent dirs: %v\n", vpath, err)
		return rebuildFailed
	}

	createMode := mode.Perm()
	if createMode == 0 {
		createMode = 0644
	}
	out, err := os.OpenFile(realPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, createMode)
	if err != nil {
		send(conn, "fail %s cannot create: %v\n", vpath, err)
		return rebuildFailed
	}

	buf := make([]byte, blockSize)
	ok := true
	for blk := uint32(0); blk < blockCount; blk++ {
		pos := posStart + blk

		s.RLock()
		err := srv.parity.RecoverBlock(s, driveIdx, pos, buf)
		s.RUnlock()
		if err != nil {
			send(conn, "fail %s parity error at block %d: %v\n", vpath, blk, err)
			ok = false
			break
		}

		writeLen := blockSize
		if blk == blockCount-1 && fileSize > 0 {
			if tail := int(fileSize % int64(blockSize)); tail != 0 {
				writeLen = tail
			}
		}
		if _, err := out.WriteAt(buf[:writeLen], int64(blk)*int64(blockSize)); err != nil {
			send(conn, "fail %s write error at block %d: %v\n", vpath, blk, err)
			ok = false
			break
		}
	}
	out.Close()

	if !ok {
		os.Remove(realPath)
		return rebuildFailed
	}

	if p := mode.Perm(); p != 0 {
		os.Chmod(realPath, p)
	}
	if uid != 0 || gid != 0 {
		os.Lchown(realPath, int(uid), int(gid))
	}
	if !modTime.IsZero() {
		os.Chtimes(realPath, modTime, modTime)
	}

	send(conn, "ok %s\n", vpath)
	return rebuildOK
}

// Dial connects to a running liveraid process's control socket, derived
// the same way Start derives it (first content path + ".ctrl").
func Dial(firstContentPath string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("unix", firstContentPath+".ctrl", timeout)
}
