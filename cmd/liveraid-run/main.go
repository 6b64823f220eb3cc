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

// Command liveraid-run mounts a liveraid pool as a FUSE filesystem.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"

	"github.com/ryanniemi/liveraid/internal/config"
	"github.com/ryanniemi/liveraid/internal/ctrl"
	"github.com/ryanniemi/liveraid/internal/fsadapter"
	"github.com/ryanniemi/liveraid/internal/journal"
	"github.com/ryanniemi/liveraid/internal/metadata"
	"github.com/ryanniemi/liveraid/internal/parity"
	"github.com/ryanniemi/liveraid/internal/state"
	"github.com/ryanniemi/liveraid/internal/version"
)

func usage() {
	fmt.Fprintf(os.Stderr, `liveraid %s

Usage: %s -c CONFIG [-d] [-f] MOUNTPOINT
       liveraid-rebuild -c CONFIG -d DRIVE_NAME

Options:
  -c CONFIG    Path to liveraid.conf
  -d           Enable FUSE debug output
  -f           Run in foreground
  -V           Print version and exit

Signals (send to the mounted process):
  SIGUSR1      Verify parity — report mismatches, do not fix
  SIGUSR2      Repair parity — rewrite any mismatched parity blocks
               (also use after adding a new parity level)

Example:
  %s -c /etc/liveraid.conf /mnt/array
`, version.Summary(), os.Args[0], os.Args[0])
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("c", "", "path to liveraid.conf")
	showVersion := flag.Bool("V", false, "print version and exit")
	debug := flag.Bool("d", false, "enable FUSE debug output")
	_ = flag.Bool("f", false, "run in foreground (always true: this binary never daemonizes)")
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("liveraid %s\n", version.Summary())
		return 0
	}
	if *configPath == "" || flag.NArg() != 1 {
		usage()
		return 1
	}
	mountpoint := flag.Arg(0)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "liveraid: failed to load config %q: %v\n", *configPath, err)
		return 1
	}
	if cfg.Mountpoint != "" && cfg.Mountpoint != mountpoint {
		log.Printf("liveraid: warning: config mountpoint %q differs from argument %q, using argument", cfg.Mountpoint, mountpoint)
	}

	s := state.New(cfg)

	if err := metadata.Load(s, cfg); err != nil {
		log.Printf("liveraid: warning: metadata_load failed (fresh start?): %v", err)
	}

	// A handle with zero parity levels makes parity updates and scrubs
	// no-ops, so the journal and control server always get a non-nil one.
	ph, err := parity.Open(cfg)
	if err != nil {
		log.Printf("liveraid: warning: could not open parity files, running without parity: %v", err)
		ph, _ = parity.Open(&config.Config{Drives: cfg.Drives, BlockSize: cfg.BlockSize})
	}

	j := journal.New(s, ph, cfg, 5000, cfg.ParityThreads)
	if len(cfg.ContentPaths) > 0 {
		j.SetBitmapPath(cfg.ContentPaths[0] + ".bitmap")
	}

	var ctrlSrv *ctrl.Server
	if len(cfg.ContentPaths) > 0 {
		ctrlSrv, err = ctrl.Start(s, ph, cfg.ContentPaths[0])
		if err != nil {
			log.Printf("liveraid: warning: ctrl_start failed, live rebuild unavailable: %v", err)
			ctrlSrv = nil
		}
	}

	log.Printf("liveraid %s starting", version.Summary())
	log.Print(cfg.String())

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGINT, syscall.SIGTERM)

	mountOpts := []fuse.MountOption{
		fuse.FSName("liveraid"),
		fuse.Subtype("liveraid"),
	}
	if *debug {
		fuse.Debug = func(msg interface{}) { log.Printf("fuse: %v", msg) }
	}

	conn, err := fuse.Mount(mountpoint, mountOpts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "liveraid: mount %q: %v\n", mountpoint, err)
		cleanup(ctrlSrv, j, ph, s, cfg)
		return 1
	}

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- fs.Serve(conn, &fsadapter.FS{State: s, Parity: ph, Journal: j})
	}()

	var serveErr error
loop:
	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGUSR1:
				j.RequestScrub()
			case syscall.SIGUSR2:
				j.RequestRepair()
			case syscall.SIGINT, syscall.SIGTERM:
				fuse.Unmount(mountpoint)
			}
		case serveErr = <-serveDone:
			break loop
		}
	}

	<-conn.Ready
	if err := conn.MountError; err != nil {
		serveErr = err
	}

	cleanup(ctrlSrv, j, ph, s, cfg)

	if serveErr != nil {
		fmt.Fprintf(os.Stderr, "liveraid: %v\n", serveErr)
		return 1
	}
	return 0
}

// cleanup tears everything down in the reverse order it was brought up,
// mirroring main.c's shutdown sequence.
func cleanup(ctrlSrv *ctrl.Server, j *journal.Journal, ph *parity.Handle, s *state.State, cfg *config.Config) {
	if ctrlSrv != nil {
		ctrlSrv.Stop()
	}
	if j != nil {
		j.Flush()
		j.Stop()
	}
	if ph != nil {
		ph.Close()
	}
	if err := metadata.Save(s, cfg); err != nil {
		log.Printf("liveraid: warning: metadata_save failed: %v", err)
	}
}
