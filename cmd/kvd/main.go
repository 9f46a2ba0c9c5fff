// Command kvd is the server process entry point: load configuration,
// bind the listener, run the event loop, and shut down cleanly on
// SIGINT/SIGTERM.
//
// Grounded on beelog's main.go: a simple linear func main(), plain
// log.Fatalln on fatal setup errors, no flag parsing beyond a single
// positional argument. The signal-driven context cancellation and
// errgroup-coordinated shutdown are grounded on
// golang.org/x/sync/errgroup (a real dependency of this pack, per
// ethereum-go-verkle's go.mod) and on beelog's conctable.go
// context.WithCancel idiom.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"kvd/internal/config"
	"kvd/internal/server"
	"kvd/internal/workerpool"
)

const shutdownGrace = 5 * time.Second

func main() {
	var cfgPath string
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalln("config:", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	pool := workerpool.New(cfg.Workers, 4096)

	srv, err := server.New(cfg, pool)
	if err != nil {
		log.Fatalln("server:", err)
	}
	log.Printf("kvd: listening on :%d", srv.Port())

	runDone := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		defer close(runDone)
		return srv.Run(ctx)
	})
	g.Go(func() error {
		<-runDone
		srv.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return pool.Close(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalln("kvd:", err)
	}
}
