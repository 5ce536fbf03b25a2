package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"segmem/pkg/api"
	"segmem/pkg/config"
	"segmem/pkg/logging"
	"segmem/pkg/memory"
	"segmem/pkg/monitor"
	"segmem/pkg/network"
	"segmem/pkg/shared"
	"segmem/pkg/storage"
)

func main() {
	configPath := flag.String("config", "", "path to segmem.yaml")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "segmem: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log, "server")
	if err != nil {
		return err
	}
	defer log.Sync()

	mm, err := memory.New(cfg.Memory.PageSize, cfg.Memory.FrameCount,
		memory.WithLogger(log.Named("memory")),
		memory.WithStats(monitor.NewStats()))
	if err != nil {
		return err
	}
	reg := shared.NewRegistry(mm, shared.WithLogger(log.Named("shared")))

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0755); err != nil {
		return err
	}
	store, err := storage.OpenSnapshotStore(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	log.Infow("engine ready",
		"page_size", mm.PageSize(), "frames", mm.FrameCount(), "physical_bytes", mm.PhysicalSize())

	httpSrv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: api.NewServer(mm, reg,
			api.WithSnapshots(store),
			api.WithDumpDir(cfg.Storage.DumpDir),
			api.WithLogger(log.Named("api"))).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	tcpListener, err := net.Listen("tcp", cfg.Server.TCPAddr)
	if err != nil {
		return err
	}
	tcpSrv := network.NewTCPServer(mm, reg, log.Named("tcp"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infow("http api listening", "addr", cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Infow("tcp listening", "addr", cfg.Server.TCPAddr)
		return tcpSrv.Serve(tcpListener)
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Infow("shutting down")
		tcpListener.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
