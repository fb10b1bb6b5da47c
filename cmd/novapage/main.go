package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/tuannm99/novapage"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "Path to a YAML config file")
	workDir := pflag.String("data-dir", "", "Working directory for store files (overrides config)")
	dbName := pflag.String("db", "default", "Database to open")
	stores := pflag.StringSlice("stores", []string{"nodes", "relationships"}, "Stores to map into the database")
	pages := pflag.Int64("pages", 64, "Pages to write per store")
	writers := pflag.Int("writers", 4, "Concurrent store writers")
	iops := pflag.Int("flush-iops", -1, "Page writes per second while flushing (overrides config when >= 0)")
	pflag.Parse()

	cfg := novapage.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = novapage.LoadConfig(*configPath); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	if *workDir != "" {
		cfg.Storage.Workdir = *workDir
	}
	if *iops >= 0 {
		cfg.Cache.FlushIOPS = *iops
	}
	logger := novapage.NewLogger(cfg, os.Stderr)

	e, err := novapage.Open(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to open engine: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := run(ctx, e, *dbName, *stores, *pages, *writers)
	if err := e.Close(); err != nil {
		log.Printf("close engine: %v", err)
	}
	if runErr != nil {
		log.Fatalf("novapage: %v", runErr)
	}
}

func run(ctx context.Context, e *novapage.Engine, dbName string, stores []string, pages int64, writers int) error {
	db, err := e.OpenDatabase(dbName)
	if err != nil {
		return err
	}

	files := make([]novapage.PagedFile, 0, len(stores))
	for _, s := range stores {
		pf, err := db.MapStore(s, novapage.Create)
		if err != nil {
			return fmt.Errorf("map %s: %w", s, err)
		}
		files = append(files, pf)
	}

	g, ctx := errgroup.WithContext(ctx)
	if writers > 0 {
		g.SetLimit(writers)
	}
	for _, pf := range files {
		pf := pf
		g.Go(func() error { return fill(ctx, pf, pages) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := db.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	for _, pf := range db.Cache().ListExistingMappings() {
		size, err := pf.FileSize()
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%d bytes\t%d pages\n", pf.Path(), size, size/int64(pf.PageSize()))
	}
	db.Cache().ReportEvents()
	return db.Close()
}

// fill stamps every page with its id so the file can be checked later.
func fill(ctx context.Context, pf novapage.PagedFile, pages int64) error {
	c, err := pf.Io(0, novapage.SharedWriteLock)
	if err != nil {
		return err
	}
	defer c.Close()

	for i := int64(0); i < pages; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := c.Next()
		if err != nil {
			return fmt.Errorf("%s page %d: %w", pf.Path(), i, err)
		}
		if !ok {
			return fmt.Errorf("%s page %d: cannot grow", pf.Path(), i)
		}
		binary.LittleEndian.PutUint64(c.Bytes(), uint64(c.PageID()))
	}
	return nil
}
