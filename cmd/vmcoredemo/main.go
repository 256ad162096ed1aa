// Command vmcoredemo drives the frame manager, supplementary page
// table, swap backend and disk cache together against an in-memory
// block device, exercising four of the scenarios spec.md §8 describes
// (stack growth, mmap write-back, swap round trip, cache contention)
// as a standalone package main, the same role biscuit/src/mkfs/mkfs.go
// plays for the filesystem image builder.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"vmcore/blockdev"
	"vmcore/pagedir"
	"vmcore/vmcontext"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "Path to vmcoredemo yaml config (optional)")
	flag.Parse()

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "vmcoredemo: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config) error {
	dev := blockdev.NewMemory(cfg.Disk.Sectors)
	ctx := vmcontext.New(cfg.Frames.Count, 0, dev)
	defer ctx.Close()

	dir := pagedir.NewSim()
	top := uintptr(cfg.Space.UserSpaceTop)
	bottom := uintptr(cfg.Space.StackBottomLimit)
	ctx.NewAddressSpace(demoThread, dir, top, bottom)

	fmt.Printf("vmcoredemo: %d frames, %d sectors\n", cfg.Frames.Count, cfg.Disk.Sectors)

	if err := runStackGrowth(ctx, top); err != nil {
		return fmt.Errorf("stack growth scenario: %w", err)
	}
	if err := runMmapWriteback(ctx, dir, cfg.Frames.Count); err != nil {
		return fmt.Errorf("mmap write-back scenario: %w", err)
	}
	if err := runSwapRoundTrip(ctx, dir); err != nil {
		return fmt.Errorf("swap round-trip scenario: %w", err)
	}
	if err := runCacheContention(ctx); err != nil {
		return fmt.Errorf("cache contention scenario: %w", err)
	}

	fmt.Println("vmcoredemo: all scenarios passed")
	return nil
}
