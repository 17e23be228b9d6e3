package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	zftl "github.com/ehrlich-b/go-zftl"
	"github.com/ehrlich-b/go-zftl/internal/controller"
	"github.com/ehrlich-b/go-zftl/internal/dma"
	"github.com/ehrlich-b/go-zftl/internal/logging"
)

func main() {
	var (
		zoneCount  = flag.Int("zones", 32, "number of physical zones in the simulated namespace")
		zoneSize   = flag.Uint64("zone-size", 16384, "zone size in blocks (Z_sz)")
		zoneCap    = flag.Uint64("zone-cap", 15872, "zone capacity in writable blocks (Z_cap)")
		blockSize  = flag.Uint("block-size", 4096, "logical block size in bytes")
		opRate     = flag.Float64("op-rate", 0.2, "over-provisioning fraction in [0,1)")
		writeCount = flag.Int("writes", 500, "number of random-sized writes to drive before exiting")
		verbose    = flag.Bool("v", false, "verbose output")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	ctrl, err := controller.NewSimulatedController(1, uint32(*blockSize), *zoneCount, *zoneSize, *zoneCap)
	if err != nil {
		log.Fatalf("failed to create simulated controller: %v", err)
	}
	defer ctrl.Close()

	params := zftl.DefaultParams(1)
	params.OpRate = *opRate
	params.Logger = logger

	target, err := zftl.Init(ctrl, params)
	if err != nil {
		logger.Error("failed to initialize target", "err", err)
		os.Exit(1)
	}

	info := target.Info()
	logger.Info("target initialized",
		"zone_count", info.ZoneCount,
		"exposed_zones", info.ExposedZones,
		"max_lba", info.MaxLBA,
		"block_size", info.BlockSize)

	fmt.Printf("zftl demo target: %d zones exposed of %d total, max_lba=%d\n",
		info.ExposedZones, info.ZoneCount, info.MaxLBA)

	reclaimQP, err := ctrl.CreateIOQueuePair(1, zftl.DefaultQueueDepth)
	if err != nil {
		logger.Error("failed to create reclaim queue pair", "err", err)
		os.Exit(1)
	}
	defer ctrl.DeleteIOQueuePair(reclaimQP)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reclaimDone := make(chan error, 1)
	go func() {
		scratch := dma.Get(zftl.DefaultMaxAppendBytes)
		defer dma.Put(scratch)
		reclaimDone <- zftl.RunReclaimLoop(ctx, target, reclaimQP, scratch, -1)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	driveDone := make(chan struct{})
	go func() {
		defer close(driveDone)
		driveWorkload(target, *writeCount, info)
	}()

	select {
	case <-driveDone:
		logger.Info("workload complete")
	case <-sigCh:
		logger.Info("received shutdown signal")
	}

	target.StopReclaim()
	cancel()

	select {
	case err := <-reclaimDone:
		if err != nil {
			logger.Error("reclaim loop exited with error", "err", err)
		}
	case <-time.After(2 * time.Second):
		logger.Info("reclaim loop shutdown timeout, exiting anyway")
	}

	snap := target.MetricsSnapshot()
	fmt.Printf("\n--- final metrics ---\n")
	fmt.Printf("reads=%d writes=%d read_bytes=%d write_bytes=%d\n",
		snap.ReadOps, snap.WriteOps, snap.ReadBytes, snap.WriteBytes)
	fmt.Printf("reclaim_iterations=%d reclaim_aborted=%d bytes_reclaimed=%d zone_full_events=%d\n",
		snap.ReclaimIterations, snap.ReclaimAborted, snap.BytesReclaimed, snap.ZoneFullEvents)
	fmt.Printf("free_zones=%d full_zones=%d op_zones=%d open_zone=%v\n",
		snap.FreeZones, snap.FullZones, snap.OpZones, snap.OpenZone)
}

// driveWorkload issues a mix of sequential and overwrite-heavy writes
// to produce both live data and reclaim-able invalid blocks, then
// reads a sample of it back. Writes and reads racing against the
// background reclaim loop exercise the reader-lock/remap-restart path
// of §4.3 and the zone-full retry path of §4.4.
func driveWorkload(target *zftl.Target, writeCount int, info zftl.TargetInfo) {
	rng := rand.New(rand.NewSource(1))
	span := info.MaxLBA / 4
	if span == 0 {
		span = 1
	}

	for i := 0; i < writeCount; i++ {
		lba := uint64(rng.Intn(int(span)))
		blocks := 1 + rng.Intn(8)
		payload := make([]byte, blocks*int(info.BlockSize))
		rng.Read(payload)

		if err := target.WriteCopied(payload, lba); err != nil {
			continue // skip the read-back of a failed write
		}

		readBack := make([]byte, len(payload))
		if err := target.ReadCopied(readBack, lba); err != nil {
			logging.Default().Debug("read-after-write failed", "lba", lba, "err", err)
		}
	}
}
