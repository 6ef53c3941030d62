package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/paulmach/orb"

	"github.com/mumuon/model-runner/internal/config"
	"github.com/mumuon/model-runner/internal/geo"
	"github.com/mumuon/model-runner/internal/model"
	"github.com/mumuon/model-runner/internal/queue"
	"github.com/mumuon/model-runner/internal/raster"
	"github.com/mumuon/model-runner/internal/region"
	"github.com/mumuon/model-runner/internal/runtime"
	"github.com/mumuon/model-runner/internal/scheduler"
)

func main() {
	configPath := flag.String("config", ".env", "Path to config file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		slog.Info("shutdown signal received", "signal", sig.String())
		cancel()
	}()

	// The raster decoder and sensor-model builder are external
	// collaborators this system never implements itself (§6). Absent a
	// production opener, fall back to a fixed-extent fake raster opener and
	// a flat-earth sensor model so the pipeline remains runnable end to end
	// for local development.
	opener := defaultOpener()
	sensorFactory := defaultSensorFactory()

	rt, err := runtime.Build(ctx, cfg, opener, sensorFactory)
	if err != nil {
		slog.Error("failed to build runtime", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		runImageListener(ctx, rt)
	}()
	go func() {
		defer wg.Done()
		runRegionListener(ctx, rt)
	}()
	go func() {
		defer wg.Done()
		rt.Reaper.Run(ctx)
	}()

	wg.Wait()
	slog.Info("model-runner stopped")
}

// runImageListener long-polls the image request queue and dispatches
// each message to the scheduler, following the receive/process/delete
// loop shape SQS consumers use throughout this system.
func runImageListener(ctx context.Context, rt *runtime.Runtime) {
	for {
		if ctx.Err() != nil {
			return
		}
		messages, err := rt.ImageQueue.Receive(ctx, 10, 5*time.Minute)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("failed to receive image requests", "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range messages {
			var req model.ImageRequest
			if err := json.Unmarshal([]byte(msg.Body), &req); err != nil {
				slog.Error("failed to decode image request, dropping", "error", err)
				_ = rt.ImageQueue.Finish(ctx, msg)
				continue
			}

			for _, imageURL := range req.ImageURLs {
				if err := rt.Scheduler.Dispatch(ctx, &req, imageURL); err != nil {
					slog.Error("failed to dispatch image", "image_url", imageURL, "error", err)
				}
			}
			if err := rt.ImageQueue.Finish(ctx, msg); err != nil {
				slog.Error("failed to delete image request message", "error", err)
			}
		}
	}
}

// runRegionListener long-polls the region request queue, builds a tile
// worker pool per region, and drives it through the region processor.
func runRegionListener(ctx context.Context, rt *runtime.Runtime) {
	for {
		if ctx.Err() != nil {
			return
		}
		messages, err := rt.RegionQueue.Receive(ctx, 1, 30*time.Minute)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("failed to receive region requests", "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range messages {
			processRegionMessage(ctx, rt, msg)
		}
	}
}

func processRegionMessage(ctx context.Context, rt *runtime.Runtime, msg queue.Message) {
	var rm scheduler.RegionMessage
	if err := json.Unmarshal([]byte(msg.Body), &rm); err != nil {
		slog.Error("failed to decode region request, dropping", "error", err)
		_ = rt.RegionQueue.Finish(ctx, msg)
		return
	}

	pool, rst, err := rt.BuildPool(ctx, rm)
	if err != nil {
		slog.Error("failed to build worker pool for region", "region_id", rm.RegionID, "error", err)
		_ = rt.RegionQueue.Reset(ctx, msg, 30*time.Second)
		return
	}
	defer rst.Close()

	err = rt.Region.Process(ctx, region.Request{
		JobID: rm.JobID, ImageID: rm.ImageID, ImageURL: rm.ImageURL, ImageReadRole: rm.ImageReadRole,
		RegionID: rm.RegionID, Bounds: rm.Bounds, TileSize: rm.TileSize, TileOverlap: rm.TileOverlap,
		Format: rm.Format, Compression: rm.Compression,
		ModelName: rm.ModelName, InvokeMode: rm.InvokeMode, AssumedRole: rm.AssumedRole,
		Pool: pool,
	})
	if err != nil {
		slog.Error("failed to process region", "region_id", rm.RegionID, "error", err)
		_ = rt.RegionQueue.Reset(ctx, msg, 30*time.Second)
		return
	}

	if err := rt.RegionQueue.Finish(ctx, msg); err != nil {
		slog.Error("failed to delete region request message", "error", err)
	}
}

func defaultOpener() raster.Opener {
	return &raster.FakeOpener{Raster: &raster.Fake{Width: 20000, Height: 20000}}
}

func defaultSensorFactory() geo.Factory {
	worldBound := orb.Bound{Min: orb.Point{-180, -90}, Max: orb.Point{180, 90}}
	return func(imageID, imageURL string) (geo.SensorModel, error) {
		return geo.FlatEarth{ImageWidth: 20000, ImageHeight: 20000, WorldBound: worldBound}, nil
	}
}
