// Command astrocut strips the background from the generated astronaut state
// icons and writes transparent PNGs where the site expects them.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/robfig/cron/v3"

	"github.com/chaos-io/astrocut/batch"
	"github.com/chaos-io/astrocut/rembg"
)

func main() {
	inputDir := flag.String("in", "generated-images", "directory or http(s) base URL holding the generated astronaut images")
	outputDir := flag.String("out", filepath.Join("public", "images", "astronaut"), "directory the stripped PNGs are written to")
	server := flag.String("server", rembg.DefaultBaseURL, "ComfyUI base URL; empty disables removal (passthrough)")
	every := flag.String("every", "", "cron spec; rerun the batch on this schedule instead of once")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	var remover rembg.Remover = rembg.NewPassthrough()
	if *server != "" {
		remover = rembg.NewComfyUI(*server)
	}

	runner := batch.NewRunner(*inputDir, *outputDir, batch.DefaultMappings, remover)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *every != "" {
		runScheduled(ctx, runner, *every)
		return
	}

	if _, err := runner.Run(ctx); err != nil {
		slog.Error("run failed", "error", err)
		os.Exit(1)
	}
}

// runScheduled reruns the batch on a cron schedule until interrupted. A
// failed run is logged and the schedule keeps going. Ticks that fire while a
// run is still in progress are skipped, so batches never overlap.
func runScheduled(ctx context.Context, runner *batch.Runner, spec string) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(spec, func() {
		if _, err := runner.Run(ctx); err != nil {
			slog.Error("scheduled run failed", "error", err)
		}
	})
	if err != nil {
		slog.Error("invalid cron spec", "spec", spec, "error", err)
		os.Exit(1)
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
}
