// Package batch runs the astronaut icon pipeline: for every configured
// source/target pair it loads the source image, strips the background via the
// injected remover, and writes the result as a transparent PNG.
package batch

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/segmentio/ksuid"

	"github.com/chaos-io/astrocut/rembg"
	"github.com/chaos-io/astrocut/util"
)

// Mapping pairs a source filename in the input directory with the target
// filename written to the output directory.
type Mapping struct {
	Source string
	Target string
}

// DefaultMappings is the fixed table of astronaut state icons. Sources follow
// the naming of the image-generation step; targets are what the site serves.
var DefaultMappings = []Mapping{
	{Source: "astronaut-success-v4-flag.png", Target: "success.png"},
	{Source: "astronaut-searching.png", Target: "searching.png"},
	{Source: "astronaut-idle-v2.png", Target: "idle.png"},
	{Source: "astronaut-error.png", Target: "error.png"},
	{Source: "astronaut-listening-v2.png", Target: "listening.png"},
	{Source: "astronaut-celebrating.png", Target: "celebrating.png"},
}

// Stats counts the outcome of one run.
type Stats struct {
	Total     int
	Processed int
	Skipped   int
}

// Runner processes a list of mappings against one input location (local
// directory or http(s) base URL) and one output directory.
type Runner struct {
	InputDir  string
	OutputDir string
	Mappings  []Mapping
	Remover   rembg.Remover
}

func NewRunner(inputDir, outputDir string, mappings []Mapping, remover rembg.Remover) *Runner {
	return &Runner{
		InputDir:  inputDir,
		OutputDir: outputDir,
		Mappings:  mappings,
		Remover:   remover,
	}
}

// Run processes every mapping in order. A missing source file is logged and
// skipped; any other failure aborts the run and is returned. Outputs written
// before the failure stay on disk. Existing targets are overwritten.
func (r *Runner) Run(ctx context.Context) (Stats, error) {
	stats := Stats{Total: len(r.Mappings)}

	if err := os.MkdirAll(r.OutputDir, 0o755); err != nil {
		return stats, fmt.Errorf("create output directory: %w", err)
	}

	runID := ksuid.New().String()
	slog.Info("starting background removal", "run", runID, "in", r.InputDir, "out", r.OutputDir, "files", stats.Total)

	for _, m := range r.Mappings {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		img, err := r.loadSource(m.Source)
		if errors.Is(err, fs.ErrNotExist) {
			slog.Warn("source not found, skipping", "run", runID, "file", m.Source)
			stats.Skipped++
			continue
		}
		if err != nil {
			return stats, fmt.Errorf("open %s: %w", m.Source, err)
		}

		slog.Info("processing", "run", runID, "source", m.Source, "target", m.Target)

		out, err := r.Remover.Remove(ctx, img)
		if err != nil {
			return stats, fmt.Errorf("remove background of %s: %w", m.Source, err)
		}

		dst := filepath.Join(r.OutputDir, m.Target)
		if err := util.SavePNG(out, dst); err != nil {
			return stats, fmt.Errorf("save %s: %w", m.Target, err)
		}

		stats.Processed++
		slog.Info("saved", "run", runID, "target", m.Target)
	}

	slog.Info("background removal done", "run", runID, "processed", stats.Processed, "skipped", stats.Skipped)
	return stats, nil
}

// loadSource resolves one source name against the input location, which may
// be a local directory or an http(s) base URL. An absent source reports
// fs.ErrNotExist either way.
func (r *Runner) loadSource(name string) (image.Image, error) {
	if strings.HasPrefix(r.InputDir, "http://") || strings.HasPrefix(r.InputDir, "https://") {
		return util.DownloadImage(strings.TrimRight(r.InputDir, "/") + "/" + name)
	}

	src := filepath.Join(r.InputDir, name)
	if _, err := os.Stat(src); err != nil {
		return nil, err
	}
	return util.OpenImage(src)
}
