// kiln-bench measures pipeline throughput against async depth using the
// simulated device, so results reflect the driver rather than hardware.
//
// Usage:
//
//	kiln-bench [--frames N] [--depths 1,2,4,8] [--delay 2ms]
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/kataras/golog"

	"github.com/linuxmatters/kiln/internal/accel/soft"
	"github.com/linuxmatters/kiln/internal/bitstream"
	"github.com/linuxmatters/kiln/internal/cli"
	"github.com/linuxmatters/kiln/internal/config"
	"github.com/linuxmatters/kiln/internal/encoder"
	"github.com/linuxmatters/kiln/internal/frames"
)

var CLI struct {
	Frames    int           `help:"Frames per run" default:"300"`
	Width     int           `help:"Frame width" default:"1280"`
	Height    int           `help:"Frame height" default:"720"`
	Depths    []int         `help:"Async depths to measure" default:"1,2,4,8" sep:","`
	Lookahead int           `help:"Frames the device holds before output" default:"0"`
	Delay     time.Duration `help:"Simulated device time per frame" default:"2ms"`
	LogLevel  string        `name:"log-level" help:"Log level" default:"error"`
}

// discardSink counts output without keeping it
type discardSink struct {
	frames int
	bytes  int64
}

func (d *discardSink) WriteNextFrame(b *bitstream.Buffer) error {
	d.frames++
	d.bytes += int64(b.Len())
	b.Consume(b.Len())
	return nil
}

func (d *discardSink) Reset() error { return nil }

type result struct {
	depth   int
	frames  int
	bytes   int64
	elapsed time.Duration
}

func main() {
	kong.Parse(&CLI,
		kong.Name("kiln-bench"),
		kong.Description("Measure encode pipeline throughput across async depths."),
		kong.UsageOnError(),
	)
	golog.SetLevel(CLI.LogLevel)

	var results []result
	for _, depth := range CLI.Depths {
		r, err := runDepth(depth)
		if err != nil {
			cli.PrintError(fmt.Sprintf("depth %d: %v", depth, err))
			os.Exit(1)
		}
		results = append(results, r)
	}

	cli.PrintSection(fmt.Sprintf("%d frames at %dx%d, %s per frame", CLI.Frames, CLI.Width, CLI.Height, CLI.Delay))
	fmt.Printf("%-8s %-8s %-10s %-10s %-10s %s\n", "depth", "frames", "time", "fps", "output", "speedup")
	for _, r := range results {
		fps := float64(r.frames) / r.elapsed.Seconds()
		speedup := results[0].elapsed.Seconds() / r.elapsed.Seconds()
		fmt.Printf("%-8d %-8d %-10s %-10.1f %-10s %.2fx\n",
			r.depth, r.frames, cli.FormatDuration(r.elapsed), fps, cli.FormatBytes(r.bytes), speedup)
	}
}

func runDepth(depth int) (result, error) {
	cfg := &config.EncodeConfig{
		Input:       fmt.Sprintf("testsrc:%d", CLI.Frames),
		Output:      os.DevNull,
		Width:       CLI.Width,
		Height:      CLI.Height,
		BitrateKbps: 4000,
		AsyncDepth:  depth,
		Lookahead:   CLI.Lookahead,
	}
	if err := config.Validate(cfg); err != nil {
		return result{}, err
	}

	source, err := frames.NewTestPattern(cfg.Width, cfg.Height, CLI.Frames)
	if err != nil {
		return result{}, err
	}

	device := soft.New(soft.Config{Delay: CLI.Delay})
	sink := &discardSink{}
	params := cfg.Params()

	p, err := encoder.New(encoder.Config{
		Params:         params,
		BufferSize:     cfg.BufferSize(params),
		SurfaceTimeout: cfg.SurfaceTimeout(),
		SurfacePoll:    cfg.SurfacePoll(),
		SyncTimeout:    cfg.SyncTimeout(),
		BusyBackoff:    config.BusyBackoff,
	}, device, source, sink)
	if err != nil {
		return result{}, err
	}

	start := time.Now()
	err = p.Encode(context.Background())
	elapsed := time.Since(start)
	if closeErr := p.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return result{}, err
	}

	return result{depth: depth, frames: sink.frames, bytes: sink.bytes, elapsed: elapsed}, nil
}
