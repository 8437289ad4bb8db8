package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/kataras/golog"
	"github.com/mattn/go-isatty"

	"github.com/linuxmatters/kiln/internal/accel"
	_ "github.com/linuxmatters/kiln/internal/accel/soft"
	"github.com/linuxmatters/kiln/internal/bitstream"
	"github.com/linuxmatters/kiln/internal/cli"
	"github.com/linuxmatters/kiln/internal/config"
	"github.com/linuxmatters/kiln/internal/encoder"
	"github.com/linuxmatters/kiln/internal/frames"
	"github.com/linuxmatters/kiln/internal/surface"
	"github.com/linuxmatters/kiln/internal/ui"
)

// version is set via ldflags at build time
// Local dev builds: "dev"
// Release builds: git tag (e.g. "v0.1.0")
var version = "dev"

var logger = golog.Child("[kiln]")

// uiInterval throttles progress messages to the terminal UI
const uiInterval = 50 * time.Millisecond

var CLI struct {
	Input   string `arg:"" name:"input" help:"Raw YUV file, image directory or testsrc[:N]" optional:""`
	Output  string `arg:"" name:"output" help:"Output bitstream file" optional:""`
	Width   int    `arg:"" name:"width" help:"Frame width in pixels" optional:""`
	Height  int    `arg:"" name:"height" help:"Frame height in pixels" optional:""`
	Bitrate int    `arg:"" name:"bitrate" help:"Target bitrate in kbps" optional:""`

	Config        string   `help:"YAML encode job; flags override its values" type:"existingfile" group:"input"`
	FPS           float64  `name:"fps" help:"Frame rate (default 30)" group:"input"`
	FourCC        string   `name:"fourcc" help:"Raw input layout: i420, yv12 or nv12 (default i420)" group:"input"`
	Device        string   `help:"Encode device: auto, qsv, nvenc, vaapi, videotoolbox, software or soft" group:"encoder"`
	AsyncDepth    int      `name:"async-depth" help:"Frames in flight on the device (default 4)" group:"encoder"`
	Gop           int      `help:"Frames between IDR pictures (0 lets the device decide)" group:"encoder"`
	Lookahead     int      `help:"Frames the device may hold before producing output" group:"encoder"`
	KeyframeAt    []uint64 `name:"keyframe-at" help:"Force IDR pictures at these frame numbers" sep:"," group:"encoder"`
	OnHang        string   `name:"on-hang" help:"After a device reset: continue or restart" group:"recovery"`
	MaxRecoveries int      `name:"max-recoveries" help:"Device resets allowed per encode, negative disables (default 3)" group:"recovery"`
	NoProgress    bool     `name:"no-progress" help:"Disable the progress display"`
	LogLevel      string   `name:"log-level" help:"Log level: debug, info, warn, error or disable"`
	ListDevices   bool     `name:"list-devices" help:"Show encode devices and exit"`
	Version       bool     `help:"Show version information"`
}

var flagGroups = []kong.Group{
	{Key: "input", Title: "Input", Description: "Where frames come from and how they are laid out"},
	{Key: "encoder", Title: "Encoder", Description: "Device selection and stream structure"},
	{Key: "recovery", Title: "Recovery", Description: "What happens after a device hang or loss"},
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("kiln"),
		kong.Description(cli.Tagline),
		kong.Vars{"version": version},
		kong.UsageOnError(),
		kong.ExplicitGroups(flagGroups),
		kong.Help(cli.StyledHelpPrinter(kong.HelpOptions{Compact: true})),
	)
	_ = ctx

	if CLI.Version {
		cli.PrintVersion(version)
		os.Exit(0)
	}

	if CLI.LogLevel != "" {
		golog.SetLevel(CLI.LogLevel)
	}

	if CLI.ListDevices {
		cli.PrintDeviceStatus(accel.Status())
		os.Exit(0)
	}

	cfg, err := buildConfig()
	if err != nil {
		cli.PrintError(err.Error())
		os.Exit(1)
	}

	showProgress := !CLI.NoProgress && isatty.IsTerminal(os.Stdout.Fd())
	if showProgress && CLI.LogLevel == "" {
		// Log lines would tear the live display
		golog.SetLevel("error")
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := encode(sigCtx, cfg, showProgress); err != nil {
		if !showProgress {
			cli.PrintError(err.Error())
		}
		os.Exit(1)
	}
}

// buildConfig merges the optional config file with command line values
func buildConfig() (*config.EncodeConfig, error) {
	cfg := &config.EncodeConfig{}
	if CLI.Config != "" {
		loaded, err := config.Load(CLI.Config)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	setString(&cfg.Input, CLI.Input)
	setString(&cfg.Output, CLI.Output)
	setInt(&cfg.Width, CLI.Width)
	setInt(&cfg.Height, CLI.Height)
	setInt(&cfg.BitrateKbps, CLI.Bitrate)
	if CLI.FPS != 0 {
		cfg.FPS = CLI.FPS
	}
	setString(&cfg.FourCC, CLI.FourCC)
	setString(&cfg.Device, CLI.Device)
	setInt(&cfg.AsyncDepth, CLI.AsyncDepth)
	setInt(&cfg.GopSize, CLI.Gop)
	setInt(&cfg.Lookahead, CLI.Lookahead)
	if CLI.OnHang != "" {
		cfg.OnHang = config.HangPolicy(CLI.OnHang)
	}
	setInt(&cfg.MaxRecoveries, CLI.MaxRecoveries)

	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	if _, err := accel.ParseType(cfg.Device); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func encode(ctx context.Context, cfg *config.EncodeConfig, showProgress bool) error {
	typ, _ := accel.ParseType(cfg.Device)
	backend, err := accel.Select(typ)
	if err != nil {
		return err
	}
	device, err := backend.New()
	if err != nil {
		return fmt.Errorf("creating %s device: %w", backend.Name, err)
	}

	source, err := frames.Open(cfg.Input, cfg.Width, cfg.Height, surface.FourCC(cfg.FourCC))
	if err != nil {
		device.Close()
		return err
	}

	mode := bitstream.ResetSegment
	if cfg.OnHang == config.HangRestart {
		mode = bitstream.ResetTruncate
	}
	writer, err := bitstream.NewFileWriter(cfg.Output, mode, cfg.ProgressInterval, func(frames, bytes int64) {
		logger.Infof("wrote %d frames, %s", frames, cli.FormatBytes(bytes))
	})
	if err != nil {
		source.Close()
		device.Close()
		return err
	}

	var program *tea.Program
	var model *ui.Model
	start := time.Now()
	var lastSend time.Time
	var lastState encoder.State

	params := cfg.Params()
	pipeline, err := encoder.New(encoder.Config{
		Params:         params,
		BufferSize:     cfg.BufferSize(params),
		SurfaceTimeout: cfg.SurfaceTimeout(),
		SurfacePoll:    cfg.SurfacePoll(),
		SyncTimeout:    cfg.SyncTimeout(),
		BusyBackoff:    config.BusyBackoff,
		HangRecovery:   cfg.Recoveries() > 0,
		MaxRecoveries:  cfg.Recoveries(),
		RestartOnReset: cfg.OnHang == config.HangRestart,
		KeyframeAt:     CLI.KeyframeAt,
		OnProgress: func(st encoder.Stats) {
			if program == nil {
				return
			}
			now := time.Now()
			if st.State == lastState && now.Sub(lastSend) < uiInterval {
				return
			}
			lastSend, lastState = now, st.State
			program.Send(ui.EncodeProgress{
				Stats:       st,
				TotalFrames: source.TotalFrames(),
				Bytes:       writer.BytesWritten(),
				Elapsed:     now.Sub(start),
			})
		},
	}, device, source, writer)
	if err != nil {
		writer.Close()
		source.Close()
		device.Close()
		return err
	}

	logger.Infof("encoding %s to %s on %s (%dx%d, %d kbps)",
		cfg.Input, cfg.Output, backend.Name, cfg.Width, cfg.Height, cfg.BitrateKbps)

	if !showProgress {
		cli.PrintBanner()
		cli.PrintInfo("Device", backend.Name)
		cli.PrintInfo("Input", cfg.Input)
		cli.PrintInfo("Output", cfg.Output)
		fmt.Println()

		encErr := pipeline.Encode(ctx)
		closeErr := pipeline.Close()
		if encErr == nil {
			encErr = closeErr
		}
		if encErr != nil {
			return encErr
		}

		st := pipeline.Stats()
		elapsed := time.Since(start)
		fps := float64(st.Synchronized) / elapsed.Seconds()
		cli.PrintSuccess(fmt.Sprintf("Encoded %d frames in %s", st.Synchronized, cli.FormatDuration(elapsed)))
		cli.PrintInfo("Speed", cli.FormatSpeed(fps/cfg.FPS))
		cli.PrintInfo("Size", cli.FormatBytes(writer.BytesWritten()))
		if st.Recoveries > 0 {
			cli.PrintWarning(fmt.Sprintf("recovered from %d device resets", st.Recoveries))
		}
		return nil
	}

	model = ui.NewModel(backend.Name, cfg.AsyncDepth, cfg.FPS)
	program = tea.NewProgram(model)

	encCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		encErr := pipeline.Encode(encCtx)
		closeErr := pipeline.Close()
		if encErr == nil {
			encErr = closeErr
		}
		program.Send(ui.EncodeComplete{
			Output:    cfg.Output,
			Stats:     pipeline.Stats(),
			Bytes:     writer.BytesWritten(),
			Segments:  writer.Segments(),
			TotalTime: time.Since(start),
			Err:       encErr,
		})
		done <- encErr
	}()

	if _, err := program.Run(); err != nil {
		cancel()
		<-done
		return fmt.Errorf("running UI: %w", err)
	}

	// The UI exits early on ctrl+c
	cancel()
	encErr := <-done
	if errors.Is(encErr, context.Canceled) {
		cli.PrintWarning("encode interrupted")
	}
	return encErr
}
