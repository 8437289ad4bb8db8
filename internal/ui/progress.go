package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/linuxmatters/kiln/internal/cli"
	"github.com/linuxmatters/kiln/internal/encoder"
)

// Fire colours for bars and sparklines
var (
	emberGlow = lipgloss.Color("#8B0000") // Dark ember red
	ashGray   = lipgloss.Color("#3A3A3A")
)

// EncodeProgress is a pipeline snapshot sent while encoding
type EncodeProgress struct {
	Stats       encoder.Stats
	TotalFrames int64 // 0 when the input length is unknown
	Bytes       int64
	Elapsed     time.Duration
}

// EncodeComplete signals the end of an encode
type EncodeComplete struct {
	Output    string
	Stats     encoder.Stats
	Bytes     int64
	Segments  int
	TotalTime time.Duration
	Err       error
}

// progressQuitMsg is sent when it's time to quit after showing completion
type progressQuitMsg struct{}

// Model renders a live view of the encode pipeline
type Model struct {
	progressBar progress.Model
	ringBar     progress.Model

	device     string
	asyncDepth int
	fps        float64

	state    EncodeProgress
	complete *EncodeComplete

	startTime       time.Time
	width           int
	completionDelay time.Duration
}

// NewModel creates a progress model for an encode on device with
// asyncDepth tasks in flight at most.
func NewModel(device string, asyncDepth int, fps float64) *Model {
	p := progress.New(
		progress.WithGradient(string(cli.FireCrimson), string(cli.FireYellow)),
		progress.WithWidth(40),
		progress.WithoutPercentage(),
	)

	// Task ring occupancy
	ring := progress.New(
		progress.WithGradient(string(cli.FireRed), string(cli.FireOrange)),
		progress.WithWidth(20),
		progress.WithoutPercentage(),
	)

	if fps <= 0 {
		fps = 30
	}

	return &Model{
		progressBar:     p,
		ringBar:         ring,
		device:          device,
		asyncDepth:      asyncDepth,
		fps:             fps,
		startTime:       time.Now(),
		completionDelay: 2 * time.Second,
	}
}

// Init initializes the model
func (m *Model) Init() tea.Cmd {
	return nil
}

// Update handles messages
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.progressBar.Width = max(min(msg.Width-30, 50), 10)
		return m, nil

	case EncodeProgress:
		m.state = msg
		return m, nil

	case EncodeComplete:
		m.complete = &msg
		m.state.Stats = msg.Stats
		m.state.Bytes = msg.Bytes
		return m, tea.Tick(m.completionDelay, func(time.Time) tea.Msg {
			return progressQuitMsg{}
		})

	case progressQuitMsg:
		return m, tea.Quit

	case tea.KeyMsg:
		if m.complete != nil {
			return m, tea.Quit
		}
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	}

	return m, nil
}

// View renders the UI
func (m *Model) View() string {
	if m.complete != nil {
		return m.renderComplete()
	}
	return m.renderProgress()
}

// CompletionSummary returns the final summary for printing after the
// program exits, or "" while encoding.
func (m *Model) CompletionSummary() string {
	if m.complete == nil {
		return ""
	}
	return m.renderComplete()
}

func (m *Model) renderProgress() string {
	var s strings.Builder

	s.WriteString(lipgloss.NewStyle().Bold(true).Foreground(cli.FireYellow).Render("Kiln 🔥"))
	s.WriteString("\n")
	s.WriteString(lipgloss.NewStyle().Foreground(cli.FireOrange).Render(
		fmt.Sprintf("Encoding on %s  │  %s", m.device, m.state.Stats.State)))
	s.WriteString("\n\n")

	st := m.state.Stats
	elapsed := m.state.Elapsed
	if elapsed == 0 {
		elapsed = time.Since(m.startTime)
	}

	if m.state.TotalFrames > 0 {
		percent := float64(st.Synchronized) / float64(m.state.TotalFrames)
		if percent > 1 {
			percent = 1
		}
		s.WriteString("Progress: ")
		s.WriteString(m.progressBar.ViewAs(percent))
		s.WriteString(fmt.Sprintf("  %d%%", int(percent*100)))
		s.WriteString("\n\n")

		var eta time.Duration
		if percent > 0 {
			eta = time.Duration(float64(elapsed)/percent) - elapsed
		}
		s.WriteString(lipgloss.NewStyle().Faint(true).Render(
			fmt.Sprintf("Time: %s  │  %s  │  ETA: %s",
				formatDuration(elapsed), m.speed(st.Synchronized, elapsed), formatDuration(eta))))
		s.WriteString("\n")
		s.WriteString(lipgloss.NewStyle().Faint(true).Italic(true).Render(
			fmt.Sprintf("Frame %d of %d", st.Synchronized, m.state.TotalFrames)))
	} else {
		s.WriteString(lipgloss.NewStyle().Faint(true).Render(
			fmt.Sprintf("%d frames  │  Time: %s  │  %s",
				st.Synchronized, formatDuration(elapsed), m.speed(st.Synchronized, elapsed))))
	}
	s.WriteString("\n\n")

	m.renderPipeline(&s, st, m.state.Bytes)

	return lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(cli.FireRed).
		Padding(1, 2).
		Render(s.String())
}

func (m *Model) renderPipeline(s *strings.Builder, st encoder.Stats, bytes int64) {
	label := lipgloss.NewStyle().Faint(true)
	value := lipgloss.NewStyle().Bold(true)

	occupancy := 0.0
	if m.asyncDepth > 0 {
		occupancy = float64(st.InFlight) / float64(m.asyncDepth)
	}
	s.WriteString(label.Render(fmt.Sprintf("%-14s", "In flight:")))
	s.WriteString(m.ringBar.ViewAs(occupancy))
	s.WriteString(value.Render(fmt.Sprintf("  %d/%d", st.InFlight, m.asyncDepth)))
	s.WriteString("\n")

	rows := []struct {
		name string
		val  string
	}{
		{"Output:", formatBytes(bytes)},
		{"Read:", fmt.Sprintf("%d frames", st.FramesRead)},
		{"Submitted:", fmt.Sprintf("%d (+%d drain)", st.Submitted, st.DrainSubmits)},
		{"Busy retries:", fmt.Sprintf("%d", st.BusyRetries)},
		{"Buffer grows:", fmt.Sprintf("%d", st.BufferGrowths)},
	}
	for _, r := range rows {
		s.WriteString(label.Render(fmt.Sprintf("%-14s", r.name)))
		s.WriteString(value.Render(r.val))
		s.WriteString("\n")
	}

	recoveries := value.Render(fmt.Sprintf("%d", st.Recoveries))
	if st.Recoveries > 0 {
		recoveries = lipgloss.NewStyle().Bold(true).Foreground(cli.FireCrimson).Render(fmt.Sprintf("%d", st.Recoveries))
	}
	s.WriteString(label.Render(fmt.Sprintf("%-14s", "Recoveries:")))
	s.WriteString(recoveries)
}

func (m *Model) speed(frames int, elapsed time.Duration) string {
	if elapsed <= 0 || frames == 0 {
		return "0.0 fps"
	}
	fps := float64(frames) / elapsed.Seconds()
	return fmt.Sprintf("%.1f fps (%.1fx realtime)", fps, fps/m.fps)
}

func (m *Model) renderComplete() string {
	var s strings.Builder
	c := m.complete

	border := cli.FireOrange
	if c.Err != nil {
		border = cli.FireCrimson
		s.WriteString(lipgloss.NewStyle().Bold(true).Foreground(cli.FireCrimson).Render("✗ Encoding Failed"))
		s.WriteString("\n\n")
		s.WriteString(c.Err.Error())
		s.WriteString("\n\n")
	} else {
		s.WriteString(lipgloss.NewStyle().Bold(true).Foreground(cli.FireYellow).Render("✓ Encoding Complete!"))
		s.WriteString("\n\n")
	}

	dim := lipgloss.NewStyle().Faint(true)
	s.WriteString(fmt.Sprintf("%s%s\n", dim.Render("Output:   "), c.Output))
	s.WriteString(fmt.Sprintf("%s%s\n", dim.Render("Device:   "), m.device))
	s.WriteString(fmt.Sprintf("%s%d frames, %s\n", dim.Render("Video:    "),
		c.Stats.Synchronized, m.speed(c.Stats.Synchronized, c.TotalTime)))
	s.WriteString(fmt.Sprintf("%s%s", dim.Render("Size:     "), formatBytes(c.Bytes)))
	if c.Segments > 1 {
		s.WriteString(fmt.Sprintf(" in %d segments", c.Segments))
	}
	s.WriteString("\n\n")

	header := lipgloss.NewStyle().Bold(true).Foreground(cli.FireOrange)
	s.WriteString(header.Render("Pipeline"))
	s.WriteString("\n")

	total := c.Stats.Submitted + c.Stats.DrainSubmits
	if total == 0 {
		total = 1
	}
	ratio := float64(c.Stats.DrainSubmits) / float64(total)
	s.WriteString(fmt.Sprintf("  %-18s%-8d %s\n", dim.Render("Drain submits:"), c.Stats.DrainSubmits, makeSparkline(ratio, 20)))
	s.WriteString(fmt.Sprintf("  %-18s%d\n", dim.Render("Drain passes:"), c.Stats.DrainPasses))
	s.WriteString(fmt.Sprintf("  %-18s%d\n", dim.Render("Busy retries:"), c.Stats.BusyRetries))
	s.WriteString(fmt.Sprintf("  %-18s%d\n", dim.Render("Buffer grows:"), c.Stats.BufferGrowths))
	s.WriteString(fmt.Sprintf("  %-18s%d\n", dim.Render("Recoveries:"), c.Stats.Recoveries))
	s.WriteString(fmt.Sprintf("  %-18s%s", dim.Render("Total time:"),
		lipgloss.NewStyle().Foreground(cli.FireOrange).Render(formatDuration(c.TotalTime))))

	return lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(border).
		Padding(1, 1).
		Render(s.String()) + "\n"
}

// Helper functions

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func formatBytes(bytes int64) string {
	if bytes == 0 {
		return "0 B"
	}

	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit && exp < 2; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"KB", "MB", "GB"}
	return fmt.Sprintf("%.1f %s", float64(bytes)/float64(div), units[exp])
}

func makeSparkline(ratio float64, width int) string {
	filled := int(ratio * float64(width))
	if filled > width {
		filled = width
	}

	var result strings.Builder
	for i := 0; i < width; i++ {
		if i < filled {
			// Fire gradient by position
			pos := float64(i) / float64(width)
			var color lipgloss.Color
			switch {
			case pos < 0.25:
				color = emberGlow
			case pos < 0.5:
				color = cli.FireCrimson
			case pos < 0.75:
				color = cli.FireOrange
			default:
				color = cli.FireYellow
			}
			result.WriteString(lipgloss.NewStyle().Foreground(color).Render("█"))
		} else {
			result.WriteString(lipgloss.NewStyle().Foreground(ashGray).Render("░"))
		}
	}

	return result.String()
}
