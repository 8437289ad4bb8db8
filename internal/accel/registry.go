package accel

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/kataras/golog"
)

var logger = golog.Child("[accel]")

// ErrNoDevice is returned when no registered backend can serve a request
var ErrNoDevice = errors.New("accel: no usable device")

// Type identifies an accelerator family
type Type string

const (
	TypeAuto         Type = "auto"         // Best available
	TypeNVENC        Type = "nvenc"        // NVIDIA NVENC
	TypeQSV          Type = "qsv"          // Intel Quick Sync Video
	TypeVAAPI        Type = "vaapi"        // VA-API (AMD, Intel, older hardware)
	TypeVideoToolbox Type = "videotoolbox" // Apple VideoToolbox (macOS)
	TypeSoftware     Type = "software"     // libx264 on the CPU
	TypeSoft         Type = "soft"         // Simulated device, always available
)

// ParseType accepts a case-insensitive accelerator name
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case TypeAuto, TypeNVENC, TypeQSV, TypeVAAPI, TypeVideoToolbox, TypeSoftware, TypeSoft:
		return t, nil
	case "":
		return TypeAuto, nil
	default:
		return "", fmt.Errorf("unknown device type %q", s)
	}
}

// Backend describes one accelerator implementation.
// Lower Priority values are preferred by auto selection.
type Backend struct {
	Name        string
	Type        Type
	Priority    int
	Description string

	// Check reports whether the backend can run on this machine
	Check func() bool

	// New creates an uninitialised device
	New func() (Device, error)
}

// Detected is a backend with its availability check result
type Detected struct {
	Backend
	Available bool
}

// Registry holds the backends compiled into the binary
type Registry struct {
	mu       sync.RWMutex
	backends []Backend
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{}
}

var defaultRegistry = NewRegistry()

// Register adds b to the process registry. Backends call it from init.
func Register(b Backend) { defaultRegistry.Register(b) }

// Detect checks the process registry
func Detect() []Detected { return defaultRegistry.Detect() }

// Select picks from the process registry
func Select(requested Type) (*Detected, error) { return defaultRegistry.Select(requested) }

// Status describes the process registry
func Status() string { return defaultRegistry.Status() }

// Register adds b, replacing any backend with the same name
func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.backends {
		if r.backends[i].Name == b.Name {
			r.backends[i] = b
			return
		}
	}
	r.backends = append(r.backends, b)
	sort.SliceStable(r.backends, func(i, j int) bool {
		return r.backends[i].Priority < r.backends[j].Priority
	})
}

// Detect checks every backend in priority order
func (r *Registry) Detect() []Detected {
	r.mu.RLock()
	backends := append([]Backend(nil), r.backends...)
	r.mu.RUnlock()

	detected := make([]Detected, 0, len(backends))
	for _, b := range backends {
		d := Detected{Backend: b}
		if b.Check != nil {
			d.Available = b.Check()
		}
		logger.Debugf("check %s (%s): available=%v", b.Name, b.Type, d.Available)
		detected = append(detected, d)
	}
	return detected
}

// Select returns the best available backend.
// TypeAuto takes the first available backend in priority order; any other
// type must match a registered backend that is available.
func (r *Registry) Select(requested Type) (*Detected, error) {
	detected := r.Detect()

	if requested == TypeAuto || requested == "" {
		for i := range detected {
			if detected[i].Available {
				return &detected[i], nil
			}
		}
		return nil, fmt.Errorf("%w: nothing available", ErrNoDevice)
	}

	found := false
	for i := range detected {
		if detected[i].Type != requested {
			continue
		}
		found = true
		if detected[i].Available {
			return &detected[i], nil
		}
	}

	if found {
		return nil, fmt.Errorf("%w: %s is not available on this machine", ErrNoDevice, requested)
	}
	return nil, fmt.Errorf("%w: %s is not compiled in", ErrNoDevice, requested)
}

// Status returns a human-readable status of all backends
func (r *Registry) Status() string {
	var sb strings.Builder
	sb.WriteString("Encode Device Status:\n")

	for _, d := range r.Detect() {
		status := "not available"
		if d.Available {
			status = "available"
		}
		sb.WriteString("  ")
		sb.WriteString(d.Description)
		sb.WriteString(" (")
		sb.WriteString(d.Name)
		sb.WriteString("): ")
		sb.WriteString(status)
		sb.WriteString("\n")
	}

	return sb.String()
}
