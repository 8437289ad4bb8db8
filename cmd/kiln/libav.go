//go:build libav

package main

// FFmpeg hardware encoders
import _ "github.com/linuxmatters/kiln/internal/accel/libav"
