// Package media provides capture adapters that feed microphone, webcam,
// and screen-share frames into the realtime connection. Actual device
// acquisition is platform-owned, so capture is expressed as sources the
// host application implements; this package handles pumping, frame-rate
// throttling, and exclusive device ownership.
package media

import (
	"context"
	"fmt"
)

// VideoMode identifies which video device a source captures.
type VideoMode string

const (
	ModeWebcam VideoMode = "webcam"
	ModeScreen VideoMode = "screen"
)

// Chunk is one captured audio buffer.
type Chunk struct {
	Data []byte
	Mime string // e.g. "audio/pcm;rate=16000"
}

// Frame is one captured video frame.
type Frame struct {
	Data []byte
	Mime string // e.g. "image/jpeg"
}

// AudioSource captures microphone audio. Start acquires the device and
// begins producing chunks; the returned channel is closed by Stop or
// when the context is cancelled. Stop must fully release the device.
type AudioSource interface {
	Start(ctx context.Context) (<-chan Chunk, error)
	Stop()
}

// VideoSource captures webcam or screen-share frames. Same lifecycle
// contract as AudioSource.
type VideoSource interface {
	Mode() VideoMode
	Start(ctx context.Context) (<-chan Frame, error)
	Stop()
}

// FrameSink receives captured media, typically the transport client.
type FrameSink interface {
	SendAudioChunk(c Chunk) error
	SendVideoFrame(f Frame) error
}

// AcquisitionError indicates a capture device could not be acquired:
// permission denied, device busy, or not present.
type AcquisitionError struct {
	Device string
	Err    error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquire %s: %v", e.Device, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }
