package media

import (
	"context"
	"math"
	"sync"
	"time"
)

// ToneSource is a synthetic AudioSource producing a sine tone as 16kHz
// mono PCM. It exists for tests and the dev CLI, where no real
// microphone is available.
type ToneSource struct {
	Freq     float64       // tone frequency, defaults to 440Hz
	Interval time.Duration // chunk cadence, defaults to 100ms

	mu     sync.Mutex
	cancel context.CancelFunc
}

const toneSampleRate = 16000

func (s *ToneSource) Start(ctx context.Context) (<-chan Chunk, error) {
	freq := s.Freq
	if freq == 0 {
		freq = 440
	}
	interval := s.Interval
	if interval == 0 {
		interval = 100 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	out := make(chan Chunk)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var phase float64
		samplesPerChunk := int(float64(toneSampleRate) * interval.Seconds())
		step := 2 * math.Pi * freq / toneSampleRate

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				buf := make([]byte, samplesPerChunk*2)
				for i := 0; i < samplesPerChunk; i++ {
					v := int16(math.Sin(phase) * math.MaxInt16 * 0.3)
					buf[2*i] = byte(v)
					buf[2*i+1] = byte(v >> 8)
					phase += step
				}
				select {
				case out <- Chunk{Data: buf, Mime: "audio/pcm;rate=16000"}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *ToneSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// StillSource is a synthetic VideoSource emitting the same frame
// repeatedly, for tests and the dev CLI.
type StillSource struct {
	ModeHint VideoMode     // defaults to ModeWebcam
	Payload  []byte        // frame bytes, defaults to a tiny placeholder
	Interval time.Duration // defaults to 500ms

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (s *StillSource) Mode() VideoMode {
	if s.ModeHint == "" {
		return ModeWebcam
	}
	return s.ModeHint
}

func (s *StillSource) Start(ctx context.Context) (<-chan Frame, error) {
	payload := s.Payload
	if payload == nil {
		payload = []byte{0xff, 0xd8, 0xff, 0xd9} // minimal JPEG marker pair
	}
	interval := s.Interval
	if interval == 0 {
		interval = 500 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	out := make(chan Frame)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				select {
				case out <- Frame{Data: payload, Mime: "image/jpeg"}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *StillSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}
