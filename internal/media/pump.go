package media

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AudioPump drains an AudioSource into a FrameSink until stopped.
type AudioPump struct {
	src    AudioSource
	sink   FrameSink
	logger *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewAudioPump creates a pump. The source is not started until Start.
func NewAudioPump(src AudioSource, sink FrameSink, logger *zap.Logger) *AudioPump {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AudioPump{src: src, sink: sink, logger: logger}
}

// Start acquires the source and begins forwarding chunks. A second
// Start without an intervening Stop is a no-op.
func (p *AudioPump) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	chunks, err := p.src.Start(ctx)
	if err != nil {
		cancel()
		return &AcquisitionError{Device: "microphone", Err: err}
	}

	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true

	go p.run(ctx, chunks, p.done)
	return nil
}

func (p *AudioPump) run(ctx context.Context, chunks <-chan Chunk, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-chunks:
			if !ok {
				return
			}
			if err := p.sink.SendAudioChunk(c); err != nil {
				p.logger.Warn("audio chunk dropped", zap.Error(err))
				return
			}
		}
	}
}

// Stop releases the source and waits for the forwarding goroutine to
// exit. Safe to call when not running.
func (p *AudioPump) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel, done := p.cancel, p.done
	p.running = false
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	cancel()
	p.src.Stop()
	<-done
}

// VideoPump drains a VideoSource into a FrameSink, throttled to a
// frame-rate hint. Frames arriving faster than the ticker are dropped
// in favor of the most recent one.
type VideoPump struct {
	src    VideoSource
	sink   FrameSink
	fps    int
	logger *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewVideoPump creates a pump sending at most fps frames per second.
// A non-positive fps defaults to 1.
func NewVideoPump(src VideoSource, sink FrameSink, fps int, logger *zap.Logger) *VideoPump {
	if fps <= 0 {
		fps = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VideoPump{src: src, sink: sink, fps: fps, logger: logger}
}

// Start acquires the source and begins forwarding frames.
func (p *VideoPump) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	frames, err := p.src.Start(ctx)
	if err != nil {
		cancel()
		return &AcquisitionError{Device: string(p.src.Mode()), Err: err}
	}

	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true

	go p.run(ctx, frames, p.done)
	return nil
}

func (p *VideoPump) run(ctx context.Context, frames <-chan Frame, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(time.Second / time.Duration(p.fps))
	defer ticker.Stop()

	var (
		latest  Frame
		pending bool
	)
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			latest, pending = f, true
		case <-ticker.C:
			if !pending {
				continue
			}
			pending = false
			if err := p.sink.SendVideoFrame(latest); err != nil {
				p.logger.Warn("video frame dropped", zap.Error(err))
				return
			}
		}
	}
}

// Stop releases the source and waits for the forwarding goroutine.
func (p *VideoPump) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel, done := p.cancel, p.done
	p.running = false
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	cancel()
	p.src.Stop()
	<-done
}
