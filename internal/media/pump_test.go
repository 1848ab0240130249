package media

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const waitFor = 2 * time.Second
const pollEvery = 5 * time.Millisecond

// captureSink records everything pumped into it.
type captureSink struct {
	mu     sync.Mutex
	chunks []Chunk
	frames []Frame
	err    error
}

func (s *captureSink) SendAudioChunk(c Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.chunks = append(s.chunks, c)
	return nil
}

func (s *captureSink) SendVideoFrame(f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *captureSink) chunkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

func (s *captureSink) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *captureSink) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// failingAudioSource refuses to start, like a missing microphone.
type failingAudioSource struct{}

func (failingAudioSource) Start(context.Context) (<-chan Chunk, error) {
	return nil, errors.New("device busy")
}
func (failingAudioSource) Stop() {}

func TestAudioPumpForwardsChunks(t *testing.T) {
	src := &ToneSource{Interval: 5 * time.Millisecond}
	sink := &captureSink{}
	pump := NewAudioPump(src, sink, zap.NewNop())

	require.NoError(t, pump.Start(context.Background()))
	require.Eventually(t, func() bool { return sink.chunkCount() >= 3 }, waitFor, pollEvery)

	sink.mu.Lock()
	first := sink.chunks[0]
	sink.mu.Unlock()
	assert.NotEmpty(t, first.Data)
	assert.Equal(t, "audio/pcm;rate=16000", first.Mime)

	pump.Stop()
	n := sink.chunkCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, sink.chunkCount(), "chunks kept flowing after Stop")

	// Stop again is safe.
	pump.Stop()
}

func TestAudioPumpStartIsIdempotent(t *testing.T) {
	src := &ToneSource{Interval: 5 * time.Millisecond}
	sink := &captureSink{}
	pump := NewAudioPump(src, sink, zap.NewNop())

	require.NoError(t, pump.Start(context.Background()))
	require.NoError(t, pump.Start(context.Background()))
	pump.Stop()
}

func TestAudioPumpAcquisitionFailure(t *testing.T) {
	pump := NewAudioPump(failingAudioSource{}, &captureSink{}, zap.NewNop())

	err := pump.Start(context.Background())
	require.Error(t, err)
	var acqErr *AcquisitionError
	require.ErrorAs(t, err, &acqErr)
	assert.Equal(t, "microphone", acqErr.Device)
}

func TestAudioPumpStopsOnSinkError(t *testing.T) {
	src := &ToneSource{Interval: 5 * time.Millisecond}
	sink := &captureSink{}
	pump := NewAudioPump(src, sink, zap.NewNop())

	require.NoError(t, pump.Start(context.Background()))
	require.Eventually(t, func() bool { return sink.chunkCount() >= 1 }, waitFor, pollEvery)

	sink.setErr(errors.New("connection gone"))
	// The forwarding goroutine exits on the next chunk; Stop still
	// returns cleanly afterwards.
	time.Sleep(30 * time.Millisecond)
	pump.Stop()
}

func TestVideoPumpThrottlesToFrameRate(t *testing.T) {
	// Source emits every 5ms, pump forwards at ~20fps, so over 500ms at
	// most ~11 frames may pass where the source produced ~100.
	src := &StillSource{Interval: 5 * time.Millisecond}
	sink := &captureSink{}
	pump := NewVideoPump(src, sink, 20, zap.NewNop())

	require.NoError(t, pump.Start(context.Background()))
	time.Sleep(500 * time.Millisecond)
	pump.Stop()

	got := sink.frameCount()
	assert.Greater(t, got, 0)
	assert.LessOrEqual(t, got, 15)
}

func TestVideoPumpDefaultsFrameRate(t *testing.T) {
	pump := NewVideoPump(&StillSource{}, &captureSink{}, 0, zap.NewNop())
	assert.Equal(t, 1, pump.fps)
}

func TestStillSourceMode(t *testing.T) {
	assert.Equal(t, ModeWebcam, (&StillSource{}).Mode())
	assert.Equal(t, ModeScreen, (&StillSource{ModeHint: ModeScreen}).Mode())
}

func TestVideoPumpStopIsSafeWhenIdle(t *testing.T) {
	pump := NewVideoPump(&StillSource{}, &captureSink{}, 1, zap.NewNop())
	pump.Stop()
}
