package transcript

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/pkg/audio"
	"github.com/voxbridge/voxbridge/pkg/provider/embeddings"
	"github.com/voxbridge/voxbridge/pkg/provider/stt"
	"github.com/voxbridge/voxbridge/pkg/provider/vad"
)

// Defaults for Config fields left zero.
const (
	DefaultSTTSampleRate = 16000
	DefaultQueueDepth    = 512
	DefaultMaxSegmentSec = 60
)

// Config assembles a transcription consumer for one call.
type Config struct {
	CallID string

	// SampleRate and FrameDurationMs describe the frames the fork delivers.
	SampleRate      int
	FrameDurationMs int

	// VAD tunes the consumer's own speech detector. Independent from the
	// agent's detector so transcription quality does not couple to the
	// conversation pipeline.
	VAD    vad.Config
	Engine vad.Engine

	STT stt.Provider

	// Embedder is optional; when nil segments are stored without vectors.
	Embedder embeddings.Provider

	Writer Writer

	// Vocabulary lists known names (departments, people) used to correct
	// transcription errors before storage.
	Vocabulary []string

	// Language is recorded on segments whose transcription result carries
	// no language of its own.
	Language string

	STTSampleRate int
	QueueDepth    int
	MaxSegmentSec int

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Consumer implements the fork consumer contract: it receives every forked
// frame, segments speech with its own VAD, and persists transcribed segments.
// Frame delivery never blocks on the database or the STT provider; a bounded
// queue decouples them and overflow drops frames.
type Consumer struct {
	cfg  Config
	log  *slog.Logger
	sess vad.SessionHandle

	frames  chan []byte
	done    chan struct{}
	closed  atomic.Bool
	dropped atomic.Uint64

	wg sync.WaitGroup
}

// NewConsumer builds and starts a Consumer. Close must be called to flush
// and release it.
func NewConsumer(cfg Config) (*Consumer, error) {
	if cfg.Writer == nil {
		return nil, fmt.Errorf("transcript: Writer is required")
	}
	if cfg.STT == nil {
		return nil, fmt.Errorf("transcript: STT provider is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("transcript: VAD engine is required")
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 8000
	}
	if cfg.FrameDurationMs == 0 {
		cfg.FrameDurationMs = 20
	}
	if cfg.STTSampleRate == 0 {
		cfg.STTSampleRate = DefaultSTTSampleRate
	}
	if cfg.QueueDepth == 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if cfg.MaxSegmentSec == 0 {
		cfg.MaxSegmentSec = DefaultMaxSegmentSec
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	vadCfg := cfg.VAD
	vadCfg.SampleRate = cfg.SampleRate
	vadCfg.FrameSizeMs = cfg.FrameDurationMs
	sess, err := cfg.Engine.NewSession(vadCfg)
	if err != nil {
		return nil, fmt.Errorf("transcript: vad session: %w", err)
	}

	c := &Consumer{
		cfg:    cfg,
		log:    cfg.Logger.With("component", "transcript", "call_id", cfg.CallID),
		sess:   sess,
		frames: make(chan []byte, cfg.QueueDepth),
		done:   make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c, nil
}

// Name identifies the consumer in logs and metrics.
func (c *Consumer) Name() string { return "transcript" }

// Available reports whether the consumer accepts frames.
func (c *Consumer) Available() bool { return !c.closed.Load() }

// Consume queues one batch of forked frames. It never blocks; frames that do
// not fit in the queue are dropped and counted.
func (c *Consumer) Consume(ctx context.Context, frames []audio.Frame) error {
	if c.closed.Load() {
		return fmt.Errorf("transcript: consumer closed")
	}
	for _, f := range frames {
		cp := make([]byte, len(f.Data))
		copy(cp, f.Data)
		select {
		case c.frames <- cp:
		default:
			c.dropped.Add(1)
			c.cfg.Metrics.RecordFrameDrop(ctx, c.Name(), 1)
		}
	}
	return nil
}

// Close stops frame intake, waits for in-flight transcription to finish, and
// releases the VAD session.
func (c *Consumer) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)
	c.wg.Wait()
	return c.sess.Close()
}

// Dropped returns the number of frames discarded due to queue overflow.
func (c *Consumer) Dropped() uint64 { return c.dropped.Load() }

func (c *Consumer) run() {
	defer c.wg.Done()

	frameBytes := c.cfg.SampleRate * c.cfg.FrameDurationMs / 1000 * 2
	maxBytes := c.cfg.MaxSegmentSec * c.cfg.SampleRate * 2

	var (
		stage []byte
		buf   []byte
		start time.Time
	)
	flush := func() {
		if len(buf) > 0 {
			c.finishSegment(buf, start)
		}
		buf = nil
	}
	for {
		var pcm []byte
		select {
		case <-c.done:
			flush()
			return
		case pcm = <-c.frames:
		}
		stage = append(stage, pcm...)
		for len(stage) >= frameBytes {
			frame := stage[:frameBytes]
			stage = stage[frameBytes:]

			ev, err := c.sess.ProcessFrame(frame)
			if err != nil {
				c.log.Warn("vad processing failed", "error", err)
				continue
			}
			switch ev.Type {
			case vad.VADSpeechStart:
				start = time.Now()
				buf = append(buf[:0], frame...)
			case vad.VADSpeechContinue:
				if buf == nil {
					continue
				}
				buf = append(buf, frame...)
				if len(buf) >= maxBytes {
					c.sess.Reset()
					flush()
				}
			case vad.VADSpeechEnd:
				if buf == nil {
					continue
				}
				buf = append(buf, frame...)
				flush()
			case vad.VADSilence:
				// Either no speech or a burst below the minimum duration.
				buf = nil
			}
		}
	}
}

// finishSegment runs STT, optional vocabulary correction and embedding, then
// persists the segment. Failures are logged and the segment is dropped; the
// primary conversation path is unaffected.
func (c *Consumer) finishSegment(pcm []byte, start time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if c.cfg.SampleRate != c.cfg.STTSampleRate {
		pcm = audio.ResampleMono16(pcm, c.cfg.SampleRate, c.cfg.STTSampleRate)
	}

	res, err := c.cfg.STT.Transcribe(ctx, pcm, c.cfg.STTSampleRate)
	if err != nil {
		c.log.Warn("transcription failed", "error", err)
		c.cfg.Metrics.RecordProviderError(ctx, "stt", "transcribe")
		return
	}
	if res.Text == "" {
		return
	}

	text := correctNames(res.Text, c.cfg.Vocabulary)

	lang := res.Language
	if lang == "" {
		lang = c.cfg.Language
	}
	seg := Segment{
		CallID:     c.cfg.CallID,
		Timestamp:  start,
		Text:       text,
		Language:   lang,
		Confidence: res.Confidence,
	}
	if c.cfg.Embedder != nil {
		vec, err := c.cfg.Embedder.Embed(ctx, text)
		if err != nil {
			c.log.Warn("embedding failed, storing segment without vector", "error", err)
			c.cfg.Metrics.RecordProviderError(ctx, "embeddings", "embed")
		} else {
			seg.Embedding = vec
		}
	}

	if err := c.cfg.Writer.WriteSegment(ctx, seg); err != nil {
		c.log.Error("segment write failed", "error", err)
		return
	}
	c.log.Debug("segment stored", "chars", len(text), "confidence", res.Confidence)
}
