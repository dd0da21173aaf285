// Package audio buffers, decodes and plays synthesized speech and meters
// its loudness for lip-sync.
package audio

import (
	"errors"
	"time"
)

// Common errors
var (
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	ErrInvalidHeader     = errors.New("invalid wav header")
	ErrEmptyAudio        = errors.New("no audio received")
	ErrBufferFull        = errors.New("audio buffer full")
)

// Format is a speech container format.
type Format string

const (
	FormatOgg  Format = "ogg"
	FormatWAV  Format = "wav"
	FormatWebM Format = "webm"
	FormatPCM  Format = "pcm"
)

// MIME returns the media type of the format.
func (f Format) MIME() string {
	switch f {
	case FormatOgg:
		return "audio/ogg"
	case FormatWAV, FormatPCM:
		return "audio/wav"
	case FormatWebM:
		return "audio/webm"
	}
	return "application/octet-stream"
}

// State is the playback state of the pipeline.
type State string

const (
	StateIdle      State = "idle"
	StateBuffering State = "buffering"
	StatePlaying   State = "playing"
)

// Config holds speech pipeline settings.
type Config struct {
	// Format hint used when speech start omits or zeroes its values.
	DefaultSampleRate int `mapstructure:"default_sample_rate"`
	DefaultChannels   int `mapstructure:"default_channels"`
	// MaxBufferBytes caps one turn of speech; 0 means unlimited.
	MaxBufferBytes int `mapstructure:"max_buffer_bytes"`
	// MeterWindow is the number of frames analysed per level sample.
	MeterWindow int `mapstructure:"meter_window"`
	// MeterInterval is the level sampling cadence, normally one render frame.
	MeterInterval time.Duration `mapstructure:"meter_interval"`
	// OutputDir receives decoded speech as WAV files when set.
	OutputDir string `mapstructure:"output_dir"`
}

// DefaultConfig returns the pipeline defaults: 16 kHz mono hint, 2048
// frame analysis window sampled at 60 Hz.
func DefaultConfig() Config {
	return Config{
		DefaultSampleRate: 16000,
		DefaultChannels:   1,
		MaxBufferBytes:    16000 * 2 * 120,
		MeterWindow:       2048,
		MeterInterval:     time.Second / 60,
	}
}

// Buffer is decoded audio as interleaved float32 samples in [-1, 1].
type Buffer struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Frames returns the number of sample frames.
func (b *Buffer) Frames() int {
	if b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration returns the playback length of the buffer.
func (b *Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}
