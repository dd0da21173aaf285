package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortexvrm_frames_received_total",
			Help: "Inbound session frames by event type",
		},
		[]string{"type"},
	)

	SessionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cortexvrm_session_state",
			Help: "Session state (0 disconnected, 1 connecting, 2 connected)",
		},
	)

	TurnsCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cortexvrm_turns_completed_total",
			Help: "Conversation turns that reached done",
		},
	)

	AudioBytesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cortexvrm_audio_bytes_received_total",
			Help: "Synthesized speech bytes received",
		},
	)

	DecodeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortexvrm_audio_decode_failures_total",
			Help: "Speech buffers that could not be decoded",
		},
		[]string{"format"},
	)

	PlaybackSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cortexvrm_audio_playback_seconds",
			Help:    "Duration of decoded speech buffers",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8),
		},
	)

	MicUtterancesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cortexvrm_mic_utterances_sent_total",
			Help: "Buffered microphone utterances flushed to the session",
		},
	)

	RetargetBoundTracks = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cortexvrm_retarget_bound_tracks",
			Help:    "Tracks bound per retargeted clip",
			Buckets: prometheus.LinearBuckets(0, 4, 10),
		},
	)

	MissingBones = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cortexvrm_retarget_missing_bones_total",
			Help: "Source bones with no joint on the skeleton",
		},
	)
)
