package motion

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/cortexvrm/internal/metrics"
)

// EngineConfig holds motion playback tunables.
type EngineConfig struct {
	FadeDuration time.Duration `mapstructure:"fade_duration"`
	// ReleaseGrace is added to the fade before a finished one-shot is released.
	ReleaseGrace time.Duration `mapstructure:"release_grace"`
	Amplify      AmplifyConfig `mapstructure:"amplify"`
}

// DefaultEngineConfig returns the default playback tunables.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		FadeDuration: 200 * time.Millisecond,
		ReleaseGrace: 50 * time.Millisecond,
		Amplify:      DefaultAmplifyConfig(),
	}
}

// PlayReport describes a one-shot that was started.
type PlayReport struct {
	Clip     string
	Duration float32
	Bound    int
	Missing  []string
}

type pendingRelease struct {
	action *Action
	at     float32
}

// Engine plays an idle loop and one-shot motions on a single skeleton.
// At most two actions blend at any time: the outgoing and the incoming.
type Engine struct {
	mu sync.Mutex

	logger  zerolog.Logger
	cfg     EngineConfig
	aliases *AliasTable

	skeleton Skeleton
	mixer    *Mixer

	idleClip *Clip
	idle     *Action
	current  *Action
	last     *Action
	releases []pendingRelease
}

// NewEngine creates an engine. A nil alias table selects the built-in one.
func NewEngine(cfg EngineConfig, aliases *AliasTable, logger zerolog.Logger) *Engine {
	if aliases == nil {
		aliases = DefaultAliases()
	}
	return &Engine{
		logger:  logger.With().Str("component", "motion").Logger(),
		cfg:     cfg,
		aliases: aliases,
	}
}

func (e *Engine) fade() float32 {
	return float32(e.cfg.FadeDuration.Seconds())
}

// BindSkeleton attaches the engine to a skeleton. Previous actions are
// dropped and the idle loop, if any, restarts on the new skeleton.
func (e *Engine) BindSkeleton(skel Skeleton) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.skeleton = skel
	e.mixer = NewMixer()
	e.mixer.OnFinished(e.handleFinished)
	e.idle, e.current, e.last = nil, nil, nil
	e.releases = nil

	if e.idleClip != nil {
		e.startIdleLocked(e.idleClip)
	}
}

// SetIdle installs the looping idle clip. Without a skeleton the clip is
// kept and started on BindSkeleton.
func (e *Engine) SetIdle(clip *Clip) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.idleClip = clip
	if e.skeleton == nil {
		return nil
	}
	return e.startIdleLocked(clip)
}

func (e *Engine) startIdleLocked(clip *Clip) error {
	bound, err := Retarget(clip, e.skeleton, e.aliases)
	if err != nil {
		e.logger.Warn().Err(err).Str("clip", clip.Name()).Strs("missing", bound.missingOrNil()).Msg("idle clip not applied")
		return err
	}
	if len(bound.Missing) > 0 {
		e.logger.Debug().Strs("missing", bound.Missing).Msg("idle clip has unbound bones")
	}

	next := e.mixer.ClipAction(bound)
	next.Loop = LoopRepeat
	old := e.idle
	e.idle = next

	switch {
	case e.current != nil:
		// The one-shot holds the pose; the new idle comes in when it ends.
		if old != nil {
			e.mixer.Release(old)
			e.dropRelease(old)
		}
		e.last = e.current
	case old == nil:
		next.Reset().FadeIn(e.fade()).Play()
		e.last = next
	default:
		e.trimLocked(old, next)
		next.Reset().CrossFadeFrom(old, e.fade()).Play()
		e.scheduleRelease(old)
		e.last = next
	}
	e.logger.Info().Str("clip", clip.Name()).Int("tracks", len(bound.Bindings)).Msg("idle loop set")
	return nil
}

// trimLocked stops every scheduled action except keep. The idle action
// is only stopped, one-shots are released.
func (e *Engine) trimLocked(keep ...*Action) {
	for _, a := range e.mixer.Actions() {
		if !a.Active() || slices.Contains(keep, a) {
			continue
		}
		if a == e.idle {
			a.Stop()
			continue
		}
		e.mixer.Release(a)
		e.dropRelease(a)
	}
}

func (b *BoundClip) missingOrNil() []string {
	if b == nil {
		return nil
	}
	return b.Missing
}

// Play retargets clip and plays it once, cross-fading from whatever is
// playing. It replaces any previous one-shot.
func (e *Engine) Play(clip *Clip) (*PlayReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.skeleton == nil {
		return nil, ErrNoSkeleton
	}

	bound, err := Retarget(clip, e.skeleton, e.aliases)
	if bound != nil {
		metrics.RetargetBoundTracks.Observe(float64(len(bound.Bindings)))
		metrics.MissingBones.Add(float64(len(bound.Missing)))
	}
	if err != nil {
		e.logger.Warn().Err(err).Str("clip", clip.Name()).Strs("missing", bound.missingOrNil()).Msg("motion not played")
		return &PlayReport{Clip: clip.Name(), Duration: clip.Duration(), Missing: bound.missingOrNil()}, err
	}
	if len(bound.Missing) > 0 {
		e.logger.Warn().Str("clip", clip.Name()).Strs("missing", bound.Missing).Msg("motion bones not found on skeleton")
	}

	action := e.mixer.ClipAction(bound)
	action.Loop = LoopOnce
	action.ClampWhenFinished = true
	action.Reset()

	from := e.last
	if from == nil || !from.Active() {
		from = e.idle
	}
	e.trimLocked(action, from)

	if from != nil && from != action {
		action.CrossFadeFrom(from, e.fade())
		if from != e.idle {
			e.scheduleRelease(from)
		}
	} else {
		action.FadeIn(e.fade())
	}
	action.Play()

	e.current = action
	e.last = action

	e.logger.Info().
		Str("clip", clip.Name()).
		Float32("duration", clip.Duration()).
		Int("tracks", len(bound.Bindings)).
		Msg("motion: play")

	return &PlayReport{
		Clip:     clip.Name(),
		Duration: clip.Duration(),
		Bound:    len(bound.Bindings),
		Missing:  bound.Missing,
	}, nil
}

// PlayPayload converts a generated motion and plays it.
func (e *Engine) PlayPayload(p *Payload) (*PlayReport, error) {
	return e.Play(ClipFromPayload(p, e.cfg.Amplify))
}

// PlayFile loads a clip file or URL and plays it.
func (e *Engine) PlayFile(ctx context.Context, src string) (*PlayReport, error) {
	clip, err := LoadClip(ctx, src, e.cfg.Amplify)
	if err != nil {
		e.logger.Error().Err(err).Str("src", src).Msg("load motion failed")
		return nil, err
	}
	return e.Play(clip)
}

// handleFinished runs inside Mixer.Update with e.mu held.
func (e *Engine) handleFinished(a *Action) {
	if a != e.current {
		return
	}
	if e.idle != nil {
		e.idle.FadeIn(e.fade()).Play()
		e.last = e.idle
	} else {
		e.last = nil
	}
	a.FadeOut(e.fade())
	e.scheduleRelease(a)
	e.current = nil
	e.logger.Debug().Str("clip", a.Clip().Name).Msg("motion finished")
}

func (e *Engine) scheduleRelease(a *Action) {
	e.dropRelease(a)
	at := e.mixer.Time() + e.fade() + float32(e.cfg.ReleaseGrace.Seconds())
	e.releases = append(e.releases, pendingRelease{action: a, at: at})
}

func (e *Engine) dropRelease(a *Action) {
	kept := e.releases[:0]
	for _, r := range e.releases {
		if r.action != a {
			kept = append(kept, r)
		}
	}
	e.releases = kept
}

// Update advances the animation by dt. The renderer calls it once per frame.
func (e *Engine) Update(dt time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.mixer == nil {
		return
	}
	e.mixer.Update(float32(dt.Seconds()))

	now := e.mixer.Time()
	kept := e.releases[:0]
	for _, r := range e.releases {
		if now < r.at {
			kept = append(kept, r)
			continue
		}
		if r.action == e.current || r.action == e.idle {
			continue
		}
		e.mixer.Release(r.action)
		if e.last == r.action {
			e.last = e.idle
		}
	}
	e.releases = kept
}

// ActionState is a read-only view of one scheduled action.
type ActionState struct {
	Clip      string
	Idle      bool
	Weight    float32
	Fading    bool
	FadingOut bool
	Running   bool
}

// Actions reports the actions currently held by the mixer.
func (e *Engine) Actions() []ActionState {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.mixer == nil {
		return nil
	}
	var out []ActionState
	for _, a := range e.mixer.Actions() {
		if !a.Active() {
			continue
		}
		out = append(out, ActionState{
			Clip:      a.Clip().Name,
			Idle:      a == e.idle,
			Weight:    a.EffectiveWeight(),
			Fading:    a.Fading(),
			FadingOut: a.FadingOut(),
			Running:   a.Running(),
		})
	}
	return out
}

// Playing reports whether a one-shot is in its active phase.
func (e *Engine) Playing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current != nil
}
