package motion

import (
	"github.com/go-gl/mathgl/mgl32"
)

// LoopMode controls what an action does at the end of its clip.
type LoopMode int

const (
	// LoopOnce plays the clip a single time and emits a finished event.
	LoopOnce LoopMode = iota
	// LoopRepeat wraps around forever.
	LoopRepeat
)

type fade struct {
	start, end float32
	from, to   float32
}

func (f *fade) value(now float32) float32 {
	if now >= f.end || f.end <= f.start {
		return f.to
	}
	if now <= f.start {
		return f.from
	}
	return f.from + (f.to-f.from)*(now-f.start)/(f.end-f.start)
}

// Action plays one bound clip inside a Mixer.
type Action struct {
	mixer *Mixer
	clip  *BoundClip

	Loop              LoopMode
	ClampWhenFinished bool

	time      float32
	weight    float32
	effective float32
	enabled   bool
	paused    bool
	active    bool
	fade      *fade
}

// Clip returns the bound clip the action plays.
func (a *Action) Clip() *BoundClip { return a.clip }

// Time returns the local clip time in seconds.
func (a *Action) Time() float32 { return a.time }

// Play schedules the action in its mixer.
func (a *Action) Play() *Action {
	a.active = true
	return a
}

// Stop unschedules the action and resets it.
func (a *Action) Stop() *Action {
	a.active = false
	return a.Reset()
}

// Reset rewinds the action and clears fading and pause state.
func (a *Action) Reset() *Action {
	a.time = 0
	a.paused = false
	a.enabled = true
	a.fade = nil
	return a
}

// Enabled reports whether the action contributes to the pose.
func (a *Action) Enabled() bool { return a.enabled }

// Active reports whether the action is scheduled in the mixer.
func (a *Action) Active() bool { return a.active }

// Paused reports whether the action is held, as after a clamped finish.
func (a *Action) Paused() bool { return a.paused }

// Fading reports whether a weight fade is in progress.
func (a *Action) Fading() bool { return a.fade != nil }

// FadingOut reports whether the action is fading towards zero weight.
func (a *Action) FadingOut() bool { return a.fade != nil && a.fade.to < a.fade.from }

// Running reports whether the action is scheduled, enabled and advancing.
func (a *Action) Running() bool { return a.active && a.enabled && !a.paused }

// EffectiveWeight returns the weight used in the most recent update.
func (a *Action) EffectiveWeight() float32 { return a.effective }

func (a *Action) currentFade() float32 {
	if !a.active || !a.enabled {
		return 0
	}
	if a.fade != nil {
		return a.fade.value(a.mixer.time)
	}
	return 1
}

func (a *Action) scheduleFade(d, from, to float32) *Action {
	now := a.mixer.time
	a.fade = &fade{start: now, end: now + d, from: from, to: to}
	return a
}

// FadeIn ramps the weight up to full over d seconds.
func (a *Action) FadeIn(d float32) *Action {
	from := a.currentFade()
	a.enabled = true
	return a.scheduleFade(d, from, 1)
}

// FadeOut ramps the weight to zero over d seconds. The action is
// disabled when the fade completes.
func (a *Action) FadeOut(d float32) *Action {
	return a.scheduleFade(d, a.currentFade(), 0)
}

// CrossFadeFrom fades other out while fading a in, both over d seconds.
func (a *Action) CrossFadeFrom(other *Action, d float32) *Action {
	other.FadeOut(d)
	return a.FadeIn(d)
}

// advance moves the clip time and reports whether a LoopOnce action
// reached its end in this step.
func (a *Action) advance(dt float32) bool {
	if a.paused || dt == 0 {
		return false
	}
	dur := a.clip.Duration
	t := a.time + dt
	if a.Loop == LoopRepeat {
		if dur <= 0 {
			a.time = 0
			return false
		}
		for t >= dur {
			t -= dur
		}
		for t < 0 {
			t += dur
		}
		a.time = t
		return false
	}
	switch {
	case t >= dur:
		t = dur
	case t < 0:
		t = 0
	default:
		a.time = t
		return false
	}
	a.time = t
	if a.ClampWhenFinished {
		a.paused = true
	} else {
		a.enabled = false
	}
	return true
}

func (a *Action) updateWeight(now float32) float32 {
	w := float32(0)
	if a.enabled {
		w = a.weight
		if a.fade != nil {
			v := a.fade.value(now)
			if now >= a.fade.end {
				a.fade = nil
				if v == 0 {
					a.enabled = false
				}
			}
			w *= v
		}
	}
	a.effective = w
	return w
}

// Mixer advances a set of actions and writes the blended pose to their
// joints. Joints no longer animated by any action return to rest.
type Mixer struct {
	time       float32
	actions    []*Action
	onFinished []func(*Action)
	touched    map[Joint]bool
}

func NewMixer() *Mixer {
	return &Mixer{touched: make(map[Joint]bool)}
}

// Time returns the accumulated mixer time in seconds.
func (m *Mixer) Time() float32 { return m.time }

// ClipAction creates an action for clip. The action starts unscheduled.
func (m *Mixer) ClipAction(clip *BoundClip) *Action {
	a := &Action{mixer: m, clip: clip, Loop: LoopRepeat, weight: 1, enabled: true}
	m.actions = append(m.actions, a)
	return a
}

// Release stops a and drops it from the mixer.
func (m *Mixer) Release(a *Action) {
	a.Stop()
	for i, x := range m.actions {
		if x == a {
			m.actions = append(m.actions[:i], m.actions[i+1:]...)
			break
		}
	}
}

// Actions returns the actions owned by the mixer.
func (m *Mixer) Actions() []*Action {
	out := make([]*Action, len(m.actions))
	copy(out, m.actions)
	return out
}

// OnFinished registers fn for LoopOnce actions reaching their end.
func (m *Mixer) OnFinished(fn func(*Action)) {
	m.onFinished = append(m.onFinished, fn)
}

type jointAccum struct {
	joint            Joint
	rot              mgl32.Quat
	pos, scl         mgl32.Vec3
	rotW, posW, sclW float32
	hasRot           bool
	hasPos, hasScl   bool
}

// Update advances every scheduled action by dt seconds, blends their
// samples per joint and writes the result. Finished callbacks run after
// the pose is written.
func (m *Mixer) Update(dt float32) {
	m.time += dt

	var finished []*Action
	acc := make(map[Joint]*jointAccum)
	for _, a := range m.actions {
		if !a.active {
			continue
		}
		if a.enabled && a.advance(dt) {
			finished = append(finished, a)
		}
		w := a.updateWeight(m.time)
		for _, b := range a.clip.Bindings {
			ja := acc[b.Joint]
			if ja == nil {
				ja = &jointAccum{joint: b.Joint}
				acc[b.Joint] = ja
			}
			switch b.Track.Property {
			case PropertyRotation:
				ja.hasRot = true
				if w <= 0 {
					continue
				}
				q := b.Track.SampleRotation(a.time)
				if ja.rotW == 0 {
					ja.rot, ja.rotW = q, w
				} else {
					ja.rotW += w
					ja.rot = mgl32.QuatSlerp(ja.rot, q, w/ja.rotW)
				}
			case PropertyPosition:
				ja.hasPos = true
				if w <= 0 {
					continue
				}
				ja.pos = ja.pos.Add(b.Track.SampleVector(a.time).Mul(w))
				ja.posW += w
			case PropertyScale:
				ja.hasScl = true
				if w <= 0 {
					continue
				}
				ja.scl = ja.scl.Add(b.Track.SampleVector(a.time).Mul(w))
				ja.sclW += w
			}
		}
	}

	for j, ja := range acc {
		if ja.hasRot {
			j.SetRotation(blendRotation(ja.rot, ja.rotW, j.RestRotation()))
		}
		if ja.hasPos {
			j.SetPosition(blendVector(ja.pos, ja.posW, j.RestPosition()))
		}
		if ja.hasScl {
			j.SetScale(blendVector(ja.scl, ja.sclW, j.RestScale()))
		}
	}
	for j := range m.touched {
		if _, ok := acc[j]; !ok {
			j.SetRotation(j.RestRotation())
			j.SetPosition(j.RestPosition())
			j.SetScale(j.RestScale())
		}
	}
	m.touched = make(map[Joint]bool, len(acc))
	for j := range acc {
		m.touched[j] = true
	}

	for _, a := range finished {
		for _, fn := range m.onFinished {
			fn(a)
		}
	}
}

// blendRotation mixes the accumulated rotation with rest for the weight
// missing up to one.
func blendRotation(q mgl32.Quat, w float32, rest mgl32.Quat) mgl32.Quat {
	if w <= 0 {
		return rest
	}
	if w >= 1 {
		return q
	}
	return mgl32.QuatSlerp(q, rest, 1-w)
}

func blendVector(sum mgl32.Vec3, w float32, rest mgl32.Vec3) mgl32.Vec3 {
	if w <= 0 {
		return rest
	}
	if w >= 1 {
		return sum.Mul(1 / w)
	}
	return sum.Add(rest.Mul(1 - w))
}
