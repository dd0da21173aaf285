package motion

import (
	"sort"

	"github.com/go-gl/mathgl/mgl32"
)

// Property is the joint channel a track animates.
type Property string

const (
	PropertyRotation Property = "quaternion"
	PropertyPosition Property = "position"
	PropertyScale    Property = "scale"
)

// Track is one keyframed channel of a source bone. Times are ascending.
// Rotation tracks fill Rotations, position and scale tracks fill Vectors.
type Track struct {
	Source    string
	Property  Property
	Times     []float32
	Rotations []mgl32.Quat
	Vectors   []mgl32.Vec3
	Step      bool
}

// Len returns the number of keyframes.
func (t Track) Len() int {
	if t.Property == PropertyRotation {
		return min(len(t.Times), len(t.Rotations))
	}
	return min(len(t.Times), len(t.Vectors))
}

// End returns the time of the last keyframe.
func (t Track) End() float32 {
	if n := t.Len(); n > 0 {
		return t.Times[n-1]
	}
	return 0
}

// span finds the keyframes around time and the blend factor between them.
func (t Track) span(time float32) (int, int, float32) {
	n := t.Len()
	if n == 1 || time <= t.Times[0] {
		return 0, 0, 0
	}
	if time >= t.Times[n-1] {
		return n - 1, n - 1, 0
	}
	hi := sort.Search(n, func(i int) bool { return t.Times[i] > time })
	lo := hi - 1
	if t.Step {
		return lo, lo, 0
	}
	dt := t.Times[hi] - t.Times[lo]
	if dt <= 0 {
		return hi, hi, 0
	}
	return lo, hi, (time - t.Times[lo]) / dt
}

// SampleRotation interpolates the rotation at time, clamped to the key range.
func (t Track) SampleRotation(time float32) mgl32.Quat {
	if t.Len() == 0 {
		return mgl32.QuatIdent()
	}
	lo, hi, f := t.span(time)
	if lo == hi || f == 0 {
		return t.Rotations[lo]
	}
	return mgl32.QuatSlerp(t.Rotations[lo], t.Rotations[hi], f)
}

// SampleVector interpolates a position or scale at time.
func (t Track) SampleVector(time float32) mgl32.Vec3 {
	if t.Len() == 0 {
		return mgl32.Vec3{}
	}
	lo, hi, f := t.span(time)
	if lo == hi || f == 0 {
		return t.Vectors[lo]
	}
	a, b := t.Vectors[lo], t.Vectors[hi]
	return a.Add(b.Sub(a).Mul(f))
}

// Clip is an immutable set of tracks with a duration in seconds.
type Clip struct {
	name     string
	duration float32
	tracks   []Track
}

// NewClip builds a clip. Tracks without keyframes are dropped. A
// non-positive duration is replaced by the last keyframe time.
func NewClip(name string, duration float32, tracks []Track) *Clip {
	kept := make([]Track, 0, len(tracks))
	var end float32
	for _, tr := range tracks {
		if tr.Len() == 0 {
			continue
		}
		kept = append(kept, tr)
		end = max(end, tr.End())
	}
	if duration <= 0 {
		duration = end
	}
	return &Clip{name: name, duration: duration, tracks: kept}
}

func (c *Clip) Name() string { return c.name }

func (c *Clip) Duration() float32 { return c.duration }

// Tracks returns the clip tracks. Callers must not modify the keyframes.
func (c *Clip) Tracks() []Track {
	out := make([]Track, len(c.tracks))
	copy(out, c.tracks)
	return out
}

// Sources lists the distinct source bone names in track order.
func (c *Clip) Sources() []string {
	seen := make(map[string]bool, len(c.tracks))
	var out []string
	for _, tr := range c.tracks {
		if !seen[tr.Source] {
			seen[tr.Source] = true
			out = append(out, tr.Source)
		}
	}
	return out
}
