package motion

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/go-gl/mathgl/mgl32"
)

// DefaultFormat is assumed when a payload does not name its format.
const DefaultFormat = "vrm-json"

// RotationKey is one rotation keyframe of a generated motion.
type RotationKey struct {
	T float64 `json:"t"`
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// PositionKey is one root position keyframe.
type PositionKey struct {
	T float64 `json:"t"`
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Payload is a generated motion as delivered by the motion service.
type Payload struct {
	JobID        string                   `json:"job_id"`
	URL          string                   `json:"url,omitempty"`
	OutputPath   string                   `json:"output_path,omitempty"`
	Format       string                   `json:"format"`
	DurationSec  float64                  `json:"duration_sec"`
	FPS          float64                  `json:"fps"`
	Tracks       map[string][]RotationKey `json:"tracks"`
	RootPosition []PositionKey            `json:"root_position,omitempty"`
	Provider     string                   `json:"provider,omitempty"`
	FallbackUsed bool                     `json:"fallback_used"`
}

// UnmarshalJSON accepts the loose shapes generators emit: numbers as
// strings, camelCase aliases and missing keyframe components.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*p = Payload{
		JobID:       firstString(raw, "job_id", "jobId"),
		URL:         firstString(raw, "url", "output_path"),
		OutputPath:  firstString(raw, "output_path", "url"),
		Format:      firstString(raw, "format"),
		DurationSec: lenientFloat(first(raw, "duration_sec", "duration"), 0),
		FPS:         lenientFloat(raw["fps"], 0),
		Provider:    firstString(raw, "provider"),
		Tracks:      map[string][]RotationKey{},
	}
	if p.JobID == "" {
		p.JobID = "unknown"
	}
	if p.Format == "" {
		p.Format = DefaultFormat
	}
	p.FallbackUsed = lenientBool(first(raw, "fallback_used", "fallback"))

	var tracks map[string]json.RawMessage
	if v, ok := raw["tracks"]; ok && json.Unmarshal(v, &tracks) == nil {
		for bone, framesRaw := range tracks {
			var frames []json.RawMessage
			if json.Unmarshal(framesRaw, &frames) != nil {
				continue
			}
			keys := make([]RotationKey, 0, len(frames))
			for _, fr := range frames {
				var item map[string]json.RawMessage
				if json.Unmarshal(fr, &item) != nil || item == nil {
					continue
				}
				keys = append(keys, RotationKey{
					T: lenientFloat(item["t"], 0),
					X: lenientFloat(item["x"], 0),
					Y: lenientFloat(item["y"], 0),
					Z: lenientFloat(item["z"], 0),
					W: lenientFloat(item["w"], 1),
				})
			}
			p.Tracks[bone] = keys
		}
	}

	var roots []json.RawMessage
	if v := first(raw, "rootPosition", "root_position"); v != nil && json.Unmarshal(v, &roots) == nil {
		for _, fr := range roots {
			var item map[string]json.RawMessage
			if json.Unmarshal(fr, &item) != nil || item == nil {
				continue
			}
			p.RootPosition = append(p.RootPosition, PositionKey{
				T: lenientFloat(item["t"], 0),
				X: lenientFloat(item["x"], 0),
				Y: lenientFloat(item["y"], 0),
				Z: lenientFloat(item["z"], 0),
			})
		}
	}
	return nil
}

// HasTracks reports whether the payload carries inline keyframes.
func (p *Payload) HasTracks() bool {
	for _, keys := range p.Tracks {
		if len(keys) > 0 {
			return true
		}
	}
	return len(p.RootPosition) > 0
}

func first(raw map[string]json.RawMessage, keys ...string) json.RawMessage {
	for _, k := range keys {
		if v, ok := raw[k]; ok && string(v) != "null" {
			return v
		}
	}
	return nil
}

func firstString(raw map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		var s string
		if v, ok := raw[k]; ok && json.Unmarshal(v, &s) == nil {
			return s
		}
	}
	return ""
}

func lenientFloat(v json.RawMessage, fallback float64) float64 {
	if v == nil {
		return fallback
	}
	var f float64
	if json.Unmarshal(v, &f) == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return f
	}
	var s string
	if json.Unmarshal(v, &s) == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return f
		}
	}
	return fallback
}

func lenientBool(v json.RawMessage) bool {
	var b bool
	if json.Unmarshal(v, &b) == nil {
		return b
	}
	var s string
	if json.Unmarshal(v, &s) == nil {
		return strings.EqualFold(s, "true")
	}
	return false
}

// AmplifyConfig boosts subtle generated motions. When the largest
// rotation of a clip stays under ThresholdDeg every rotation angle is
// multiplied by Factor.
type AmplifyConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	ThresholdDeg float64 `mapstructure:"threshold_deg"`
	Factor       float64 `mapstructure:"factor"`
}

// DefaultAmplifyConfig returns the tuned amplification settings.
func DefaultAmplifyConfig() AmplifyConfig {
	return AmplifyConfig{
		Enabled:      true,
		ThresholdDeg: 8,
		Factor:       4,
	}
}

// ClipFromPayload converts a generated motion to a clip. Each bone
// becomes a rotation track, the root positions a position track on the
// hips. Bones without keyframes are skipped.
func ClipFromPayload(p *Payload, amp AmplifyConfig) *Clip {
	bones := make([]string, 0, len(p.Tracks))
	for bone := range p.Tracks {
		bones = append(bones, bone)
	}
	sort.Strings(bones)

	tracks := make([]Track, 0, len(bones)+1)
	for _, bone := range bones {
		keys := p.Tracks[bone]
		if len(keys) == 0 {
			continue
		}
		keys = append([]RotationKey(nil), keys...)
		sort.SliceStable(keys, func(i, j int) bool { return keys[i].T < keys[j].T })

		tr := Track{
			Source:    bone,
			Property:  PropertyRotation,
			Times:     make([]float32, len(keys)),
			Rotations: make([]mgl32.Quat, len(keys)),
		}
		for i, k := range keys {
			tr.Times[i] = float32(k.T)
			tr.Rotations[i] = normalizeQuat(mgl32.Quat{W: float32(k.W), V: mgl32.Vec3{float32(k.X), float32(k.Y), float32(k.Z)}})
		}
		tracks = append(tracks, tr)
	}

	if amp.Enabled {
		amplify(tracks, amp)
	}

	if len(p.RootPosition) > 0 {
		keys := append([]PositionKey(nil), p.RootPosition...)
		sort.SliceStable(keys, func(i, j int) bool { return keys[i].T < keys[j].T })
		tr := Track{
			Source:   string(RootBone),
			Property: PropertyPosition,
			Times:    make([]float32, len(keys)),
			Vectors:  make([]mgl32.Vec3, len(keys)),
		}
		for i, k := range keys {
			tr.Times[i] = float32(k.T)
			tr.Vectors[i] = mgl32.Vec3{float32(k.X), float32(k.Y), float32(k.Z)}
		}
		tracks = append(tracks, tr)
	}

	return NewClip(fmt.Sprintf("motion-%s", p.JobID), float32(p.DurationSec), tracks)
}

func normalizeQuat(q mgl32.Quat) mgl32.Quat {
	if q.Len() < 1e-6 {
		return mgl32.QuatIdent()
	}
	return q.Normalize()
}

// quatAngle returns the rotation angle of q in radians.
func quatAngle(q mgl32.Quat) float64 {
	w := math.Min(1, math.Abs(float64(q.W)))
	return 2 * math.Acos(w)
}

func amplify(tracks []Track, amp AmplifyConfig) {
	var peak float64
	for _, tr := range tracks {
		for _, q := range tr.Rotations {
			peak = math.Max(peak, quatAngle(q))
		}
	}
	if peak == 0 || peak >= amp.ThresholdDeg*math.Pi/180 {
		return
	}
	for ti := range tracks {
		rots := make([]mgl32.Quat, len(tracks[ti].Rotations))
		for i, q := range tracks[ti].Rotations {
			rots[i] = scaleRotation(q, amp.Factor)
		}
		tracks[ti].Rotations = rots
	}
}

// scaleRotation multiplies the rotation angle of q around its own axis.
func scaleRotation(q mgl32.Quat, factor float64) mgl32.Quat {
	if q.W < 0 {
		q = q.Scale(-1)
	}
	angle := quatAngle(q)
	axisLen := q.V.Len()
	if angle == 0 || axisLen < 1e-6 {
		return q
	}
	return mgl32.QuatRotate(float32(angle*factor), q.V.Mul(1/axisLen))
}
