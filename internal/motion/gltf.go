package motion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/qmuntal/gltf"
	"github.com/qmuntal/gltf/modeler"
)

const (
	extVRMAnimation = "VRMC_vrm_animation"
	extVRM1         = "VRMC_vrm"
	extVRM0         = "VRM"
)

var (
	ErrNoAnimation = errors.New("file has no animations")
	ErrNoHumanoid  = errors.New("model has no humanoid bones")
)

// LoadClip loads a motion from a local path or an http(s) URL. Files
// ending in .json are read as generated motion payloads, anything else
// as glTF/VRMA.
func LoadClip(ctx context.Context, src string, amp AmplifyConfig) (*Clip, error) {
	remote := strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://")
	if !remote && !strings.EqualFold(filepath.Ext(src), ".json") {
		return LoadClipFile(src)
	}

	var data []byte
	var err error
	if remote {
		data, err = fetch(ctx, src)
	} else {
		data, err = os.ReadFile(src)
	}
	if err != nil {
		return nil, err
	}

	if isMotionJSON(data) {
		var p Payload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("parse motion json: %w", err)
		}
		return ClipFromPayload(&p, amp), nil
	}

	doc := new(gltf.Document)
	if err := gltf.NewDecoder(bytes.NewReader(data)).Decode(doc); err != nil {
		return nil, fmt.Errorf("decode gltf: %w", err)
	}
	return clipFromDocument(doc, clipName(src))
}

// LoadClipFile reads the first animation of a glTF or VRMA file.
func LoadClipFile(path string) (*Clip, error) {
	doc, err := gltf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open gltf: %w", err)
	}
	return clipFromDocument(doc, clipName(path))
}

func clipName(src string) string {
	base := filepath.Base(src)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func isMotionJSON(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	var probe map[string]json.RawMessage
	if json.Unmarshal(trimmed, &probe) != nil {
		return false
	}
	_, hasTracks := probe["tracks"]
	_, hasAsset := probe["asset"]
	return hasTracks && !hasAsset
}

func fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

type humanBoneRef struct {
	Node int `json:"node"`
}

type vrmAnimationExt struct {
	Humanoid struct {
		HumanBones map[string]humanBoneRef `json:"humanBones"`
	} `json:"humanoid"`
}

type vrm1Ext struct {
	Humanoid struct {
		HumanBones map[string]humanBoneRef `json:"humanBones"`
	} `json:"humanoid"`
}

type vrm0Ext struct {
	Humanoid struct {
		HumanBones []struct {
			Bone string `json:"bone"`
			Node int    `json:"node"`
		} `json:"humanBones"`
	} `json:"humanoid"`
}

// decodeExtension unpacks a document extension into v. Extensions the
// gltf package does not know arrive as raw JSON.
func decodeExtension(doc *gltf.Document, name string, v any) bool {
	ext, ok := doc.Extensions[name]
	if !ok || ext == nil {
		return false
	}
	var raw []byte
	switch x := ext.(type) {
	case json.RawMessage:
		raw = x
	case []byte:
		raw = x
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return false
		}
		raw = b
	}
	return json.Unmarshal(raw, v) == nil
}

// humanoidNodes maps node indices to humanoid bone names, when the
// document declares them.
func humanoidNodes(doc *gltf.Document) map[int]string {
	out := make(map[int]string)

	var anim vrmAnimationExt
	if decodeExtension(doc, extVRMAnimation, &anim) {
		for bone, ref := range anim.Humanoid.HumanBones {
			out[ref.Node] = bone
		}
		return out
	}
	var v1 vrm1Ext
	if decodeExtension(doc, extVRM1, &v1) {
		for bone, ref := range v1.Humanoid.HumanBones {
			out[ref.Node] = bone
		}
		return out
	}
	var v0 vrm0Ext
	if decodeExtension(doc, extVRM0, &v0) {
		for _, hb := range v0.Humanoid.HumanBones {
			out[hb.Node] = hb.Bone
		}
	}
	return out
}

func clipFromDocument(doc *gltf.Document, name string) (*Clip, error) {
	if len(doc.Animations) == 0 {
		return nil, ErrNoAnimation
	}
	anim := doc.Animations[0]
	if anim.Name != "" {
		name = anim.Name
	}
	humanoid := humanoidNodes(doc)

	var tracks []Track
	for _, ch := range anim.Channels {
		if ch.Target.Node == nil {
			continue
		}
		nodeIdx := int(*ch.Target.Node)
		if nodeIdx < 0 || nodeIdx >= len(doc.Nodes) || doc.Nodes[nodeIdx] == nil {
			continue
		}
		source := doc.Nodes[nodeIdx].Name
		if bone, ok := humanoid[nodeIdx]; ok {
			source = bone
		}

		samplerIdx := int(ch.Sampler)
		if samplerIdx < 0 || samplerIdx >= len(anim.Samplers) {
			return nil, fmt.Errorf("channel %s: sampler %d out of range", source, samplerIdx)
		}
		sampler := anim.Samplers[samplerIdx]
		times, err := readScalars(doc, int(sampler.Input))
		if err != nil {
			return nil, fmt.Errorf("channel %s input: %w", source, err)
		}
		cubic := sampler.Interpolation == gltf.InterpolationCubicSpline

		tr := Track{Source: source, Times: times, Step: sampler.Interpolation == gltf.InterpolationStep}
		switch ch.Target.Path {
		case gltf.TRSRotation:
			tr.Property = PropertyRotation
			rots, err := readQuats(doc, int(sampler.Output))
			if err != nil {
				return nil, fmt.Errorf("channel %s output: %w", source, err)
			}
			if cubic {
				rots = splineValues(rots)
			}
			tr.Rotations = rots
		case gltf.TRSTranslation, gltf.TRSScale:
			tr.Property = PropertyPosition
			if ch.Target.Path == gltf.TRSScale {
				tr.Property = PropertyScale
			}
			vecs, err := readVec3s(doc, int(sampler.Output))
			if err != nil {
				return nil, fmt.Errorf("channel %s output: %w", source, err)
			}
			if cubic {
				vecs = splineValues(vecs)
			}
			tr.Vectors = vecs
		default:
			continue
		}
		tracks = append(tracks, tr)
	}
	return NewClip(name, 0, tracks), nil
}

// splineValues keeps the value of each (in-tangent, value, out-tangent)
// triple of a cubic spline sampler.
func splineValues[T any](in []T) []T {
	out := make([]T, 0, len(in)/3)
	for i := 1; i < len(in); i += 3 {
		out = append(out, in[i])
	}
	return out
}

func readAccessor(doc *gltf.Document, idx int) (data any, err error) {
	if idx < 0 || idx >= len(doc.Accessors) || doc.Accessors[idx] == nil {
		return nil, fmt.Errorf("accessor %d out of range", idx)
	}
	acr := doc.Accessors[idx]
	if acr.BufferView != nil {
		bv := *acr.BufferView
		if bv < 0 || bv >= len(doc.BufferViews) || doc.BufferViews[bv] == nil {
			return nil, fmt.Errorf("accessor %d: buffer view %d out of range", idx, bv)
		}
		if b := doc.BufferViews[bv].Buffer; b < 0 || b >= len(doc.Buffers) || doc.Buffers[b] == nil {
			return nil, fmt.Errorf("accessor %d: buffer %d out of range", idx, b)
		}
	}
	// modeler slices buffers by the declared offsets without checking them.
	defer func() {
		if r := recover(); r != nil {
			data, err = nil, fmt.Errorf("accessor %d: %v", idx, r)
		}
	}()
	return modeler.ReadAccessor(doc, acr, nil)
}

func readScalars(doc *gltf.Document, idx int) ([]float32, error) {
	data, err := readAccessor(doc, idx)
	if err != nil {
		return nil, err
	}
	v, ok := data.([]float32)
	if !ok {
		return nil, fmt.Errorf("unexpected accessor type %T", data)
	}
	return v, nil
}

func readVec3s(doc *gltf.Document, idx int) ([]mgl32.Vec3, error) {
	data, err := readAccessor(doc, idx)
	if err != nil {
		return nil, err
	}
	v, ok := data.([][3]float32)
	if !ok {
		return nil, fmt.Errorf("unexpected accessor type %T", data)
	}
	out := make([]mgl32.Vec3, len(v))
	for i, x := range v {
		out[i] = mgl32.Vec3(x)
	}
	return out, nil
}

// readQuats reads glTF (x, y, z, w) rotations, including normalized
// integer encodings.
func readQuats(doc *gltf.Document, idx int) ([]mgl32.Quat, error) {
	data, err := readAccessor(doc, idx)
	if err != nil {
		return nil, err
	}
	var raw [][4]float32
	switch v := data.(type) {
	case [][4]float32:
		raw = v
	case [][4]int8:
		raw = normalizeInts(v, 127)
	case [][4]uint8:
		raw = normalizeInts(v, 255)
	case [][4]int16:
		raw = normalizeInts(v, 32767)
	case [][4]uint16:
		raw = normalizeInts(v, 65535)
	default:
		return nil, fmt.Errorf("unexpected accessor type %T", data)
	}
	out := make([]mgl32.Quat, len(raw))
	for i, x := range raw {
		out[i] = normalizeQuat(mgl32.Quat{W: x[3], V: mgl32.Vec3{x[0], x[1], x[2]}})
	}
	return out, nil
}

func normalizeInts[T int8 | uint8 | int16 | uint16](in [][4]T, scale float32) [][4]float32 {
	out := make([][4]float32, len(in))
	for i, x := range in {
		for c := 0; c < 4; c++ {
			out[i][c] = max(float32(x[c])/scale, -1)
		}
	}
	return out
}

// LoadRig builds a skeleton from a VRM or glTF model. Humanoid bones come
// from the VRM extensions when present, otherwise from node names
// resolved through aliases.
func LoadRig(path string, aliases *AliasTable) (*Rig, error) {
	doc, err := gltf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open model: %w", err)
	}
	return rigFromDocument(doc, aliases)
}

func rigFromDocument(doc *gltf.Document, aliases *AliasTable) (*Rig, error) {
	if aliases == nil {
		aliases = defaultTable
	}
	rig := &Rig{joints: make(map[HumanBone]*RigJoint)}

	humanoid := humanoidNodes(doc)
	if len(humanoid) > 0 {
		for idx, bone := range humanoid {
			if idx < 0 || idx >= len(doc.Nodes) || doc.Nodes[idx] == nil {
				continue
			}
			rig.AddJoint(HumanBone(bone), doc.Nodes[idx].Name, nodeRest(doc.Nodes[idx]))
		}
	} else {
		for _, n := range doc.Nodes {
			if n == nil {
				continue
			}
			bone := aliases.Resolve(n.Name)
			if bone == Unresolved {
				continue
			}
			if _, ok := rig.joints[bone]; ok {
				continue
			}
			rig.AddJoint(bone, n.Name, nodeRest(n))
		}
	}
	if len(rig.joints) == 0 {
		return nil, ErrNoHumanoid
	}
	return rig, nil
}

func nodeRest(n *gltf.Node) Pose {
	rot := normalizeQuat(mgl32.Quat{
		W: float32(n.Rotation[3]),
		V: mgl32.Vec3{float32(n.Rotation[0]), float32(n.Rotation[1]), float32(n.Rotation[2])},
	})
	scale := mgl32.Vec3{float32(n.Scale[0]), float32(n.Scale[1]), float32(n.Scale[2])}
	if scale == (mgl32.Vec3{}) {
		scale = mgl32.Vec3{1, 1, 1}
	}
	return Pose{
		Rotation: rot,
		Position: mgl32.Vec3{float32(n.Translation[0]), float32(n.Translation[1]), float32(n.Translation[2])},
		Scale:    scale,
	}
}
