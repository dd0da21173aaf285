package motion

import (
	"sort"
	"sync"

	"github.com/go-gl/mathgl/mgl32"
)

// Joint is a posable node of a renderer skeleton.
type Joint interface {
	Name() string
	RestRotation() mgl32.Quat
	RestPosition() mgl32.Vec3
	RestScale() mgl32.Vec3
	SetRotation(q mgl32.Quat)
	SetPosition(v mgl32.Vec3)
	SetScale(v mgl32.Vec3)
}

// Skeleton looks up the joint bound to a humanoid bone.
type Skeleton interface {
	Joint(bone HumanBone) (Joint, bool)
}

// Pose is the local transform of a joint.
type Pose struct {
	Rotation mgl32.Quat
	Position mgl32.Vec3
	Scale    mgl32.Vec3
}

// Rig is an in-memory skeleton. Renderers read the animated pose with
// Pose once per frame.
type Rig struct {
	mu     sync.RWMutex
	joints map[HumanBone]*RigJoint
}

// RigJoint is a joint of a Rig.
type RigJoint struct {
	rig  *Rig
	name string
	rest Pose
	pose Pose
}

// NewRig creates a rig with identity rest poses for bones.
func NewRig(bones ...HumanBone) *Rig {
	r := &Rig{joints: make(map[HumanBone]*RigJoint, len(bones))}
	for _, b := range bones {
		r.AddJoint(b, string(b), Pose{Rotation: mgl32.QuatIdent(), Scale: mgl32.Vec3{1, 1, 1}})
	}
	return r
}

// AddJoint binds bone to a node named name with the given rest pose.
func (r *Rig) AddJoint(bone HumanBone, name string, rest Pose) *RigJoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	j := &RigJoint{rig: r, name: name, rest: rest, pose: rest}
	r.joints[bone] = j
	return j
}

func (r *Rig) Joint(bone HumanBone) (Joint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.joints[bone]
	if !ok {
		return nil, false
	}
	return j, true
}

// Bones returns the bound humanoid bones, sorted.
func (r *Rig) Bones() []HumanBone {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]HumanBone, 0, len(r.joints))
	for b := range r.joints {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Pose returns the current pose of bone.
func (r *Rig) Pose(bone HumanBone) (Pose, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.joints[bone]
	if !ok {
		return Pose{}, false
	}
	return j.pose, true
}

func (j *RigJoint) Name() string { return j.name }

func (j *RigJoint) RestRotation() mgl32.Quat { return j.rest.Rotation }

func (j *RigJoint) RestPosition() mgl32.Vec3 { return j.rest.Position }

func (j *RigJoint) RestScale() mgl32.Vec3 { return j.rest.Scale }

func (j *RigJoint) SetRotation(q mgl32.Quat) {
	j.rig.mu.Lock()
	j.pose.Rotation = q
	j.rig.mu.Unlock()
}

func (j *RigJoint) SetPosition(v mgl32.Vec3) {
	j.rig.mu.Lock()
	j.pose.Position = v
	j.rig.mu.Unlock()
}

func (j *RigJoint) SetScale(v mgl32.Vec3) {
	j.rig.mu.Lock()
	j.pose.Scale = v
	j.rig.mu.Unlock()
}
