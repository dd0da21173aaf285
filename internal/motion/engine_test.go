package motion_test

import (
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexvrm/internal/motion"
	"github.com/normanking/cortexvrm/internal/testutil"
)

const frame = 300 * time.Millisecond

func constantClip(name, source string, duration float32, q mgl32.Quat) *motion.Clip {
	return motion.NewClip(name, duration, []motion.Track{{
		Source:    source,
		Property:  motion.PropertyRotation,
		Times:     []float32{0, duration},
		Rotations: []mgl32.Quat{q, q},
	}})
}

func newEngine(t *testing.T, rig *motion.Rig) *motion.Engine {
	t.Helper()
	e := motion.NewEngine(motion.DefaultEngineConfig(), nil, zerolog.Nop())
	e.BindSkeleton(rig)
	return e
}

func pose(t *testing.T, rig *motion.Rig, bone motion.HumanBone) mgl32.Quat {
	t.Helper()
	p, ok := rig.Pose(bone)
	require.True(t, ok)
	return p.Rotation
}

func TestEngine_OneShotLifecycle(t *testing.T) {
	rig := testutil.HumanoidRig(motion.BoneHips, motion.BoneHead)
	e := newEngine(t, rig)

	sway := mgl32.QuatRotate(mgl32.DegToRad(10), mgl32.Vec3{0, 1, 0})
	nod := mgl32.QuatRotate(mgl32.DegToRad(90), mgl32.Vec3{1, 0, 0})

	require.NoError(t, e.SetIdle(constantClip("idle", "hips", 1, sway)))
	e.Update(frame)
	assert.True(t, pose(t, rig, motion.BoneHips).ApproxEqualThreshold(sway, 1e-4))

	report, err := e.Play(constantClip("nod", "head", 0.5, nod))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Bound)
	assert.Empty(t, report.Missing)
	assert.True(t, e.Playing())
	assert.Len(t, e.Actions(), 2)

	// Cross-fade complete.
	e.Update(frame)
	assert.True(t, pose(t, rig, motion.BoneHead).ApproxEqualThreshold(nod, 1e-4))
	assert.True(t, pose(t, rig, motion.BoneHips).ApproxEqualThreshold(mgl32.QuatIdent(), 1e-4))

	// Clip end: held pose, idle fading back in.
	e.Update(frame)
	assert.False(t, e.Playing())
	assert.True(t, pose(t, rig, motion.BoneHead).ApproxEqualThreshold(nod, 1e-4))
	for _, a := range e.Actions() {
		if !a.Idle {
			assert.True(t, a.FadingOut)
		}
	}

	// Released after fade and grace.
	e.Update(frame)
	actions := e.Actions()
	require.Len(t, actions, 1)
	assert.True(t, actions[0].Idle)
	assert.Equal(t, "idle", actions[0].Clip)
	assert.InDelta(t, 1.0, actions[0].Weight, 1e-6)
	assert.True(t, pose(t, rig, motion.BoneHead).ApproxEqualThreshold(mgl32.QuatIdent(), 1e-4))
	assert.True(t, pose(t, rig, motion.BoneHips).ApproxEqualThreshold(sway, 1e-4))
}

func TestEngine_ReplacesOneShot(t *testing.T) {
	rig := testutil.HumanoidRig()
	e := newEngine(t, rig)
	require.NoError(t, e.SetIdle(constantClip("idle", "hips", 1, mgl32.QuatIdent())))
	e.Update(frame)

	q := mgl32.QuatRotate(mgl32.DegToRad(45), mgl32.Vec3{0, 0, 1})
	_, err := e.Play(constantClip("first", "r_up_arm", 2, q))
	require.NoError(t, err)
	_, err = e.Play(constantClip("second", "l_up_arm", 2, q))
	require.NoError(t, err)

	assert.LessOrEqual(t, len(e.Actions()), 2)

	e.Update(frame)
	actions := e.Actions()
	require.Len(t, actions, 1)
	assert.Equal(t, "second", actions[0].Clip)
	assert.True(t, pose(t, rig, motion.BoneLeftUpperArm).ApproxEqualThreshold(q, 1e-4))
	assert.True(t, pose(t, rig, motion.BoneRightUpperArm).ApproxEqualThreshold(mgl32.QuatIdent(), 1e-4))
}

func TestEngine_PlayPayload(t *testing.T) {
	rig := testutil.HumanoidRig()
	e := newEngine(t, rig)

	p := &motion.Payload{JobID: "j", Tracks: map[string][]motion.RotationKey{
		"torso_2": {{T: 0, W: 1}, {T: 1, W: 1}},
		"tail":    {{T: 0, W: 1}},
	}}
	report, err := e.PlayPayload(p)
	require.NoError(t, err)
	assert.Equal(t, "motion-j", report.Clip)
	assert.Equal(t, 1, report.Bound)
	assert.Equal(t, []string{"tail"}, report.Missing)
}

func TestEngine_Errors(t *testing.T) {
	clip := constantClip("c", "head", 1, mgl32.QuatIdent())

	unbound := motion.NewEngine(motion.DefaultEngineConfig(), nil, zerolog.Nop())
	_, err := unbound.Play(clip)
	assert.ErrorIs(t, err, motion.ErrNoSkeleton)
	unbound.Update(frame)
	assert.Nil(t, unbound.Actions())

	e := newEngine(t, testutil.HumanoidRig(motion.BoneHips))
	report, err := e.Play(constantClip("tail", "tail_01", 1, mgl32.QuatIdent()))
	assert.ErrorIs(t, err, motion.ErrNoBoundTracks)
	require.NotNil(t, report)
	assert.Equal(t, []string{"tail_01"}, report.Missing)
	assert.False(t, e.Playing())
	assert.Empty(t, e.Actions())
}

func TestEngine_IdleBeforeSkeleton(t *testing.T) {
	e := motion.NewEngine(motion.DefaultEngineConfig(), nil, zerolog.Nop())
	require.NoError(t, e.SetIdle(constantClip("idle", "hips", 1, mgl32.QuatIdent())))

	e.BindSkeleton(testutil.HumanoidRig(motion.BoneHips))
	actions := e.Actions()
	require.Len(t, actions, 1)
	assert.True(t, actions[0].Idle)
	assert.True(t, actions[0].Fading)
}
