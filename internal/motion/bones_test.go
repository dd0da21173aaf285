package motion

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_Aliases(t *testing.T) {
	tests := []struct {
		name string
		want HumanBone
	}{
		{"torso_2", BoneHips},
		{"Hips", BoneHips},
		{"J_Bip_C_Hips", BoneHips},
		{"normalized_J_Bip_C_Head", BoneHead},
		{"mixamorig:Spine", BoneSpine},
		{"Armature|LeftArm", BoneLeftUpperArm},
		{"r_up_arm", BoneRightUpperArm},
		{"  RightForeArm ", BoneRightLowerArm},
		{"l_low_leg", BoneLeftLowerLeg},
		{"root", BoneHead},
		{"leftFoot", BoneLeftFoot},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(tt.name))
		})
	}
}

func TestResolve_Unknown(t *testing.T) {
	assert.Equal(t, Unresolved, Resolve("tail_03"))
	assert.Equal(t, HumanBone("tail_03"), ResolveOrRaw("tail_03"))
	assert.Equal(t, BoneNeck, ResolveOrRaw("neck_1"))
}

func TestResolve_Pure(t *testing.T) {
	for i := 0; i < 3; i++ {
		assert.Equal(t, BoneChest, Resolve("Spine1"))
	}
	assert.True(t, DefaultAliases().Known(BoneChest))
	assert.Len(t, DefaultAliases().Bones(), 19)
}

func TestAliasTable_ExtendLeavesBaseUntouched(t *testing.T) {
	base := DefaultAliases()
	ext, err := base.Extend(map[HumanBone][]string{BoneRightUpperArm: {"upperarm_r"}})
	require.NoError(t, err)

	assert.Equal(t, BoneRightUpperArm, ext.Resolve("UpperArm_R"))
	assert.Equal(t, Unresolved, base.Resolve("UpperArm_R"))
	assert.Equal(t, BoneHips, ext.Resolve("torso_2"))
}

func TestAliasTable_ExtendRejectsUnknownBone(t *testing.T) {
	_, err := DefaultAliases().Extend(map[HumanBone][]string{"tail": {"tail_01"}})
	assert.ErrorIs(t, err, ErrUnknownBone)
}

func TestLoadAliasFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aliases.yaml")
	require.NoError(t, os.WriteFile(path, []byte("aliases:\n  leftHand: [hand_l, Wrist_L]\n"), 0644))

	table, err := LoadAliasFile(nil, path)
	require.NoError(t, err)
	assert.Equal(t, BoneLeftHand, table.Resolve("wrist_l"))
	assert.Equal(t, BoneLeftHand, table.Resolve("hand_l"))

	_, err = LoadAliasFile(nil, filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
