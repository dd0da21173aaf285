package motion

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// HumanBone is a canonical humanoid bone name (VRM humanoid taxonomy).
type HumanBone string

const (
	BoneHips          HumanBone = "hips"
	BoneSpine         HumanBone = "spine"
	BoneChest         HumanBone = "chest"
	BoneNeck          HumanBone = "neck"
	BoneHead          HumanBone = "head"
	BoneLeftShoulder  HumanBone = "leftShoulder"
	BoneLeftUpperArm  HumanBone = "leftUpperArm"
	BoneLeftLowerArm  HumanBone = "leftLowerArm"
	BoneLeftHand      HumanBone = "leftHand"
	BoneRightShoulder HumanBone = "rightShoulder"
	BoneRightUpperArm HumanBone = "rightUpperArm"
	BoneRightLowerArm HumanBone = "rightLowerArm"
	BoneRightHand     HumanBone = "rightHand"
	BoneLeftUpperLeg  HumanBone = "leftUpperLeg"
	BoneLeftLowerLeg  HumanBone = "leftLowerLeg"
	BoneLeftFoot      HumanBone = "leftFoot"
	BoneRightUpperLeg HumanBone = "rightUpperLeg"
	BoneRightLowerLeg HumanBone = "rightLowerLeg"
	BoneRightFoot     HumanBone = "rightFoot"
)

// Unresolved is returned by Resolve for names with no known alias.
const Unresolved HumanBone = ""

// RootBone carries the root position track.
const RootBone = BoneHips

// normalizedPrefix marks the normalized copy of a bone in VRM rigs.
const normalizedPrefix = "normalized_"

var (
	ErrUnknownBone = errors.New("unknown humanoid bone")
)

// builtinAliases lists the known source names per canonical bone. The
// canonical name itself always resolves and does not need listing.
var builtinAliases = map[HumanBone][]string{
	BoneHead:          {"root", "head", "J_Bip_C_Head"},
	BoneNeck:          {"neck_1", "neck", "J_Bip_C_Neck"},
	BoneChest:         {"torso_4", "spine1", "chest", "J_Bip_C_Chest"},
	BoneSpine:         {"torso_3", "spine3", "spine", "J_Bip_C_Spine"},
	BoneHips:          {"torso_2", "hips", "J_Bip_C_Hips"},
	BoneRightShoulder: {"r_shoulder", "rightshoulder", "J_Bip_R_Shoulder"},
	BoneRightUpperArm: {"r_up_arm", "rightarm", "rightupperarm", "J_Bip_R_UpperArm"},
	BoneRightLowerArm: {"r_low_arm", "rightforearm", "rightlowerarm", "J_Bip_R_LowerArm"},
	BoneRightHand:     {"r_hand", "righthand", "J_Bip_R_Hand"},
	BoneLeftShoulder:  {"l_shoulder", "leftshoulder", "J_Bip_L_Shoulder"},
	BoneLeftUpperArm:  {"l_up_arm", "leftarm", "leftupperarm", "J_Bip_L_UpperArm"},
	BoneLeftLowerArm:  {"l_low_arm", "leftforearm", "leftlowerarm", "J_Bip_L_LowerArm"},
	BoneLeftHand:      {"l_hand", "lefthand", "J_Bip_L_Hand"},
	BoneRightUpperLeg: {"r_up_leg", "rightupleg", "rightupperleg", "J_Bip_R_UpperLeg"},
	BoneRightLowerLeg: {"r_low_leg", "rightleg", "rightlowerleg", "J_Bip_R_LowerLeg"},
	BoneRightFoot:     {"r_foot", "rightfoot", "J_Bip_R_Foot"},
	BoneLeftUpperLeg:  {"l_up_leg", "leftupleg", "leftupperleg", "J_Bip_L_UpperLeg"},
	BoneLeftLowerLeg:  {"l_low_leg", "leftleg", "leftlowerleg", "J_Bip_L_LowerLeg"},
	BoneLeftFoot:      {"l_foot", "leftfoot", "J_Bip_L_Foot"},
}

// AliasTable maps lower-cased source bone names to canonical bones.
// A table is read-only once built; Extend returns a new table.
type AliasTable struct {
	aliases map[string]HumanBone
	bones   map[HumanBone]struct{}
}

var defaultTable = newAliasTable(builtinAliases)

// DefaultAliases returns the built-in alias table.
func DefaultAliases() *AliasTable {
	return defaultTable
}

func newAliasTable(src map[HumanBone][]string) *AliasTable {
	t := &AliasTable{
		aliases: make(map[string]HumanBone, len(src)*6),
		bones:   make(map[HumanBone]struct{}, len(src)),
	}
	for bone, names := range src {
		t.add(bone, string(bone))
		for _, name := range names {
			t.add(bone, name)
		}
	}
	return t
}

func (t *AliasTable) add(bone HumanBone, name string) {
	t.bones[bone] = struct{}{}
	t.aliases[normalizeBoneName(name)] = bone
}

func normalizeBoneName(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.TrimPrefix(key, normalizedPrefix)
	// Namespaced exports ("mixamorig:Hips", "Armature|Hips").
	if i := strings.LastIndexAny(key, ":|"); i >= 0 {
		key = key[i+1:]
	}
	return key
}

// Resolve maps a source bone name to its canonical bone. Unknown names
// yield Unresolved.
func (t *AliasTable) Resolve(name string) HumanBone {
	if bone, ok := t.aliases[normalizeBoneName(name)]; ok {
		return bone
	}
	return Unresolved
}

// ResolveOrRaw resolves name and falls back to the raw name.
func (t *AliasTable) ResolveOrRaw(name string) HumanBone {
	if bone := t.Resolve(name); bone != Unresolved {
		return bone
	}
	return HumanBone(name)
}

// Known reports whether bone is a canonical bone of the table.
func (t *AliasTable) Known(bone HumanBone) bool {
	_, ok := t.bones[bone]
	return ok
}

// Bones returns the canonical bones of the table.
func (t *AliasTable) Bones() []HumanBone {
	out := make([]HumanBone, 0, len(t.bones))
	for b := range t.bones {
		out = append(out, b)
	}
	return out
}

// Extend returns a copy of t with extra aliases. Every key of extra must
// be a canonical bone already known to t.
func (t *AliasTable) Extend(extra map[HumanBone][]string) (*AliasTable, error) {
	next := &AliasTable{
		aliases: make(map[string]HumanBone, len(t.aliases)),
		bones:   make(map[HumanBone]struct{}, len(t.bones)),
	}
	for k, v := range t.aliases {
		next.aliases[k] = v
	}
	for k := range t.bones {
		next.bones[k] = struct{}{}
	}
	for bone, names := range extra {
		if !t.Known(bone) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownBone, bone)
		}
		for _, name := range names {
			next.add(bone, name)
		}
	}
	return next, nil
}

// Resolve maps name through the built-in alias table.
func Resolve(name string) HumanBone {
	return defaultTable.Resolve(name)
}

// ResolveOrRaw maps name through the built-in table, falling back to name.
func ResolveOrRaw(name string) HumanBone {
	return defaultTable.ResolveOrRaw(name)
}

type aliasFile struct {
	Aliases map[HumanBone][]string `yaml:"aliases"`
}

// LoadAliasFile reads a YAML file of extra aliases and layers it over base:
//
//	aliases:
//	  rightUpperArm: [arm_r, upperarm_r]
func LoadAliasFile(base *AliasTable, path string) (*AliasTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read alias file: %w", err)
	}
	var f aliasFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse alias file: %w", err)
	}
	if base == nil {
		base = defaultTable
	}
	return base.Extend(f.Aliases)
}
