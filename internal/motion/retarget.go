package motion

import (
	"errors"
)

var (
	ErrNoBoundTracks = errors.New("no applicable tracks")
	ErrNoSkeleton    = errors.New("skeleton not ready")
)

// Binding attaches one clip track to a skeleton joint.
type Binding struct {
	Bone  HumanBone
	Joint Joint
	Track Track
}

// BoundClip is a clip retargeted to one skeleton.
type BoundClip struct {
	Name     string
	Duration float32
	Bindings []Binding
	// Missing lists source bone names with no joint, in first-seen order.
	Missing []string
}

// Retarget binds the tracks of clip to skel. Source names are resolved
// through aliases; unresolved names are looked up verbatim. Tracks with
// no joint are dropped and reported in Missing. When nothing binds the
// result is still returned along with ErrNoBoundTracks.
func Retarget(clip *Clip, skel Skeleton, aliases *AliasTable) (*BoundClip, error) {
	if skel == nil {
		return nil, ErrNoSkeleton
	}
	if aliases == nil {
		aliases = defaultTable
	}

	out := &BoundClip{Name: clip.Name(), Duration: clip.Duration()}
	missing := make(map[string]bool)
	for _, tr := range clip.tracks {
		bone := aliases.ResolveOrRaw(tr.Source)
		joint, ok := skel.Joint(bone)
		if !ok {
			if !missing[tr.Source] {
				missing[tr.Source] = true
				out.Missing = append(out.Missing, tr.Source)
			}
			continue
		}
		out.Bindings = append(out.Bindings, Binding{Bone: bone, Joint: joint, Track: tr})
	}

	if len(out.Bindings) == 0 {
		return out, ErrNoBoundTracks
	}
	return out, nil
}
