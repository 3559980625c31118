// Package avatar resolves avatar ids to the face region frames are drawn in.
package avatar

import (
	"slices"
	"strings"

	"github.com/loqalabs/loqa-lipsync/internal/config"
	"github.com/loqalabs/loqa-lipsync/internal/render"
)

// DefaultFace is used for unknown avatars when no default is configured.
var DefaultFace = render.FaceRegion{X: 200, Y: 150, Width: 240, Height: 180}

type Registry struct {
	def   render.FaceRegion
	faces map[string]render.FaceRegion
}

func NewRegistry(cfg config.AvatarsConfig) *Registry {
	r := &Registry{
		def:   toRegion(cfg.Default),
		faces: make(map[string]render.FaceRegion, len(cfg.Faces)),
	}
	if !r.def.Valid() {
		r.def = DefaultFace
	}
	for id, face := range cfg.Faces {
		if region := toRegion(face); region.Valid() {
			r.faces[normalize(id)] = region
		}
	}
	return r
}

// Lookup returns the face region for avatarID, or the default region when the
// avatar is unknown.
func (r *Registry) Lookup(avatarID string) render.FaceRegion {
	if r == nil {
		return DefaultFace
	}
	if face, ok := r.faces[normalize(avatarID)]; ok {
		return face
	}
	return r.def
}

// IDs lists the configured avatars in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.faces))
	for id := range r.faces {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func toRegion(f config.FaceRegion) render.FaceRegion {
	return render.FaceRegion{X: f.X, Y: f.Y, Width: f.Width, Height: f.Height}
}
