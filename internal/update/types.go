// Package update holds the update-detection and recreation logic: the
// identity comparator deciding whether a container runs a stale image, the
// recreator replacing a container from its snapshot, and the per-container
// outcome types the reconciliation loop aggregates.
package update

import (
	"maps"
	"slices"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
)

// Snapshot is the subset of a running container's configuration needed to
// recreate it. It is captured once per check and never mutated afterwards.
type Snapshot struct {
	ID            string                  `json:"id"`
	Name          string                  `json:"name"`
	Image         string                  `json:"image"`
	ImageID       string                  `json:"image_id"`
	Env           []string                `json:"env"`
	PortBindings  nat.PortMap             `json:"port_bindings"`
	Binds         []string                `json:"binds"`
	NetworkMode   string                  `json:"network_mode"`
	RestartPolicy container.RestartPolicy `json:"restart_policy"`
	Labels        map[string]string       `json:"labels"`
}

// Clone returns a deep copy so callers can hand the snapshot out without
// sharing slices or maps.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Env = slices.Clone(s.Env)
	out.Binds = slices.Clone(s.Binds)
	out.Labels = maps.Clone(s.Labels)
	if s.PortBindings != nil {
		out.PortBindings = make(nat.PortMap, len(s.PortBindings))
		for port, bindings := range s.PortBindings {
			out.PortBindings[port] = slices.Clone(bindings)
		}
	}
	return out
}

// LocalImage is what the runtime knows about a pulled image.
type LocalImage struct {
	ID          string
	RepoDigests []string
}
