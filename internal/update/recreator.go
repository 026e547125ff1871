package update

import (
	"context"
	"time"

	"github.com/samstreets/Docker-Autoupdater/internal/logging"
)

// ContainerRuntime is the mutating side of the runtime used by the Recreator.
type ContainerRuntime interface {
	// StopContainer stops id, killing it once grace has elapsed.
	StopContainer(ctx context.Context, id string, grace time.Duration) error
	RemoveContainer(ctx context.Context, id string) error
	// RunContainer creates and starts a container from snap using image,
	// named snap.Name, and returns the new container ID.
	RunContainer(ctx context.Context, snap Snapshot, image string) (string, error)
}

// Recreator replaces a container with a new one built from its snapshot.
type Recreator struct {
	runtime     ContainerRuntime
	stopTimeout time.Duration
	dryRun      bool
}

// NewRecreator returns a recreator that gives containers stopTimeout to exit
// before they are killed.
func NewRecreator(runtime ContainerRuntime, stopTimeout time.Duration, dryRun bool) *Recreator {
	return &Recreator{runtime: runtime, stopTimeout: stopTimeout, dryRun: dryRun}
}

// Recreate stops and removes the container described by snap and launches a
// replacement from image with the same configuration. image must already be
// present locally. A failure while stopping or removing leaves the old
// container as it is; a failure after removal leaves no container at all and
// is reported with StagePostRemoval. In dry-run nothing is touched.
func (r *Recreator) Recreate(ctx context.Context, snap Snapshot, image string) (string, error) {
	log := logging.Get().With().Str("container", snap.Name).Str("image", image).Logger()
	if r.dryRun {
		log.Info().Msg("dry run: would stop, remove and recreate container")
		return "", nil
	}

	log.Info().Dur("grace", r.stopTimeout).Msg("stopping container")
	if err := r.runtime.StopContainer(ctx, snap.ID, r.stopTimeout); err != nil {
		return "", &RecreationError{Name: snap.Name, Step: "stop", Stage: StagePreRemoval, Err: err}
	}

	log.Info().Msg("removing container")
	if err := r.runtime.RemoveContainer(ctx, snap.ID); err != nil {
		return "", &RecreationError{Name: snap.Name, Step: "remove", Stage: StagePreRemoval, Err: err}
	}

	log.Info().Msg("recreating container")
	newID, err := r.runtime.RunContainer(ctx, snap, image)
	if err != nil {
		log.Error().Err(err).Bool("absent", true).Msg("container removed but replacement failed to launch")
		return "", &RecreationError{Name: snap.Name, Step: "run", Stage: StagePostRemoval, Err: err}
	}
	log.Info().Str("new_id", ShortID(newID)).Msg("container recreated")
	return newID, nil
}

// ShortID truncates a container or image ID to the 12 characters the runtime
// uses as a container's default hostname.
func ShortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
