package update

import (
	"context"
	"errors"
	"strings"

	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"

	"github.com/samstreets/Docker-Autoupdater/internal/logging"
)

// Strategy names how an identity was obtained.
type Strategy string

const (
	StrategyLocal  Strategy = "local"
	StrategyDigest Strategy = "digest"
	StrategyPull   Strategy = "pull"
)

// ImageStore is the local side of the runtime: inspect and pull images.
type ImageStore interface {
	// LocalImage returns the image known by ref (a reference or an image ID).
	// found is false when the runtime has no such image.
	LocalImage(ctx context.Context, ref string) (img LocalImage, found bool, err error)
	// PullImage pulls ref and returns the resulting local image ID.
	PullImage(ctx context.Context, ref string) (string, error)
}

// DigestResolver resolves the registry's manifest digest for a reference
// without downloading layers.
type DigestResolver interface {
	Digest(ctx context.Context, ref string) (digest.Digest, error)
}

// Verdict is the comparator's answer for one container.
type Verdict struct {
	UpdateAvailable bool
	// Undetermined is set when detection needed a pull that dry-run forbids.
	Undetermined bool
	Strategy     Strategy
	Local        string
	Remote       string
	// Pulled means the new image is already local; the caller must not pull again.
	Pulled bool
}

// Comparator decides whether a container's running image differs from the
// latest image for the same reference.
type Comparator struct {
	images   ImageStore
	resolver DigestResolver
	dryRun   bool
}

// NewComparator returns a comparator. With dryRun set the pull-based fallback is
// never performed.
func NewComparator(images ImageStore, resolver DigestResolver, dryRun bool) *Comparator {
	return &Comparator{images: images, resolver: resolver, dryRun: dryRun}
}

// Check compares the image the snapshot's container runs against the
// registry. Digests are compared first; when the registry lookup fails the
// image is pulled and image IDs are compared instead. The two kinds of
// identity are never mixed.
func (c *Comparator) Check(ctx context.Context, snap Snapshot) (Verdict, error) {
	log := logging.Get().With().Str("container", snap.Name).Str("image", snap.Image).Logger()

	local, found, err := c.localImage(ctx, snap)
	if err != nil {
		return Verdict{}, &LookupError{Ref: snap.Image, Strategy: StrategyLocal, Err: err}
	}
	if !found {
		log.Warn().Msg("local image entry missing; treating as stale")
	}

	remote, err := c.resolver.Digest(ctx, snap.Image)
	if err == nil {
		v := Verdict{Strategy: StrategyDigest, Remote: remote.String()}
		if found {
			v.Local = RepoDigestFor(snap.Image, local.RepoDigests)
		}
		v.UpdateAvailable = v.Local == "" || v.Local != v.Remote
		log.Debug().Str("local_digest", v.Local).Str("remote_digest", v.Remote).Bool("update", v.UpdateAvailable).Msg("compared digests")
		return v, nil
	}

	if errors.Is(err, ErrUnsupported) {
		log.Info().Err(err).Msg("registry cannot serve manifest lookup; falling back to pull")
	} else {
		log.Warn().Err(err).Msg("remote digest lookup failed; falling back to pull")
	}
	if c.dryRun {
		return Verdict{Strategy: StrategyPull, Undetermined: true}, nil
	}

	pulledID, err := c.images.PullImage(ctx, snap.Image)
	if err != nil {
		return Verdict{}, &LookupError{Ref: snap.Image, Strategy: StrategyPull, Err: err}
	}
	v := Verdict{Strategy: StrategyPull, Remote: pulledID, Pulled: true}
	if found {
		v.Local = local.ID
	}
	v.UpdateAvailable = v.Local == "" || v.Local != v.Remote
	log.Debug().Str("local_id", v.Local).Str("pulled_id", v.Remote).Bool("update", v.UpdateAvailable).Msg("compared image ids")
	return v, nil
}

// localImage inspects the image the container actually runs, falling back to
// the reference when the runtime did not report an image ID.
func (c *Comparator) localImage(ctx context.Context, snap Snapshot) (LocalImage, bool, error) {
	key := snap.ImageID
	if key == "" {
		key = snap.Image
	}
	return c.images.LocalImage(ctx, key)
}

// RepoDigestFor picks the digest recorded for ref's repository out of an
// image's RepoDigests ("repo@sha256:..."). It returns "" when none matches.
func RepoDigestFor(ref string, repoDigests []string) string {
	want := ""
	if named, err := reference.ParseNormalizedNamed(ref); err == nil {
		want = named.Name()
	}
	for _, rd := range repoDigests {
		named, err := reference.ParseNormalizedNamed(rd)
		if err != nil {
			continue
		}
		canonical, ok := named.(reference.Canonical)
		if !ok {
			continue
		}
		if want != "" && named.Name() != want {
			continue
		}
		if err := canonical.Digest().Validate(); err != nil {
			continue
		}
		return canonical.Digest().String()
	}
	if want == "" && len(repoDigests) > 0 {
		// unparsable reference: take the first recorded digest
		_, d, ok := strings.Cut(repoDigests[0], "@")
		if ok {
			if parsed, err := digest.Parse(d); err == nil {
				return parsed.String()
			}
		}
	}
	return ""
}
