// Package registry resolves manifest digests straight from image registries
// so stale images can be detected without pulling them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/opencontainers/go-digest"

	"github.com/samstreets/Docker-Autoupdater/internal/logging"
	"github.com/samstreets/Docker-Autoupdater/internal/update"
)

// Resolver performs manifest HEAD requests against the registry named by an
// image reference.
type Resolver struct {
	timeout   time.Duration
	keychain  authn.Keychain
	transport http.RoundTripper
	nameOpts  []name.Option
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithKeychain overrides the credential source (defaults to the docker config).
func WithKeychain(k authn.Keychain) Option {
	return func(r *Resolver) { r.keychain = k }
}

// WithTransport sets the HTTP transport used for registry calls.
func WithTransport(t http.RoundTripper) Option {
	return func(r *Resolver) { r.transport = t }
}

// WithInsecure allows plain HTTP registries.
func WithInsecure() Option {
	return func(r *Resolver) { r.nameOpts = append(r.nameOpts, name.Insecure) }
}

// NewResolver returns a resolver bounding every lookup by timeout.
func NewResolver(timeout time.Duration, opts ...Option) *Resolver {
	r := &Resolver{
		timeout:   timeout,
		keychain:  authn.DefaultKeychain,
		transport: remote.DefaultTransport,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Digest returns the manifest digest the registry serves for ref. Registries
// that refuse HEAD on manifests yield an error wrapping update.ErrUnsupported.
func (r *Resolver) Digest(ctx context.Context, ref string) (digest.Digest, error) {
	parsed, err := name.ParseReference(ref, r.nameOpts...)
	if err != nil {
		return "", fmt.Errorf("%w: invalid reference %q: %v", update.ErrUnsupported, ref, err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	desc, err := remote.Head(parsed,
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(r.keychain),
		remote.WithTransport(r.transport),
	)
	if err != nil {
		var terr *transport.Error
		if errors.As(err, &terr) && (terr.StatusCode == http.StatusMethodNotAllowed || terr.StatusCode == http.StatusNotImplemented) {
			return "", fmt.Errorf("%w: %s: %v", update.ErrUnsupported, parsed.Context().RegistryStr(), err)
		}
		return "", fmt.Errorf("head %s: %w", parsed.Name(), err)
	}

	d, err := digest.Parse(desc.Digest.String())
	if err != nil {
		return "", fmt.Errorf("malformed digest for %s: %w", parsed.Name(), err)
	}
	logging.Get().Debug().Str("image", parsed.Name()).Str("digest", d.String()).Msg("resolved remote digest")
	return d, nil
}
