package docker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	imageapi "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	registrytypes "github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/go-connections/nat"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/samstreets/Docker-Autoupdater/internal/logging"
	"github.com/samstreets/Docker-Autoupdater/internal/update"
)

const (
	defaultRuntimeTimeout = time.Minute
	defaultPullTimeout    = 10 * time.Minute
)

// Client is the interface used by the daemon for Docker operations.
type Client interface {
	update.ImageStore
	update.ContainerRuntime

	Ping(ctx context.Context) error
	// ListRunningContainers lists running containers. A non-empty label
	// ("key=value") restricts the daemon query to containers carrying it.
	ListRunningContainers(ctx context.Context, label string) ([]Container, error)
	// Snapshot captures the configuration needed to recreate a container.
	Snapshot(ctx context.Context, id string) (update.Snapshot, error)
	// ContainerExists reports whether a container with the given name or ID
	// exists in any state.
	ContainerExists(ctx context.Context, nameOrID string) (bool, error)
	RemoveImage(ctx context.Context, imageID string) error
	Close() error
}

// Options configures the SDK-backed client.
type Options struct {
	// Host overrides DOCKER_HOST; empty uses the environment.
	Host           string
	RuntimeTimeout time.Duration
	PullTimeout    time.Duration
	// Keychain resolves registry credentials forwarded to the daemon on pull.
	Keychain authn.Keychain
}

// dockerAPI is the subset of the Docker SDK used by sdkClient.
type dockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ContainerList(ctx context.Context, options containertypes.ListOptions) ([]containertypes.Summary, error)
	ContainerInspect(ctx context.Context, containerID string) (containertypes.InspectResponse, error)
	ImageInspect(ctx context.Context, imageID string, inspectOpts ...client.ImageInspectOption) (imageapi.InspectResponse, error)
	ImagePull(ctx context.Context, refStr string, options imageapi.PullOptions) (io.ReadCloser, error)
	ContainerStop(ctx context.Context, containerID string, options containertypes.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options containertypes.RemoveOptions) error
	ContainerCreate(ctx context.Context, config *containertypes.Config, hostConfig *containertypes.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (containertypes.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options containertypes.StartOptions) error
	ImageRemove(ctx context.Context, image string, options imageapi.RemoveOptions) ([]imageapi.DeleteResponse, error)
	Close() error
}

// sdkClient is the production implementation using the official Docker SDK.
type sdkClient struct {
	cli            dockerAPI
	runtimeTimeout time.Duration
	pullTimeout    time.Duration
	keychain       authn.Keychain
}

// NewClient returns an SDK-backed Docker client. The connection is not
// checked; call Ping for that.
func NewClient(opts Options) (Client, error) {
	cliOpts := []client.Opt{client.WithAPIVersionNegotiation()}
	if opts.Host != "" {
		cliOpts = append(cliOpts, client.WithHost(opts.Host))
	} else {
		cliOpts = append(cliOpts, client.FromEnv)
	}
	c, err := client.NewClientWithOpts(cliOpts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return newSDKClient(c, opts), nil
}

func newSDKClient(api dockerAPI, opts Options) *sdkClient {
	s := &sdkClient{
		cli:            api,
		runtimeTimeout: opts.RuntimeTimeout,
		pullTimeout:    opts.PullTimeout,
		keychain:       opts.Keychain,
	}
	if s.runtimeTimeout <= 0 {
		s.runtimeTimeout = defaultRuntimeTimeout
	}
	if s.pullTimeout <= 0 {
		s.pullTimeout = defaultPullTimeout
	}
	return s
}

// wrapErr marks failures to reach the daemon as connectivity errors. Other
// errors are returned with op as context.
func wrapErr(op string, err error) error {
	if client.IsErrConnectionFailed(err) {
		return &update.ConnectivityError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *sdkClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.runtimeTimeout)
	defer cancel()
	if _, err := s.cli.Ping(ctx); err != nil {
		return &update.ConnectivityError{Op: "ping", Err: err}
	}
	return nil
}

func (s *sdkClient) Close() error {
	return s.cli.Close()
}

func (s *sdkClient) ListRunningContainers(ctx context.Context, label string) ([]Container, error) {
	ctx, cancel := context.WithTimeout(ctx, s.runtimeTimeout)
	defer cancel()

	opts := containertypes.ListOptions{All: false}
	if label != "" {
		opts.Filters = filters.NewArgs(filters.Arg("label", label))
	}
	list, err := s.cli.ContainerList(ctx, opts)
	if err != nil {
		// the list is the cycle's only view of the daemon, so any failure is
		// treated as losing it
		return nil, &update.ConnectivityError{Op: "list containers", Err: err}
	}
	out := make([]Container, 0, len(list))
	for _, c := range list {
		out = append(out, Container{
			ID:      c.ID,
			Name:    containerName(c.Names),
			Image:   c.Image,
			ImageID: c.ImageID,
			Labels:  c.Labels,
		})
	}
	return out, nil
}

func containerName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return strings.TrimPrefix(names[0], "/")
}

func (s *sdkClient) Snapshot(ctx context.Context, id string) (update.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.runtimeTimeout)
	defer cancel()

	insp, err := s.cli.ContainerInspect(ctx, id)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return update.Snapshot{}, fmt.Errorf("inspect container %s: %w", update.ShortID(id), update.ErrContainerGone)
		}
		return update.Snapshot{}, wrapErr("inspect container "+update.ShortID(id), err)
	}
	if insp.ContainerJSONBase == nil {
		return update.Snapshot{}, fmt.Errorf("inspect container %s: empty response", update.ShortID(id))
	}

	snap := update.Snapshot{
		ID:      insp.ID,
		Name:    strings.TrimPrefix(insp.Name, "/"),
		ImageID: insp.Image,
	}
	if insp.Config != nil {
		snap.Image = insp.Config.Image
		snap.Env = insp.Config.Env
		snap.Labels = insp.Config.Labels
	}
	if hc := insp.HostConfig; hc != nil {
		snap.PortBindings = hc.PortBindings
		snap.Binds = hc.Binds
		snap.NetworkMode = string(hc.NetworkMode)
		snap.RestartPolicy = hc.RestartPolicy
	}
	return snap.Clone(), nil
}

func (s *sdkClient) ContainerExists(ctx context.Context, nameOrID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.runtimeTimeout)
	defer cancel()
	if _, err := s.cli.ContainerInspect(ctx, nameOrID); err != nil {
		if cerrdefs.IsNotFound(err) {
			return false, nil
		}
		return false, wrapErr("inspect container "+nameOrID, err)
	}
	return true, nil
}

func (s *sdkClient) LocalImage(ctx context.Context, ref string) (update.LocalImage, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.runtimeTimeout)
	defer cancel()

	insp, err := s.cli.ImageInspect(ctx, ref)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return update.LocalImage{}, false, nil
		}
		return update.LocalImage{}, false, wrapErr("inspect image "+ref, err)
	}
	return update.LocalImage{ID: insp.ID, RepoDigests: insp.RepoDigests}, true, nil
}

func (s *sdkClient) PullImage(ctx context.Context, ref string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.pullTimeout)
	defer cancel()

	logging.Get().Info().Str("image", ref).Msg("pulling image")
	rc, err := s.cli.ImagePull(ctx, ref, imageapi.PullOptions{RegistryAuth: s.registryAuth(ref)})
	if err != nil {
		logging.Get().Error().Err(err).Str("image", ref).Msg("image pull failed")
		return "", wrapErr("image pull "+ref, err)
	}
	defer rc.Close()
	// errors reported inside the progress stream only surface here
	if err := jsonmessage.DisplayJSONMessagesStream(rc, io.Discard, 0, false, nil); err != nil {
		logging.Get().Error().Err(err).Str("image", ref).Msg("image pull failed")
		return "", fmt.Errorf("image pull %s: %w", ref, err)
	}

	insp, err := s.cli.ImageInspect(ctx, ref)
	if err != nil {
		return "", wrapErr("inspect image "+ref, err)
	}
	logging.Get().Info().Str("image", ref).Str("id", insp.ID).Msg("pulled image")
	return insp.ID, nil
}

// registryAuth encodes credentials for ref's registry from the keychain.
// Anonymous access yields an empty header.
func (s *sdkClient) registryAuth(ref string) string {
	if s.keychain == nil {
		return ""
	}
	parsed, err := name.ParseReference(ref)
	if err != nil {
		return ""
	}
	auth, err := s.keychain.Resolve(parsed.Context())
	if err != nil || auth == authn.Anonymous {
		return ""
	}
	cfg, err := auth.Authorization()
	if err != nil || cfg == nil {
		return ""
	}
	enc, err := registrytypes.EncodeAuthConfig(registrytypes.AuthConfig{
		Username:      cfg.Username,
		Password:      cfg.Password,
		Auth:          cfg.Auth,
		IdentityToken: cfg.IdentityToken,
		RegistryToken: cfg.RegistryToken,
		ServerAddress: parsed.Context().RegistryStr(),
	})
	if err != nil {
		logging.Get().Warn().Err(err).Str("image", ref).Msg("encode registry auth failed; pulling anonymously")
		return ""
	}
	return enc
}

func (s *sdkClient) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, grace+s.runtimeTimeout)
	defer cancel()
	secs := int(grace.Seconds())
	if err := s.cli.ContainerStop(ctx, id, containertypes.StopOptions{Timeout: &secs}); err != nil {
		if cerrdefs.IsNotFound(err) {
			return fmt.Errorf("stop container %s: %w", update.ShortID(id), update.ErrContainerGone)
		}
		return wrapErr("stop container "+update.ShortID(id), err)
	}
	return nil
}

func (s *sdkClient) RemoveContainer(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, s.runtimeTimeout)
	defer cancel()
	if err := s.cli.ContainerRemove(ctx, id, containertypes.RemoveOptions{}); err != nil {
		if cerrdefs.IsNotFound(err) {
			return fmt.Errorf("remove container %s: %w", update.ShortID(id), update.ErrContainerGone)
		}
		return wrapErr("remove container "+update.ShortID(id), err)
	}
	return nil
}

// RunContainer creates and starts a container named snap.Name from image.
// If the start fails the created container is removed again so the name stays
// free for a later relaunch.
func (s *sdkClient) RunContainer(ctx context.Context, snap update.Snapshot, image string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.runtimeTimeout)
	defer cancel()

	cfg, hostCfg := containerConfig(snap, image)
	resp, err := s.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, snap.Name)
	if err != nil {
		return "", wrapErr("create container "+snap.Name, err)
	}
	for _, w := range resp.Warnings {
		logging.Get().Warn().Str("container", snap.Name).Msg(w)
	}
	if err := s.cli.ContainerStart(ctx, resp.ID, containertypes.StartOptions{}); err != nil {
		if rmErr := s.cli.ContainerRemove(ctx, resp.ID, containertypes.RemoveOptions{Force: true}); rmErr != nil {
			logging.Get().Warn().Err(rmErr).Str("container", snap.Name).Msg("failed to remove container that did not start")
		}
		return "", wrapErr("start container "+snap.Name, err)
	}
	return resp.ID, nil
}

// containerConfig builds create parameters from a snapshot. Ports are
// exposed for every bound port so the bindings take effect.
func containerConfig(snap update.Snapshot, image string) (*containertypes.Config, *containertypes.HostConfig) {
	var exposed nat.PortSet
	if len(snap.PortBindings) > 0 {
		exposed = make(nat.PortSet, len(snap.PortBindings))
		for p := range snap.PortBindings {
			exposed[p] = struct{}{}
		}
	}
	c := snap.Clone()
	cfg := &containertypes.Config{
		Image:        image,
		Env:          c.Env,
		Labels:       c.Labels,
		ExposedPorts: exposed,
	}
	hostCfg := &containertypes.HostConfig{
		Binds:         c.Binds,
		PortBindings:  c.PortBindings,
		NetworkMode:   containertypes.NetworkMode(c.NetworkMode),
		RestartPolicy: c.RestartPolicy,
	}
	return cfg, hostCfg
}

func (s *sdkClient) RemoveImage(ctx context.Context, imageID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.runtimeTimeout)
	defer cancel()
	deleted, err := s.cli.ImageRemove(ctx, imageID, imageapi.RemoveOptions{PruneChildren: true})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return wrapErr("remove image "+imageID, err)
	}
	logging.Get().Info().Str("image", imageID).Int("deleted", len(deleted)).Msg("removed image")
	return nil
}

var _ Client = (*sdkClient)(nil)
