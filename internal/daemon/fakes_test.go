package daemon

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/samstreets/Docker-Autoupdater/internal/config"
	"github.com/samstreets/Docker-Autoupdater/internal/docker"
	"github.com/samstreets/Docker-Autoupdater/internal/notify"
	"github.com/samstreets/Docker-Autoupdater/internal/state"
	"github.com/samstreets/Docker-Autoupdater/internal/update"
)

const (
	digestOld = digest.Digest("sha256:1111111111111111111111111111111111111111111111111111111111111111")
	digestNew = digest.Digest("sha256:2222222222222222222222222222222222222222222222222222222222222222")
)

// fakeClient is an in-memory docker.Client recording every mutating call.
type fakeClient struct {
	mu         sync.Mutex
	containers []docker.Container
	snaps      map[string]update.Snapshot
	images     map[string]update.LocalImage
	listErr    error
	listLabel  string
	lists      int
	listed     chan struct{}
	pullErr    map[string]error
	runErr     map[string]error
	exists     map[string]bool
	calls      []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		snaps:   map[string]update.Snapshot{},
		images:  map[string]update.LocalImage{},
		pullErr: map[string]error{},
		runErr:  map[string]error{},
		exists:  map[string]bool{},
		listed:  make(chan struct{}, 16),
	}
}

// add registers a running container whose image has the given repo digest.
func (f *fakeClient) add(id, name, image string, d digest.Digest, labels map[string]string) {
	imageID := "sha256:img-" + name
	f.containers = append(f.containers, docker.Container{ID: id, Name: name, Image: image, ImageID: imageID, Labels: labels})
	f.snaps[id] = update.Snapshot{
		ID:      id,
		Name:    name,
		Image:   image,
		ImageID: imageID,
		Env:     []string{"NAME=" + name},
		Labels:  labels,
	}
	f.images[imageID] = update.LocalImage{ID: imageID, RepoDigests: []string{repoOf(image) + "@" + d.String()}}
}

func repoOf(image string) string {
	for i := len(image) - 1; i >= 0; i-- {
		switch image[i] {
		case ':':
			return image[:i]
		case '/':
			return image
		}
	}
	return image
}

func (f *fakeClient) log(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeClient) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeClient) Lists() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists
}

func (f *fakeClient) Ping(ctx context.Context) error { return nil }
func (f *fakeClient) Close() error                   { return nil }

func (f *fakeClient) ListRunningContainers(ctx context.Context, label string) ([]docker.Container, error) {
	f.mu.Lock()
	f.lists++
	f.listLabel = label
	f.mu.Unlock()
	select {
	case f.listed <- struct{}{}:
	default:
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.containers, nil
}

func (f *fakeClient) Snapshot(ctx context.Context, id string) (update.Snapshot, error) {
	snap, ok := f.snaps[id]
	if !ok {
		return update.Snapshot{}, fmt.Errorf("inspect container %s: %w", id, update.ErrContainerGone)
	}
	return snap.Clone(), nil
}

func (f *fakeClient) ContainerExists(ctx context.Context, name string) (bool, error) {
	return f.exists[name], nil
}

func (f *fakeClient) LocalImage(ctx context.Context, ref string) (update.LocalImage, bool, error) {
	img, ok := f.images[ref]
	return img, ok, nil
}

func (f *fakeClient) PullImage(ctx context.Context, ref string) (string, error) {
	f.log("pull:" + ref)
	if err := f.pullErr[ref]; err != nil {
		return "", err
	}
	return "sha256:pulled-" + ref, nil
}

func (f *fakeClient) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	f.log("stop:" + id)
	return nil
}

func (f *fakeClient) RemoveContainer(ctx context.Context, id string) error {
	f.log("remove:" + id)
	return nil
}

func (f *fakeClient) RunContainer(ctx context.Context, snap update.Snapshot, image string) (string, error) {
	f.log("run:" + snap.Name)
	if err := f.runErr[snap.Name]; err != nil {
		return "", err
	}
	return "new-" + snap.Name, nil
}

func (f *fakeClient) RemoveImage(ctx context.Context, imageID string) error {
	f.log("rmi:" + imageID)
	return nil
}

// fakeResolver serves digests per reference; unknown references fail.
type fakeResolver struct {
	digests map[string]digest.Digest
}

func (r *fakeResolver) Digest(ctx context.Context, ref string) (digest.Digest, error) {
	d, ok := r.digests[ref]
	if !ok {
		return "", fmt.Errorf("%w: no digest for %s", update.ErrUnsupported, ref)
	}
	return d, nil
}

// recordingService captures delivered notifications.
type recordingService struct {
	mu   sync.Mutex
	msgs []string
}

func (s *recordingService) Send(ctx context.Context, title, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, message)
	return nil
}

func (s *recordingService) Name() string { return "recording" }

func (s *recordingService) Messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.msgs...)
}

type harness struct {
	cfg      *config.Config
	client   *fakeClient
	resolver *fakeResolver
	svc      *recordingService
	store    *state.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.StateDir = t.TempDir()
	return &harness{
		cfg:      cfg,
		client:   newFakeClient(),
		resolver: &fakeResolver{digests: map[string]digest.Digest{}},
		svc:      &recordingService{},
		store:    state.NewStore(cfg.StateDir),
	}
}

func (h *harness) daemon() *Daemon {
	n := notify.NewMultiNotifier(notify.Level(h.cfg.NotifyLevel), time.Second)
	n.Add(h.svc)
	return New(h.cfg, h.client, h.resolver, WithNotifier(n), WithStore(h.store))
}

// cycle runs one cycle and waits for its notifications.
func (h *harness) cycle(t *testing.T, d *Daemon) update.Summary {
	t.Helper()
	sum, err := d.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("unexpected cycle error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Wait(ctx); err != nil {
		t.Fatalf("notifications did not drain: %v", err)
	}
	return sum
}
