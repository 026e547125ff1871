package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	containertypes "github.com/docker/docker/api/types/container"
	imageapi "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/samstreets/Docker-Autoupdater/internal/update"
)

const testOldID = "0123456789abcdef0123"

// fakeDockerAPI implements the subset of Docker client methods used by sdkClient
type fakeDockerAPI struct {
	list        []containertypes.Summary
	listOpts    containertypes.ListOptions
	listErr     error
	inspect     map[string]containertypes.InspectResponse
	images      map[string]imageapi.InspectResponse
	pullStream  string
	pullErr     error
	stopTimeout *int
	stopErr     error
	removed     []string
	createdName string
	createdCfg  *containertypes.Config
	createdHost *containertypes.HostConfig
	createErr   error
	started     []string
	startErr    error
	rmImages    []string
	rmImageErr  error
}

func (f *fakeDockerAPI) Ping(ctx context.Context) (types.Ping, error) {
	return types.Ping{APIVersion: "1.47"}, nil
}

func (f *fakeDockerAPI) ContainerList(ctx context.Context, options containertypes.ListOptions) ([]containertypes.Summary, error) {
	f.listOpts = options
	return f.list, f.listErr
}

func (f *fakeDockerAPI) ContainerInspect(ctx context.Context, containerID string) (containertypes.InspectResponse, error) {
	if insp, ok := f.inspect[containerID]; ok {
		return insp, nil
	}
	return containertypes.InspectResponse{}, fmt.Errorf("No such container: %s: %w", containerID, cerrdefs.ErrNotFound)
}

func (f *fakeDockerAPI) ImageInspect(ctx context.Context, imageID string, inspectOpts ...client.ImageInspectOption) (imageapi.InspectResponse, error) {
	if img, ok := f.images[imageID]; ok {
		return img, nil
	}
	return imageapi.InspectResponse{}, fmt.Errorf("No such image: %s: %w", imageID, cerrdefs.ErrNotFound)
}

func (f *fakeDockerAPI) ImagePull(ctx context.Context, refStr string, options imageapi.PullOptions) (io.ReadCloser, error) {
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	return io.NopCloser(strings.NewReader(f.pullStream)), nil
}

func (f *fakeDockerAPI) ContainerStop(ctx context.Context, containerID string, options containertypes.StopOptions) error {
	f.stopTimeout = options.Timeout
	return f.stopErr
}

func (f *fakeDockerAPI) ContainerRemove(ctx context.Context, containerID string, options containertypes.RemoveOptions) error {
	f.removed = append(f.removed, containerID)
	return nil
}

func (f *fakeDockerAPI) ContainerCreate(ctx context.Context, config *containertypes.Config, hostConfig *containertypes.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (containertypes.CreateResponse, error) {
	if f.createErr != nil {
		return containertypes.CreateResponse{}, f.createErr
	}
	f.createdName = containerName
	f.createdCfg = config
	f.createdHost = hostConfig
	return containertypes.CreateResponse{ID: "new-id"}, nil
}

func (f *fakeDockerAPI) ContainerStart(ctx context.Context, containerID string, options containertypes.StartOptions) error {
	f.started = append(f.started, containerID)
	return f.startErr
}

func (f *fakeDockerAPI) ImageRemove(ctx context.Context, image string, options imageapi.RemoveOptions) ([]imageapi.DeleteResponse, error) {
	f.rmImages = append(f.rmImages, image)
	return []imageapi.DeleteResponse{{Deleted: image}}, f.rmImageErr
}

func (f *fakeDockerAPI) Close() error { return nil }

func webInspect() containertypes.InspectResponse {
	return containertypes.InspectResponse{
		ContainerJSONBase: &containertypes.ContainerJSONBase{
			ID:    testOldID,
			Name:  "/web",
			Image: "sha256:old",
			HostConfig: &containertypes.HostConfig{
				Binds:         []string{"/srv/www:/usr/share/nginx/html:ro"},
				NetworkMode:   "frontend",
				RestartPolicy: containertypes.RestartPolicy{Name: containertypes.RestartPolicyAlways},
				PortBindings: nat.PortMap{
					"80/tcp":  []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "8080"}},
					"443/tcp": []nat.PortBinding{{HostPort: "8443"}},
				},
			},
		},
		Config: &containertypes.Config{
			Image:  "nginx:latest",
			Env:    []string{"TZ=UTC", "MODE=prod"},
			Labels: map[string]string{"autoupdate": "true"},
		},
	}
}

func newTestClient(f *fakeDockerAPI) *sdkClient {
	return newSDKClient(f, Options{RuntimeTimeout: time.Second, PullTimeout: time.Second})
}

func TestListRunningContainers(t *testing.T) {
	fake := &fakeDockerAPI{
		list: []containertypes.Summary{
			{ID: "c1", Image: "image1:latest", ImageID: "sha256:abc", Labels: map[string]string{"test": "true"}, Names: []string{"/container1"}},
			{ID: "c2", Image: "image2:v1.0", ImageID: "sha256:def", Labels: map[string]string{}, Names: []string{"/container2"}},
		},
	}
	s := newTestClient(fake)

	containers, err := s.ListRunningContainers(context.Background(), "")
	if err != nil {
		t.Fatalf("ListRunningContainers failed: %v", err)
	}
	if len(containers) != 2 {
		t.Fatalf("expected 2 containers, got %d", len(containers))
	}
	if containers[0].ID != "c1" || containers[0].Name != "container1" || containers[0].ImageID != "sha256:abc" {
		t.Errorf("container 0 mismatch: got %+v", containers[0])
	}
	if containers[1].Name != "container2" || containers[1].Image != "image2:v1.0" {
		t.Errorf("container 1 mismatch: got %+v", containers[1])
	}
	if fake.listOpts.All || fake.listOpts.Filters.Len() != 0 {
		t.Errorf("expected running containers without filters, got %+v", fake.listOpts)
	}
}

func TestListRunningContainersLabelFilter(t *testing.T) {
	fake := &fakeDockerAPI{}
	s := newTestClient(fake)
	if _, err := s.ListRunningContainers(context.Background(), "autoupdate=true"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := fake.listOpts.Filters.Get("label"); len(got) != 1 || got[0] != "autoupdate=true" {
		t.Fatalf("expected label filter in daemon query, got %v", got)
	}
}

func TestListRunningContainersFailureIsConnectivity(t *testing.T) {
	fake := &fakeDockerAPI{listErr: errors.New("Cannot connect to the Docker daemon")}
	s := newTestClient(fake)
	_, err := s.ListRunningContainers(context.Background(), "")
	var ce *update.ConnectivityError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConnectivityError, got %v", err)
	}
}

func TestSnapshotCapturesConfiguration(t *testing.T) {
	fake := &fakeDockerAPI{inspect: map[string]containertypes.InspectResponse{testOldID: webInspect()}}
	s := newTestClient(fake)

	snap, err := s.Snapshot(context.Background(), testOldID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.Name != "web" || snap.Image != "nginx:latest" || snap.ImageID != "sha256:old" {
		t.Fatalf("identity mismatch: %+v", snap)
	}
	if snap.NetworkMode != "frontend" || snap.RestartPolicy.Name != containertypes.RestartPolicyAlways {
		t.Fatalf("host config mismatch: %+v", snap)
	}
	if len(snap.Binds) != 1 || len(snap.PortBindings) != 2 || len(snap.Env) != 2 || snap.Labels["autoupdate"] != "true" {
		t.Fatalf("collections mismatch: %+v", snap)
	}
}

func TestSnapshotVanishedContainer(t *testing.T) {
	s := newTestClient(&fakeDockerAPI{})
	_, err := s.Snapshot(context.Background(), "gone")
	if !errors.Is(err, update.ErrContainerGone) {
		t.Fatalf("expected ErrContainerGone, got %v", err)
	}
}

func TestSnapshotEmptyInspect(t *testing.T) {
	fake := &fakeDockerAPI{inspect: map[string]containertypes.InspectResponse{"x": {}}}
	s := newTestClient(fake)
	if _, err := s.Snapshot(context.Background(), "x"); err == nil {
		t.Fatal("expected error for inspect without base")
	}
}

// A recreated container must match the original field by field except for
// its ID and image.
func TestRunContainerPreservesSnapshot(t *testing.T) {
	fake := &fakeDockerAPI{inspect: map[string]containertypes.InspectResponse{testOldID: webInspect()}}
	s := newTestClient(fake)
	ctx := context.Background()

	snap, err := s.Snapshot(ctx, testOldID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	id, err := s.RunContainer(ctx, snap, "nginx:latest")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if id != "new-id" || !reflect.DeepEqual(fake.started, []string{"new-id"}) {
		t.Fatalf("expected new container started, got id=%s started=%v", id, fake.started)
	}
	if fake.createdName != "web" {
		t.Fatalf("expected original name, got %q", fake.createdName)
	}

	orig := webInspect()
	if fake.createdCfg.Image != "nginx:latest" {
		t.Errorf("image: got %q", fake.createdCfg.Image)
	}
	if !reflect.DeepEqual(fake.createdCfg.Env, orig.Config.Env) {
		t.Errorf("env: got %v", fake.createdCfg.Env)
	}
	if !reflect.DeepEqual(fake.createdCfg.Labels, orig.Config.Labels) {
		t.Errorf("labels: got %v", fake.createdCfg.Labels)
	}
	if !reflect.DeepEqual(fake.createdHost.PortBindings, orig.HostConfig.PortBindings) {
		t.Errorf("ports: got %v", fake.createdHost.PortBindings)
	}
	if !reflect.DeepEqual(fake.createdHost.Binds, orig.HostConfig.Binds) {
		t.Errorf("binds: got %v", fake.createdHost.Binds)
	}
	if fake.createdHost.NetworkMode != orig.HostConfig.NetworkMode {
		t.Errorf("network: got %q", fake.createdHost.NetworkMode)
	}
	if fake.createdHost.RestartPolicy != orig.HostConfig.RestartPolicy {
		t.Errorf("restart policy: got %+v", fake.createdHost.RestartPolicy)
	}
	for p := range orig.HostConfig.PortBindings {
		if _, ok := fake.createdCfg.ExposedPorts[p]; !ok {
			t.Errorf("port %s bound but not exposed", p)
		}
	}
}

func TestRunContainerStartFailureRemovesCreated(t *testing.T) {
	fake := &fakeDockerAPI{startErr: errors.New("port is already allocated")}
	s := newTestClient(fake)
	_, err := s.RunContainer(context.Background(), update.Snapshot{Name: "web"}, "nginx:latest")
	if err == nil {
		t.Fatal("expected start failure")
	}
	if !reflect.DeepEqual(fake.removed, []string{"new-id"}) {
		t.Fatalf("expected created container to be removed, got %v", fake.removed)
	}
}

func TestRunContainerCreateConflict(t *testing.T) {
	fake := &fakeDockerAPI{createErr: errors.New("Conflict. The container name \"/web\" is already in use")}
	s := newTestClient(fake)
	if _, err := s.RunContainer(context.Background(), update.Snapshot{Name: "web"}, "nginx:latest"); err == nil {
		t.Fatal("expected create failure")
	}
	if len(fake.started) != 0 {
		t.Fatal("nothing must be started after a failed create")
	}
}

func TestStopContainerPassesGrace(t *testing.T) {
	fake := &fakeDockerAPI{}
	s := newTestClient(fake)
	if err := s.StopContainer(context.Background(), testOldID, 30*time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fake.stopTimeout == nil || *fake.stopTimeout != 30 {
		t.Fatalf("expected 30s stop timeout, got %v", fake.stopTimeout)
	}
}

func TestStopContainerConnectionFailed(t *testing.T) {
	fake := &fakeDockerAPI{stopErr: client.ErrorConnectionFailed("unix:///var/run/docker.sock")}
	s := newTestClient(fake)
	err := s.StopContainer(context.Background(), testOldID, time.Second)
	if update.Classify(err) != "connectivity" {
		t.Fatalf("expected connectivity error, got %v", err)
	}
}

func TestLocalImage(t *testing.T) {
	fake := &fakeDockerAPI{images: map[string]imageapi.InspectResponse{
		"sha256:old": {ID: "sha256:old", RepoDigests: []string{"nginx@sha256:aaaa"}},
	}}
	s := newTestClient(fake)
	img, ok, err := s.LocalImage(context.Background(), "sha256:old")
	if err != nil || !ok || img.ID != "sha256:old" || len(img.RepoDigests) != 1 {
		t.Fatalf("unexpected result %+v %v %v", img, ok, err)
	}
	_, ok, err = s.LocalImage(context.Background(), "redis:7")
	if err != nil || ok {
		t.Fatalf("missing image must be reported absent without error, got %v %v", ok, err)
	}
}

func TestPullImage(t *testing.T) {
	fake := &fakeDockerAPI{
		pullStream: `{"status":"Pulling from library/nginx"}` + "\n" + `{"status":"Digest: sha256:bbbb"}` + "\n",
		images:     map[string]imageapi.InspectResponse{"nginx:latest": {ID: "sha256:new"}},
	}
	s := newTestClient(fake)
	id, err := s.PullImage(context.Background(), "nginx:latest")
	if err != nil {
		t.Fatalf("PullImage failed: %v", err)
	}
	if id != "sha256:new" {
		t.Errorf("expected image ID sha256:new, got %s", id)
	}
}

func TestPullImageStreamError(t *testing.T) {
	fake := &fakeDockerAPI{
		pullStream: `{"errorDetail":{"message":"manifest unknown"},"error":"manifest unknown"}` + "\n",
		images:     map[string]imageapi.InspectResponse{"nginx:latest": {ID: "sha256:old"}},
	}
	s := newTestClient(fake)
	if _, err := s.PullImage(context.Background(), "nginx:latest"); err == nil || !strings.Contains(err.Error(), "manifest unknown") {
		t.Fatalf("expected stream error to surface, got %v", err)
	}
}

func TestContainerExists(t *testing.T) {
	fake := &fakeDockerAPI{inspect: map[string]containertypes.InspectResponse{"web": webInspect()}}
	s := newTestClient(fake)
	if ok, err := s.ContainerExists(context.Background(), "web"); err != nil || !ok {
		t.Fatalf("expected web to exist, got %v %v", ok, err)
	}
	if ok, err := s.ContainerExists(context.Background(), "api"); err != nil || ok {
		t.Fatalf("expected api to be absent, got %v %v", ok, err)
	}
}

func TestRemoveImage(t *testing.T) {
	fake := &fakeDockerAPI{}
	s := newTestClient(fake)
	if err := s.RemoveImage(context.Background(), "sha256:old"); err != nil {
		t.Fatalf("RemoveImage failed: %v", err)
	}
	if len(fake.rmImages) != 1 || fake.rmImages[0] != "sha256:old" {
		t.Errorf("expected image sha256:old to be removed, got %v", fake.rmImages)
	}
}

func TestRemoveImageNotFoundIsIgnored(t *testing.T) {
	fake := &fakeDockerAPI{rmImageErr: fmt.Errorf("No such image: %w", cerrdefs.ErrNotFound)}
	s := newTestClient(fake)
	if err := s.RemoveImage(context.Background(), "sha256:old"); err != nil {
		t.Fatalf("expected not-found to be ignored, got %v", err)
	}
}

func TestNewClient(t *testing.T) {
	// creating a client does not contact the daemon
	c, err := NewClient(Options{Host: "unix:///nonexistent/docker.sock"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_ = c.Close()
}
