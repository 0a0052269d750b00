package sandbox

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"github.com/openjules/openjules/internal/settings"
)

// Labels stamped onto every sandbox container so orphans can be found
const (
	labelMission = "openjules.mission"
	labelProject = "openjules.project"
	labelJob     = "openjules.job"
)

// SpawnConfig selects the workspace root, container image and resource caps
// for one mission's sandbox.
type SpawnConfig struct {
	Root        string
	Image       string
	Persist     bool
	CPULimit    float64
	MemLimitMb  int64
	PidsLimit   int64
	NetworkMode string
}

// Driver provisions and destroys one container-backed workspace per mission
type Driver struct {
	cli    *client.Client
	logger *log.Logger

	mu        sync.Mutex
	instances map[string]*Instance
}

// NewDriver connects to the container host over DOCKER_SOCKET_PATH
func NewDriver(logger *log.Logger) (*Driver, error) {
	cli, err := client.NewClientWithOpts(
		client.WithHost("unix://"+settings.DockerSocketPath()),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to docker: %w", err)
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[sandbox] ", log.LstdFlags)
	}
	return &Driver{cli: cli, logger: logger, instances: make(map[string]*Instance)}, nil
}

func randHex(n int) string {
	b := make([]byte, (n+1)/2)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)[:n]
}

// Spawn provisions the per-mission workspace and container. Pull and create
// failures bubble up; the caller fails the mission on them.
func (d *Driver) Spawn(ctx context.Context, missionID, projectID, jobID string, cfg SpawnConfig) (*Instance, error) {
	if cfg.Image == "" {
		cfg.Image = settings.DefaultImage
	}

	name := fmt.Sprintf("sandbox-%s-%s-%s", missionID, randHex(8), randHex(8))
	workspace := filepath.Join(cfg.Root, name)
	repoDir := filepath.Join(workspace, "repo")
	if err := os.MkdirAll(repoDir, 0755); err != nil {
		return nil, fmt.Errorf("creating sandbox workspace: %w", err)
	}

	if err := d.ensureImage(ctx, cfg.Image); err != nil {
		_ = os.RemoveAll(workspace)
		return nil, err
	}

	hostCfg := &container.HostConfig{
		Binds: []string{workspace + ":/workspace"},
	}
	if cfg.NetworkMode != "" {
		hostCfg.NetworkMode = container.NetworkMode(cfg.NetworkMode)
	}
	if cfg.CPULimit > 0 {
		hostCfg.Resources.NanoCPUs = int64(cfg.CPULimit * 1e9)
	}
	if cfg.MemLimitMb > 0 {
		hostCfg.Resources.Memory = cfg.MemLimitMb * 1024 * 1024
	}
	if cfg.PidsLimit > 0 {
		pids := cfg.PidsLimit
		hostCfg.Resources.PidsLimit = &pids
	}

	created, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:      cfg.Image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: "/workspace/repo",
		Labels: map[string]string{
			labelMission: missionID,
			labelProject: projectID,
			labelJob:     jobID,
		},
	}, hostCfg, nil, nil, "openjules-"+name)
	if err != nil {
		_ = os.RemoveAll(workspace)
		return nil, fmt.Errorf("creating container: %w", err)
	}

	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = d.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		_ = os.RemoveAll(workspace)
		return nil, fmt.Errorf("starting container: %w", err)
	}

	inst := &Instance{
		id:          name,
		missionID:   missionID,
		containerID: created.ID,
		workspace:   workspace,
		repoDir:     repoDir,
		shell:       "sh",
		cli:         d.cli,
		logger:      d.logger,
	}

	d.mu.Lock()
	d.instances[name] = inst
	d.mu.Unlock()

	d.logger.Printf("spawned sandbox %s (container %.12s, image %s)", name, created.ID, cfg.Image)
	return inst, nil
}

func (d *Driver) ensureImage(ctx context.Context, img string) error {
	list, err := d.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", img)),
	})
	if err == nil && len(list) > 0 {
		return nil
	}
	d.logger.Printf("pulling image %s", img)
	rc, err := d.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", img, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pulling image %s: %w", img, err)
	}
	return nil
}

// Get returns a live instance by ID
func (d *Driver) Get(id string) (*Instance, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	inst, ok := d.instances[id]
	return inst, ok
}

// Teardown stops and removes the instance's container, deletes the workspace
// unless persist is set, and always forgets the bookkeeping.
func (d *Driver) Teardown(ctx context.Context, id string, persist bool) error {
	d.mu.Lock()
	inst, ok := d.instances[id]
	delete(d.instances, id)
	d.mu.Unlock()
	if !ok {
		return nil
	}

	grace := 1
	if err := d.cli.ContainerStop(ctx, inst.containerID, container.StopOptions{Timeout: &grace}); err != nil {
		d.logger.Printf("stopping container %.12s: %v", inst.containerID, err)
	}
	if err := d.cli.ContainerRemove(ctx, inst.containerID, container.RemoveOptions{Force: true}); err != nil {
		d.logger.Printf("removing container %.12s: %v", inst.containerID, err)
	}
	if !persist {
		if err := os.RemoveAll(inst.workspace); err != nil {
			return fmt.Errorf("removing workspace: %w", err)
		}
	}
	return nil
}

// ReapOrphans removes sandbox containers left behind by crashed controllers.
// Called on startup before any job is picked up.
func (d *Driver) ReapOrphans(ctx context.Context) error {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelMission)),
	})
	if err != nil {
		return fmt.Errorf("listing sandbox containers: %w", err)
	}
	d.mu.Lock()
	live := make(map[string]bool, len(d.instances))
	for _, inst := range d.instances {
		live[inst.containerID] = true
	}
	d.mu.Unlock()

	for _, c := range list {
		if live[c.ID] {
			continue
		}
		d.logger.Printf("reaping orphaned sandbox container %.12s (mission %s)", c.ID, c.Labels[labelMission])
		_ = d.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true})
	}
	return nil
}
