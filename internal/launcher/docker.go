package launcher

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"sort"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/rs/zerolog"
)

// DockerConfig configures the container backend.
type DockerConfig struct {
	// Image runs the crawl, e.g. a scraper image with the project baked in.
	Image string
	// Command is the argv template passed to the container, with the same
	// placeholders as the exec backend.
	Command []string
	// Binds are extra host mounts ("host:container"). The jobs and feeds
	// dirs must be bound so checkpoints and output land on the host.
	Binds []string
	// Env is injected into the container.
	Env map[string]string
	// Pull fetches the image before the first launch when it is missing.
	Pull bool
	// RatePerSec caps container starts per second; 0 disables the limit.
	RatePerSec float64
}

// Docker launches one container per attempt and does not wait for it.
// Container stdout/stderr stays in Docker's own log capture; LogPath is
// therefore empty in the Result and the container is named after the
// attempt so `docker logs crawld-<task>-<tag>` finds it.
type Docker struct {
	cfg   DockerConfig
	paths Paths
	cli   *client.Client
	thr   throttle
	log   zerolog.Logger
}

func NewDocker(cfg DockerConfig, paths Paths, log zerolog.Logger) (*Docker, error) {
	if cfg.Image == "" {
		return nil, fmt.Errorf("docker launcher image is empty")
	}
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("launcher command is empty")
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Docker{cfg: cfg, paths: paths, cli: cli, thr: newThrottle(cfg.RatePerSec), log: log}, nil
}

var containerNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

func containerName(task, tag string) string {
	return containerNameSanitizer.ReplaceAllString("crawld-"+task+"-"+tag, "_")
}

func (d *Docker) Launch(ctx context.Context, req Request) (Result, error) {
	if err := d.thr.wait(ctx); err != nil {
		return Result{}, err
	}

	if d.cfg.Pull {
		if err := d.ensureImage(ctx); err != nil {
			return Result{}, err
		}
	}

	jobDir := d.paths.jobDir(req.Task, req.Tag)
	output := d.paths.outputPath(req.Task, req.Tag)
	argv := expandArgs(d.cfg.Command, req.Task, req.Tag, output, jobDir)

	resp, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image: d.cfg.Image,
			Cmd:   argv,
			Env:   d.environ(req, jobDir),
		},
		&container.HostConfig{Binds: d.cfg.Binds},
		nil, nil, containerName(req.Task, req.Tag))
	if err != nil {
		return Result{}, fmt.Errorf("create container for %s: %w", req.Task, err)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return Result{}, fmt.Errorf("start container for %s: %w", req.Task, err)
	}

	d.log.Info().Str("task", req.Task).Str("tag", req.Tag).
		Str("mode", req.Mode.String()).Str("container", resp.ID[:12]).Msg("crawl launched")
	return Result{ContainerID: resp.ID, OutputPath: output}, nil
}

func (d *Docker) ensureImage(ctx context.Context) error {
	if _, _, err := d.cli.ImageInspectWithRaw(ctx, d.cfg.Image); err == nil {
		return nil
	}
	rd, err := d.cli.ImagePull(ctx, d.cfg.Image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", d.cfg.Image, err)
	}
	defer rd.Close()
	_, _ = io.Copy(io.Discard, rd)
	return nil
}

func (d *Docker) environ(req Request, jobDir string) []string {
	extra := map[string]string{
		"CRAWLD_TASK":    req.Task,
		"CRAWLD_JOB_TAG": req.Tag,
		"CRAWLD_JOB_DIR": jobDir,
	}
	for k, v := range d.cfg.Env {
		extra[k] = v
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

func (d *Docker) Close() error { return d.cli.Close() }
