// Package docker backs the carapace container runtime with the Docker
// Engine API.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/sockets"

	"github.com/carapacehq/carapace"
)

// Runtime implements carapace.ContainerRuntime on a Docker Engine.
type Runtime struct {
	cli     *client.Client
	relabel bool
	logger  *slog.Logger
}

// Option configures the runtime.
type Option func(*options)

type options struct {
	host    string
	relabel bool
	logger  *slog.Logger
}

// WithHost points the client at an explicit daemon address such as
// unix:///run/user/1000/docker.sock instead of the environment default.
func WithHost(host string) Option {
	return func(o *options) { o.host = host }
}

// WithLogger sets the runtime logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithSELinuxRelabel adds the shared relabel mode to every bind mount.
// SELinux-enforcing hosts (Podman's compat socket included) block the
// socket mounts without it.
func WithSELinuxRelabel() Option {
	return func(o *options) { o.relabel = true }
}

// New creates a runtime. With no options the client is configured from
// the DOCKER_* environment variables.
func New(opts ...Option) (*Runtime, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}

	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if o.host != "" {
		httpClient, err := httpClientFor(o.host)
		if err != nil {
			return nil, err
		}
		clientOpts = append(clientOpts,
			client.WithHost(o.host),
			client.WithHTTPClient(httpClient),
			client.WithAPIVersionNegotiation(),
		)
	}
	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Runtime{cli: cli, relabel: o.relabel, logger: o.logger}, nil
}

func httpClientFor(host string) (*http.Client, error) {
	proto, addr, ok := strings.Cut(host, "://")
	if !ok {
		return nil, fmt.Errorf("malformed daemon host %q", host)
	}
	transport := &http.Transport{}
	if err := sockets.ConfigureTransport(transport, proto, addr); err != nil {
		return nil, fmt.Errorf("configure transport: %w", err)
	}
	return &http.Client{Transport: transport}, nil
}

// Close releases the underlying client.
func (r *Runtime) Close() error { return r.cli.Close() }

// IsAvailable pings the daemon.
func (r *Runtime) IsAvailable(ctx context.Context) bool {
	_, err := r.cli.Ping(ctx)
	return err == nil
}

// Version reports the daemon version string.
func (r *Runtime) Version(ctx context.Context) (string, error) {
	v, err := r.cli.ServerVersion(ctx)
	if err != nil {
		return "", fmt.Errorf("server version: %w", err)
	}
	return v.Version, nil
}

// Pull fetches ref and drains the progress stream.
func (r *Runtime) Pull(ctx context.Context, ref string) error {
	rc, err := r.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	return nil
}

// ImageExists reports whether ref is present locally.
func (r *Runtime) ImageExists(ctx context.Context, ref string) (bool, error) {
	list, err := r.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return false, fmt.Errorf("image list: %w", err)
	}
	return len(list) > 0, nil
}

// Build builds spec.Tag from spec.ContextDir. The build context is
// tarred in memory, so contexts are expected to stay small.
func (r *Runtime) Build(ctx context.Context, spec carapace.BuildSpec) error {
	buildCtx, err := tarDir(spec.ContextDir)
	if err != nil {
		return fmt.Errorf("build context: %w", err)
	}
	dockerfile := spec.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}
	resp, err := r.cli.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:       []string{spec.Tag},
		Dockerfile: dockerfile,
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("build %s: %w", spec.Tag, err)
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("build %s: %w", spec.Tag, err)
	}
	return nil
}

func tarDir(dir string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// InspectLabels returns the labels baked into an image.
func (r *Runtime) InspectLabels(ctx context.Context, ref string) (map[string]string, error) {
	info, err := r.cli.ImageInspect(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("inspect image %s: %w", ref, err)
	}
	if info.Config == nil {
		return nil, nil
	}
	return info.Config.Labels, nil
}

// Run creates and starts a container per spec and returns its ID.
func (r *Runtime) Run(ctx context.Context, spec carapace.RunSpec) (string, error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	cfg := &container.Config{
		Image:  spec.Image,
		Env:    env,
		Labels: spec.Labels,
		User:   spec.User,
	}
	host := &container.HostConfig{
		ReadonlyRootfs: spec.ReadOnlyRootFS,
		Tmpfs:          spec.Tmpfs,
		SecurityOpt:    []string{"no-new-privileges"},
	}
	if spec.DropAllCaps {
		host.CapDrop = []string{"ALL"}
	}
	if spec.NetworkDisabled {
		host.NetworkMode = "none"
	}
	for _, m := range spec.Mounts {
		host.Binds = append(host.Binds, bindSpec(m, r.relabel))
	}

	created, err := r.cli.ContainerCreate(ctx, cfg, host, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	if err := r.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		removeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		_ = r.cli.ContainerRemove(removeCtx, created.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("start container: %w", err)
	}
	r.logger.Debug("container started", "id", created.ID, "image", spec.Image)
	return created.ID, nil
}

// bindSpec renders one bind mount in the engine's src:dst[:modes]
// form. relabel appends the shared SELinux mode.
func bindSpec(m carapace.Mount, relabel bool) string {
	bind := m.Source + ":" + m.Target
	var modes []string
	if m.ReadOnly {
		modes = append(modes, "ro")
	}
	if relabel {
		modes = append(modes, "z")
	}
	if len(modes) > 0 {
		bind += ":" + strings.Join(modes, ",")
	}
	return bind
}

// Stop asks the container to exit within timeout.
func (r *Runtime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := r.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("stop %s: %w", id, err)
	}
	return nil
}

// Kill sends SIGKILL.
func (r *Runtime) Kill(ctx context.Context, id string) error {
	if err := r.cli.ContainerKill(ctx, id, "SIGKILL"); err != nil {
		return fmt.Errorf("kill %s: %w", id, err)
	}
	return nil
}

// Remove deletes the container, force-removing if still running.
func (r *Runtime) Remove(ctx context.Context, id string) error {
	if err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	return nil
}

// Inspect reports the container state.
func (r *Runtime) Inspect(ctx context.Context, id string) (carapace.ContainerState, error) {
	info, err := r.cli.ContainerInspect(ctx, id)
	if err != nil {
		return carapace.ContainerState{}, fmt.Errorf("inspect %s: %w", id, err)
	}
	st := carapace.ContainerState{ID: info.ID}
	if info.State != nil {
		st.Running = info.State.Running
		st.ExitCode = info.State.ExitCode
		if info.State.Health != nil {
			st.Health = string(info.State.Health.Status)
		}
	}
	return st, nil
}

// StreamOutput follows the container's stdout. The engine multiplexes
// stdout and stderr on one stream, so a demux pump feeds the returned
// reader with stdout only.
func (r *Runtime) StreamOutput(ctx context.Context, id string) (io.ReadCloser, error) {
	logs, err := r.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		Follow:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("logs %s: %w", id, err)
	}
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, io.Discard, logs)
		_ = logs.Close()
		if err != nil && ctx.Err() == nil {
			pw.CloseWithError(err)
			return
		}
		_ = pw.Close()
	}()
	return &streamCloser{pr: pr, logs: logs}, nil
}

type streamCloser struct {
	pr   *io.PipeReader
	logs io.Closer
}

func (s *streamCloser) Read(p []byte) (int, error) { return s.pr.Read(p) }

func (s *streamCloser) Close() error {
	_ = s.logs.Close()
	return s.pr.Close()
}

var _ carapace.ContainerRuntime = (*Runtime)(nil)
