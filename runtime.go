package carapace

import (
	"context"
	"io"
	"time"
)

// Mount is one bind mount into an agent container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// RunSpec describes how an agent container is started. The defaults
// are deliberately hostile: read-only root, no network, dropped
// capabilities, non-root user, writable state only on a tmpfs.
type RunSpec struct {
	Image           string
	Name            string
	Env             map[string]string
	Mounts          []Mount
	Tmpfs           map[string]string
	ReadOnlyRootFS  bool
	User            string
	DropAllCaps     bool
	NetworkDisabled bool
	Labels          map[string]string
}

// BuildSpec describes an image build.
type BuildSpec struct {
	ContextDir string
	Dockerfile string
	Tag        string
}

// ContainerState is a runtime-neutral view of one container.
type ContainerState struct {
	ID       string
	Running  bool
	ExitCode int
	// Health is "healthy", "unhealthy", "starting" or "unknown";
	// per-runtime naming quirks are absorbed by the backend.
	Health string
}

// ContainerRuntime abstracts the container engine. Per-runtime quirks
// (SELinux relabeling, health-field naming) live behind this surface.
type ContainerRuntime interface {
	IsAvailable(ctx context.Context) bool
	Version(ctx context.Context) (string, error)
	Pull(ctx context.Context, image string) error
	ImageExists(ctx context.Context, image string) (bool, error)
	Build(ctx context.Context, spec BuildSpec) error
	InspectLabels(ctx context.Context, image string) (map[string]string, error)
	Run(ctx context.Context, spec RunSpec) (string, error)
	Stop(ctx context.Context, id string, timeout time.Duration) error
	Kill(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	Inspect(ctx context.Context, id string) (ContainerState, error)
	// StreamOutput returns the container's combined stdout stream; the
	// output reader consumes it as NDJSON.
	StreamOutput(ctx context.Context, id string) (io.ReadCloser, error)
}
