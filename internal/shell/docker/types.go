// Package docker provides the container engine client used to build, tag
// and push images and to run functions locally.
package docker

import (
	"context"
	"io"
	"time"
)

// =============================================================================
// Image Types
// =============================================================================

// BuildSpec describes an image build.
type BuildSpec struct {
	// Context is a tar stream (optionally gzip-compressed) of the build context.
	Context    io.Reader
	Dockerfile string
	Tags       []string
	Args       map[string]string
	Target     string
	Platform   string
	Labels     map[string]string
}

// BuildResult is the outcome of a successful build.
type BuildResult struct {
	ImageID string
	Log     string
}

// AuthConfig holds registry credentials.
type AuthConfig struct {
	Username      string
	Password      string
	ServerAddress string
}

// PushResult is the outcome of a successful push.
type PushResult struct {
	Tag    string
	Digest string
	Size   int64
}

// PullOptions defines options for pulling images.
type PullOptions struct {
	Platform string // e.g., "linux/amd64"
	Auth     *AuthConfig
}

// =============================================================================
// Container Types
// =============================================================================

// ContainerSpec defines the specification for creating a container.
type ContainerSpec struct {
	Name       string
	Image      string
	Command    []string
	Entrypoint []string
	Env        map[string]string
	Labels     map[string]string
	Ports      []PortBinding
	WorkingDir string
	Resources  ResourceLimits
}

// PortBinding defines a port mapping.
type PortBinding struct {
	ContainerPort int
	HostPort      int    // 0 for auto-assign
	Protocol      string // "tcp" or "udp"
	HostIP        string // "" for 0.0.0.0
}

// ResourceLimits defines resource constraints.
type ResourceLimits struct {
	CPULimit    float64 // CPU cores
	MemoryLimit int64   // Bytes
}

// ContainerStatus represents the container status.
type ContainerStatus string

const (
	ContainerStatusCreated    ContainerStatus = "created"
	ContainerStatusRunning    ContainerStatus = "running"
	ContainerStatusRestarting ContainerStatus = "restarting"
	ContainerStatusExited     ContainerStatus = "exited"
	ContainerStatusDead       ContainerStatus = "dead"
)

// ContainerInfo contains information about a container.
type ContainerInfo struct {
	ID        string
	Name      string
	Image     string
	Status    ContainerStatus
	CreatedAt time.Time
	StartedAt *time.Time
	Ports     []PortBinding
	Labels    map[string]string
	ExitCode  int
}

// RemoveOptions defines options for removing containers.
type RemoveOptions struct {
	Force         bool
	RemoveVolumes bool
}

// ListOptions defines options for listing containers.
type ListOptions struct {
	All     bool              // Include stopped containers
	Filters map[string]string // e.g., {"label": "io.sampipe.function=app"}
}

// =============================================================================
// Client Interface
// =============================================================================

// Client defines the container engine operations the pipeline needs.
type Client interface {
	// Image operations
	BuildImage(ctx context.Context, spec BuildSpec) (*BuildResult, error)
	TagImage(ctx context.Context, source, target string) error
	PushImage(ctx context.Context, ref string, auth AuthConfig) (*PushResult, error)
	PullImage(ctx context.Context, ref string, opts PullOptions) error
	ImageExists(ctx context.Context, ref string) (bool, error)
	Login(ctx context.Context, auth AuthConfig) error

	// Container operations
	CreateContainer(ctx context.Context, spec ContainerSpec) (containerID string, err error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error
	RemoveContainer(ctx context.Context, containerID string, opts RemoveOptions) error
	InspectContainer(ctx context.Context, containerID string) (*ContainerInfo, error)
	ListContainers(ctx context.Context, opts ListOptions) ([]ContainerInfo, error)

	// Health operations
	Ping(ctx context.Context) error
	Close() error
}

// =============================================================================
// Label Constants
// =============================================================================

const (
	LabelManaged   = "io.sampipe.managed"
	LabelPipeline  = "io.sampipe.pipeline"
	LabelFunction  = "io.sampipe.function"
	LabelExecution = "io.sampipe.execution"
)
