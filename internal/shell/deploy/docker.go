package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/konpol/sampipe/internal/shell/docker"
)

// DefaultInvokePath is the invocation path of the runtime interface emulator
// bundled in function base images.
const DefaultInvokePath = "/2015-03-31/functions/function/invocations"

// DockerTargetConfig configures local function containers.
type DockerTargetConfig struct {
	Host          string `mapstructure:"host"`           // host name used in the endpoint URL
	ContainerPort int    `mapstructure:"container_port"` // port the function listens on
	HostPort      int    `mapstructure:"host_port"`      // 0 auto-assigns
	InvokePath    string `mapstructure:"invoke_path"`
}

// AuthFunc returns registry credentials for pulling, or nil for anonymous pulls.
type AuthFunc func(ctx context.Context) (*docker.AuthConfig, error)

// DockerTarget runs the function image as a labelled container on the local
// container engine, replacing any previous container of the same function.
type DockerTarget struct {
	client docker.Client
	config DockerTargetConfig
	auth   AuthFunc
	logger *slog.Logger
}

func NewDockerTarget(client docker.Client, config DockerTargetConfig, auth AuthFunc, logger *slog.Logger) *DockerTarget {
	if config.Host == "" {
		config.Host = "localhost"
	}
	if config.ContainerPort == 0 {
		config.ContainerPort = 8080
	}
	if config.InvokePath == "" {
		config.InvokePath = DefaultInvokePath
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerTarget{client: client, config: config, auth: auth, logger: logger.With("component", "docker_target")}
}

// ContainerName returns the container name of a function.
// Pattern: sampipe_{function}
func ContainerName(function string) string {
	return fmt.Sprintf("sampipe_%s", function)
}

func (t *DockerTarget) DeclareFunction(ctx context.Context, decl Declaration) (Endpoint, error) {
	name := decl.Function.Name
	ref := decl.Image.String()

	if err := t.ensureImage(ctx, ref); err != nil {
		return Endpoint{}, err
	}
	if err := t.removeExisting(ctx, name); err != nil {
		return Endpoint{}, err
	}

	spec := docker.ContainerSpec{
		Name:  ContainerName(name),
		Image: ref,
		Env:   decl.Function.Environment,
		Labels: map[string]string{
			docker.LabelManaged:  "true",
			docker.LabelFunction: name,
		},
		Ports: []docker.PortBinding{{
			ContainerPort: t.config.ContainerPort,
			HostPort:      t.config.HostPort,
			Protocol:      "tcp",
		}},
	}
	if decl.Function.MemoryMB > 0 {
		spec.Resources.MemoryLimit = int64(decl.Function.MemoryMB) * 1024 * 1024
	}

	id, err := t.client.CreateContainer(ctx, spec)
	if err != nil {
		return Endpoint{}, fmt.Errorf("create container for %s: %w", name, err)
	}
	if err := t.client.StartContainer(ctx, id); err != nil {
		_ = t.client.RemoveContainer(context.WithoutCancel(ctx), id, docker.RemoveOptions{Force: true})
		return Endpoint{}, fmt.Errorf("start container for %s: %w", name, err)
	}

	port, err := t.hostPort(ctx, id)
	if err != nil {
		return Endpoint{}, err
	}
	url := fmt.Sprintf("http://%s:%d%s", t.config.Host, port, t.config.InvokePath)
	t.logger.Info("function container started", "function", name, "container_id", id, "url", url)
	return Endpoint{ID: id, URL: url}, nil
}

func (t *DockerTarget) ensureImage(ctx context.Context, ref string) error {
	exists, err := t.client.ImageExists(ctx, ref)
	if err != nil {
		return fmt.Errorf("check image %s: %w", ref, err)
	}
	if exists {
		return nil
	}

	var opts docker.PullOptions
	if t.auth != nil {
		auth, err := t.auth(ctx)
		if err != nil {
			return fmt.Errorf("registry credentials: %w", err)
		}
		opts.Auth = auth
	}
	if err := t.client.PullImage(ctx, ref, opts); err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	return nil
}

func (t *DockerTarget) removeExisting(ctx context.Context, function string) error {
	existing, err := t.client.ListContainers(ctx, docker.ListOptions{
		All:     true,
		Filters: map[string]string{"label": docker.LabelFunction + "=" + function},
	})
	if err != nil {
		return fmt.Errorf("list containers of %s: %w", function, err)
	}
	timeout := 10 * time.Second
	for _, c := range existing {
		if c.Status == docker.ContainerStatusRunning {
			if err := t.client.StopContainer(ctx, c.ID, &timeout); err != nil {
				return fmt.Errorf("stop container %s: %w", c.ID, err)
			}
		}
		if err := t.client.RemoveContainer(ctx, c.ID, docker.RemoveOptions{Force: true}); err != nil {
			return fmt.Errorf("remove container %s: %w", c.ID, err)
		}
		t.logger.Debug("previous container removed", "function", function, "container_id", c.ID)
	}
	return nil
}

func (t *DockerTarget) hostPort(ctx context.Context, id string) (int, error) {
	info, err := t.client.InspectContainer(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("inspect container %s: %w", id, err)
	}
	for _, p := range info.Ports {
		if p.ContainerPort == t.config.ContainerPort && p.HostPort != 0 {
			return p.HostPort, nil
		}
	}
	if t.config.HostPort != 0 {
		return t.config.HostPort, nil
	}
	return 0, fmt.Errorf("container %s publishes no host port for %d", id, t.config.ContainerPort)
}
