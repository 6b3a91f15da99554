// Package deploy declares the function that runs the published image. The
// repository identity is resolved once; the tag is resolved on every deploy.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/konpol/sampipe/internal/core/image"
	"github.com/konpol/sampipe/internal/core/params"
	"github.com/konpol/sampipe/internal/core/pipeline"
	"github.com/konpol/sampipe/internal/shell/paramstore"
)

// =============================================================================
// Types
// =============================================================================

// FunctionSpec describes the function to declare.
type FunctionSpec struct {
	Name        string            `json:"name"`
	MemoryMB    int32             `json:"memory_mb,omitempty"`
	TimeoutSec  int32             `json:"timeout_sec,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
}

// Declaration is what a target receives: the function and the image bound to
// it at call time.
type Declaration struct {
	Function FunctionSpec
	Image    image.ImageReference
}

// Endpoint is the invocable address of a declared function.
type Endpoint struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Target declares functions on a compute platform.
type Target interface {
	DeclareFunction(ctx context.Context, decl Declaration) (Endpoint, error)
}

// Result is the outcome of a deployment. It is also the JSON body of the
// deployment output artifact.
type Result struct {
	Function string `json:"function"`
	Image    string `json:"image"`
	Endpoint string `json:"endpoint"`
}

// =============================================================================
// Deployer
// =============================================================================

// Deployer resolves indirection references and declares the function.
type Deployer struct {
	params paramstore.Store
	keys   params.Keys
	target Target
	logger *slog.Logger

	mu   sync.Mutex
	repo *image.RepositoryIdentity
}

// NewDeployer creates a deployer reading keys from store.
func NewDeployer(store paramstore.Store, keys params.Keys, target Target, logger *slog.Logger) *Deployer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deployer{
		params: store,
		keys:   keys,
		target: target,
		logger: logger.With("component", "deployer"),
	}
}

// Deploy declares spec bound to the most recently published tag. The target
// is not called when any reference is unresolved.
func (d *Deployer) Deploy(ctx context.Context, spec FunctionSpec) (*Result, error) {
	if spec.Name == "" {
		return nil, pipeline.NewError(pipeline.ErrDeployment, "deploy", errors.New("function name is required"))
	}

	repo, err := d.repository(ctx)
	if err != nil {
		return nil, err
	}
	tag, err := d.resolve(ctx, d.keys.LatestTag)
	if err != nil {
		return nil, err
	}

	ref := image.ImageReference{Repository: repo, Tag: tag}
	endpoint, err := d.target.DeclareFunction(ctx, Declaration{Function: spec, Image: ref})
	if err != nil {
		return nil, pipeline.NewError(pipeline.ErrDeployment, "declare function "+spec.Name, err)
	}

	d.logger.Info("function declared", "function", spec.Name, "image", ref.String(), "endpoint", endpoint.URL)
	return &Result{Function: spec.Name, Image: ref.String(), Endpoint: endpoint.URL}, nil
}

// repository returns the cached repository identity, resolving it on first use.
func (d *Deployer) repository(ctx context.Context) (image.RepositoryIdentity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.repo != nil {
		return *d.repo, nil
	}

	arn, err := d.resolve(ctx, d.keys.RepositoryARN)
	if err != nil {
		return image.RepositoryIdentity{}, err
	}
	name, err := d.resolve(ctx, d.keys.RepositoryName)
	if err != nil {
		return image.RepositoryIdentity{}, err
	}
	repo, err := image.NewRepositoryIdentity(arn, name)
	if err != nil {
		return image.RepositoryIdentity{}, pipeline.NewError(pipeline.ErrIndirectionRead, "repository identity", err)
	}
	d.repo = &repo
	return repo, nil
}

func (d *Deployer) resolve(ctx context.Context, key string) (string, error) {
	value, err := d.params.Get(ctx, key)
	if err != nil {
		if errors.Is(err, paramstore.ErrNotFound) {
			return "", &pipeline.UnresolvedReferenceError{Key: key, Err: err}
		}
		return "", pipeline.NewError(pipeline.ErrIndirectionRead, "get "+key, err)
	}
	if value == "" {
		return "", &pipeline.UnresolvedReferenceError{Key: key, Err: fmt.Errorf("empty value")}
	}
	return value, nil
}
