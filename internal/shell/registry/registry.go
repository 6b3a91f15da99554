// Package registry talks to the container image registry: credentials for
// pushing, repository creation at bootstrap and tag listing.
package registry

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	smithy "github.com/aws/smithy-go"

	"github.com/konpol/sampipe/internal/core/image"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	ErrRepositoryNotFound = errors.New("repository not found")
	ErrAuthFailed         = errors.New("registry authentication failed")
	ErrUnavailable        = errors.New("registry unavailable")
)

// RegistryError wraps registry failures with the operation and repository.
type RegistryError struct {
	Op         string
	Repository string
	Message    string
	Err        error
}

func (e *RegistryError) Error() string {
	if e.Repository != "" {
		return fmt.Sprintf("%s repository %s: %s", e.Op, e.Repository, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *RegistryError) Unwrap() error {
	return e.Err
}

func NewRegistryError(op, repository, message string, err error) *RegistryError {
	return &RegistryError{Op: op, Repository: repository, Message: message, Err: err}
}

// =============================================================================
// Interface
// =============================================================================

// Credentials authenticate a docker client against the registry.
type Credentials struct {
	Username      string
	Password      string
	ServerAddress string
	ExpiresAt     time.Time
}

// Registry is the image registry used by publish and bootstrap.
type Registry interface {
	Authenticate(ctx context.Context) (Credentials, error)
	EnsureRepository(ctx context.Context, name string) (repo image.RepositoryIdentity, created bool, err error)
	ListTags(ctx context.Context, repository string) ([]image.TagDetail, error)
}

// ECRAPI is the subset of the ECR client used by ECRRegistry.
type ECRAPI interface {
	GetAuthorizationToken(ctx context.Context, in *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error)
	DescribeRepositories(ctx context.Context, in *ecr.DescribeRepositoriesInput, optFns ...func(*ecr.Options)) (*ecr.DescribeRepositoriesOutput, error)
	CreateRepository(ctx context.Context, in *ecr.CreateRepositoryInput, optFns ...func(*ecr.Options)) (*ecr.CreateRepositoryOutput, error)
	DescribeImages(ctx context.Context, in *ecr.DescribeImagesInput, optFns ...func(*ecr.Options)) (*ecr.DescribeImagesOutput, error)
}

// =============================================================================
// ECR
// =============================================================================

// ECRRegistry implements Registry on ECR.
type ECRRegistry struct {
	client ECRAPI
	logger *slog.Logger
}

func NewECRRegistry(client ECRAPI, logger *slog.Logger) *ECRRegistry {
	return &ECRRegistry{client: client, logger: logger.With("component", "registry")}
}

// Authenticate exchanges the caller's identity for a short-lived docker login.
func (r *ECRRegistry) Authenticate(ctx context.Context) (Credentials, error) {
	out, err := r.client.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return Credentials{}, NewRegistryError("Authenticate", "", apiMessage(err), ErrAuthFailed)
	}
	if len(out.AuthorizationData) == 0 {
		return Credentials{}, NewRegistryError("Authenticate", "", "no authorization data returned", ErrAuthFailed)
	}
	data := out.AuthorizationData[0]
	return decodeToken(aws.ToString(data.AuthorizationToken), aws.ToString(data.ProxyEndpoint), aws.ToTime(data.ExpiresAt))
}

func decodeToken(token, endpoint string, expires time.Time) (Credentials, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return Credentials{}, NewRegistryError("Authenticate", "", "malformed token", errors.Join(ErrAuthFailed, err))
	}
	user, pass, ok := strings.Cut(string(raw), ":")
	if !ok {
		return Credentials{}, NewRegistryError("Authenticate", "", "malformed token", ErrAuthFailed)
	}
	return Credentials{
		Username:      user,
		Password:      pass,
		ServerAddress: strings.TrimPrefix(endpoint, "https://"),
		ExpiresAt:     expires,
	}, nil
}

// EnsureRepository returns the named repository, creating it with
// scan-on-push when it does not exist.
func (r *ECRRegistry) EnsureRepository(ctx context.Context, name string) (image.RepositoryIdentity, bool, error) {
	out, err := r.client.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{
		RepositoryNames: []string{name},
	})
	if err == nil && len(out.Repositories) > 0 {
		return toIdentity(out.Repositories[0]), false, nil
	}
	var notFound *ecrtypes.RepositoryNotFoundException
	if err != nil && !errors.As(err, &notFound) {
		return image.RepositoryIdentity{}, false, NewRegistryError("EnsureRepository", name, apiMessage(err), ErrUnavailable)
	}

	created, err := r.client.CreateRepository(ctx, &ecr.CreateRepositoryInput{
		RepositoryName: aws.String(name),
		ImageScanningConfiguration: &ecrtypes.ImageScanningConfiguration{
			ScanOnPush: true,
		},
		ImageTagMutability: ecrtypes.ImageTagMutabilityMutable,
	})
	if err != nil {
		return image.RepositoryIdentity{}, false, NewRegistryError("EnsureRepository", name, apiMessage(err), ErrUnavailable)
	}
	if created.Repository == nil {
		return image.RepositoryIdentity{}, false, NewRegistryError("EnsureRepository", name, "empty create response", ErrUnavailable)
	}

	r.logger.Info("created repository", "repository", name, "arn", aws.ToString(created.Repository.RepositoryArn))
	return toIdentity(*created.Repository), true, nil
}

// ListTags returns every image in the repository with its tags and push time.
func (r *ECRRegistry) ListTags(ctx context.Context, repository string) ([]image.TagDetail, error) {
	var details []image.TagDetail
	paginator := ecr.NewDescribeImagesPaginator(r.client, &ecr.DescribeImagesInput{
		RepositoryName: aws.String(repository),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			var notFound *ecrtypes.RepositoryNotFoundException
			if errors.As(err, &notFound) {
				return nil, NewRegistryError("ListTags", repository, "no such repository", ErrRepositoryNotFound)
			}
			return nil, NewRegistryError("ListTags", repository, apiMessage(err), ErrUnavailable)
		}
		for _, d := range page.ImageDetails {
			details = append(details, image.TagDetail{
				Tags:     d.ImageTags,
				Digest:   aws.ToString(d.ImageDigest),
				PushedAt: aws.ToTime(d.ImagePushedAt),
			})
		}
	}
	return details, nil
}

func toIdentity(repo ecrtypes.Repository) image.RepositoryIdentity {
	return image.RepositoryIdentity{
		ARN:  aws.ToString(repo.RepositoryArn),
		Name: aws.ToString(repo.RepositoryName),
		URI:  aws.ToString(repo.RepositoryUri),
	}
}

func apiMessage(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() + ": " + apiErr.ErrorMessage()
	}
	return err.Error()
}
