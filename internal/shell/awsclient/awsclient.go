// Package awsclient builds the AWS service clients used by the pipeline.
package awsclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	smithy "github.com/aws/smithy-go"
)

// ErrNoRegion is returned when no region is configured or discoverable.
var ErrNoRegion = errors.New("aws region is not configured")

// Config selects the region, credentials and endpoint of the clients.
type Config struct {
	Region string `mapstructure:"region"`

	// Static credentials. When AccessKeyID is empty the default chain
	// (environment, shared config, instance role) is used.
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`

	// Profile names a shared config profile for the default chain.
	Profile string `mapstructure:"profile"`

	// Endpoint overrides every service endpoint, e.g. a LocalStack URL.
	Endpoint string `mapstructure:"endpoint"`

	// MaxAttempts bounds SDK retries; 0 keeps the SDK default.
	MaxAttempts int `mapstructure:"max_attempts"`
}

// Clients holds one client per service.
type Clients struct {
	Config aws.Config
	ECR    *ecr.Client
	SSM    *ssm.Client
	Lambda *lambda.Client
	STS    *sts.Client
}

// New resolves the AWS configuration and builds the service clients.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Clients, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "aws")

	awsCfg, err := load(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if awsCfg.Region == "" {
		return nil, ErrNoRegion
	}

	c := &Clients{
		Config: awsCfg,
		ECR: ecr.NewFromConfig(awsCfg, func(o *ecr.Options) {
			o.BaseEndpoint = endpointPtr(cfg.Endpoint, o.BaseEndpoint)
		}),
		SSM: ssm.NewFromConfig(awsCfg, func(o *ssm.Options) {
			o.BaseEndpoint = endpointPtr(cfg.Endpoint, o.BaseEndpoint)
		}),
		Lambda: lambda.NewFromConfig(awsCfg, func(o *lambda.Options) {
			o.BaseEndpoint = endpointPtr(cfg.Endpoint, o.BaseEndpoint)
		}),
		STS: sts.NewFromConfig(awsCfg, func(o *sts.Options) {
			o.BaseEndpoint = endpointPtr(cfg.Endpoint, o.BaseEndpoint)
		}),
	}

	logger.Debug("aws clients ready", "region", awsCfg.Region, "static_credentials", cfg.AccessKeyID != "", "endpoint", cfg.Endpoint)
	return c, nil
}

func load(ctx context.Context, cfg Config) (aws.Config, error) {
	if cfg.AccessKeyID != "" {
		awsCfg := aws.Config{
			Region:      cfg.Region,
			Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		}
		if cfg.MaxAttempts > 0 {
			awsCfg.RetryMaxAttempts = cfg.MaxAttempts
		}
		return awsCfg, nil
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.MaxAttempts > 0 {
		opts = append(opts, awsconfig.WithRetryMaxAttempts(cfg.MaxAttempts))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return awsCfg, nil
}

func endpointPtr(endpoint string, current *string) *string {
	if endpoint == "" {
		return current
	}
	return aws.String(endpoint)
}

// =============================================================================
// Identity
// =============================================================================

// CallerIdentityAPI is the subset of the STS client used for identity.
type CallerIdentityAPI interface {
	GetCallerIdentity(ctx context.Context, in *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// AccountID returns the account the credentials belong to.
func AccountID(ctx context.Context, client CallerIdentityAPI) (string, error) {
	out, err := client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("get caller identity: %s: %w", apiErr.ErrorCode(), err)
		}
		return "", fmt.Errorf("get caller identity: %w", err)
	}
	return aws.ToString(out.Account), nil
}

// AccountID returns the account of the configured credentials.
func (c *Clients) AccountID(ctx context.Context) (string, error) {
	return AccountID(ctx, c.STS)
}

// Ping checks that the credentials are accepted.
func (c *Clients) Ping(ctx context.Context) error {
	_, err := c.AccountID(ctx)
	return err
}
