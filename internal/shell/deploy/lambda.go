package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	smithy "github.com/aws/smithy-go"
)

// LambdaAPI is the subset of the lambda client the target uses.
type LambdaAPI interface {
	GetFunction(ctx context.Context, params *lambda.GetFunctionInput, optFns ...func(*lambda.Options)) (*lambda.GetFunctionOutput, error)
	CreateFunction(ctx context.Context, params *lambda.CreateFunctionInput, optFns ...func(*lambda.Options)) (*lambda.CreateFunctionOutput, error)
	UpdateFunctionCode(ctx context.Context, params *lambda.UpdateFunctionCodeInput, optFns ...func(*lambda.Options)) (*lambda.UpdateFunctionCodeOutput, error)
	UpdateFunctionConfiguration(ctx context.Context, params *lambda.UpdateFunctionConfigurationInput, optFns ...func(*lambda.Options)) (*lambda.UpdateFunctionConfigurationOutput, error)
	GetFunctionUrlConfig(ctx context.Context, params *lambda.GetFunctionUrlConfigInput, optFns ...func(*lambda.Options)) (*lambda.GetFunctionUrlConfigOutput, error)
	CreateFunctionUrlConfig(ctx context.Context, params *lambda.CreateFunctionUrlConfigInput, optFns ...func(*lambda.Options)) (*lambda.CreateFunctionUrlConfigOutput, error)
	AddPermission(ctx context.Context, params *lambda.AddPermissionInput, optFns ...func(*lambda.Options)) (*lambda.AddPermissionOutput, error)
}

// LambdaConfig configures functions created by LambdaTarget.
type LambdaConfig struct {
	RoleARN      string        `mapstructure:"role_arn"`
	Architecture string        `mapstructure:"architecture"` // "x86_64" or "arm64"
	MemoryMB     int32         `mapstructure:"memory_mb"`
	TimeoutSec   int32         `mapstructure:"timeout_sec"`
	WaitTimeout  time.Duration `mapstructure:"wait_timeout"` // 0 skips waiting for the function to become active
}

// LambdaTarget declares image functions and exposes them through a public
// function URL.
type LambdaTarget struct {
	client LambdaAPI
	config LambdaConfig
	logger *slog.Logger
}

func NewLambdaTarget(client LambdaAPI, config LambdaConfig, logger *slog.Logger) *LambdaTarget {
	if config.MemoryMB == 0 {
		config.MemoryMB = 512
	}
	if config.TimeoutSec == 0 {
		config.TimeoutSec = 30
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LambdaTarget{client: client, config: config, logger: logger.With("component", "lambda_target")}
}

// DeclareFunction creates the function, or points an existing one at the new
// image and applies the declared configuration, and returns its URL.
func (t *LambdaTarget) DeclareFunction(ctx context.Context, decl Declaration) (Endpoint, error) {
	name := decl.Function.Name
	uri := decl.Image.String()

	existing, err := t.client.GetFunction(ctx, &lambda.GetFunctionInput{FunctionName: aws.String(name)})
	var arn string
	switch {
	case err == nil:
		arn, err = t.update(ctx, decl)
		if err != nil {
			return Endpoint{}, err
		}
		if arn == "" && existing.Configuration != nil {
			arn = aws.ToString(existing.Configuration.FunctionArn)
		}
		t.logger.Info("function updated", "function", name, "image", uri)
	case isNotFound(err):
		arn, err = t.create(ctx, decl)
		if err != nil {
			return Endpoint{}, err
		}
		if err := t.waitActive(ctx, name); err != nil {
			return Endpoint{}, err
		}
		t.logger.Info("function created", "function", name, "image", uri)
	default:
		return Endpoint{}, fmt.Errorf("get function: %s", apiMessage(err))
	}

	url, err := t.functionURL(ctx, name)
	if err != nil {
		return Endpoint{}, err
	}
	return Endpoint{ID: arn, URL: url}, nil
}

// update swaps the image, then applies memory, timeout and environment. Each
// call waits for the previous update to settle; Lambda rejects overlapping
// updates.
func (t *LambdaTarget) update(ctx context.Context, decl Declaration) (string, error) {
	name := decl.Function.Name
	out, err := t.client.UpdateFunctionCode(ctx, &lambda.UpdateFunctionCodeInput{
		FunctionName: aws.String(name),
		ImageUri:     aws.String(decl.Image.String()),
	})
	if err != nil {
		return "", fmt.Errorf("update function code: %s", apiMessage(err))
	}
	if err := t.waitUpdated(ctx, name); err != nil {
		return "", err
	}

	memory, timeout := t.sizing(decl.Function)
	env := decl.Function.Environment
	if env == nil {
		env = map[string]string{}
	}
	_, err = t.client.UpdateFunctionConfiguration(ctx, &lambda.UpdateFunctionConfigurationInput{
		FunctionName: aws.String(name),
		MemorySize:   aws.Int32(memory),
		Timeout:      aws.Int32(timeout),
		Environment:  &lambdatypes.Environment{Variables: env},
	})
	if err != nil {
		return "", fmt.Errorf("update function configuration: %s", apiMessage(err))
	}
	if err := t.waitUpdated(ctx, name); err != nil {
		return "", err
	}
	return aws.ToString(out.FunctionArn), nil
}

func (t *LambdaTarget) waitActive(ctx context.Context, name string) error {
	if t.config.WaitTimeout <= 0 {
		return nil
	}
	waiter := lambda.NewFunctionActiveV2Waiter(t.client)
	if err := waiter.Wait(ctx, &lambda.GetFunctionInput{FunctionName: aws.String(name)}, t.config.WaitTimeout); err != nil {
		return fmt.Errorf("wait for function %s to become active: %w", name, err)
	}
	return nil
}

func (t *LambdaTarget) waitUpdated(ctx context.Context, name string) error {
	if t.config.WaitTimeout <= 0 {
		return nil
	}
	waiter := lambda.NewFunctionUpdatedV2Waiter(t.client)
	if err := waiter.Wait(ctx, &lambda.GetFunctionInput{FunctionName: aws.String(name)}, t.config.WaitTimeout); err != nil {
		return fmt.Errorf("wait for function %s update: %w", name, err)
	}
	return nil
}

func (t *LambdaTarget) sizing(fn FunctionSpec) (memory, timeout int32) {
	memory, timeout = fn.MemoryMB, fn.TimeoutSec
	if memory == 0 {
		memory = t.config.MemoryMB
	}
	if timeout == 0 {
		timeout = t.config.TimeoutSec
	}
	return memory, timeout
}

func (t *LambdaTarget) create(ctx context.Context, decl Declaration) (string, error) {
	if t.config.RoleARN == "" {
		return "", errors.New("execution role ARN is required to create a function")
	}
	memory, timeout := t.sizing(decl.Function)

	input := &lambda.CreateFunctionInput{
		FunctionName: aws.String(decl.Function.Name),
		PackageType:  lambdatypes.PackageTypeImage,
		Code:         &lambdatypes.FunctionCode{ImageUri: aws.String(decl.Image.String())},
		Role:         aws.String(t.config.RoleARN),
		MemorySize:   aws.Int32(memory),
		Timeout:      aws.Int32(timeout),
	}
	if t.config.Architecture != "" {
		input.Architectures = []lambdatypes.Architecture{lambdatypes.Architecture(t.config.Architecture)}
	}
	if len(decl.Function.Environment) > 0 {
		input.Environment = &lambdatypes.Environment{Variables: decl.Function.Environment}
	}

	out, err := t.client.CreateFunction(ctx, input)
	if err != nil {
		return "", fmt.Errorf("create function: %s", apiMessage(err))
	}
	return aws.ToString(out.FunctionArn), nil
}

// functionURL returns the function URL, creating a public one on first use.
func (t *LambdaTarget) functionURL(ctx context.Context, name string) (string, error) {
	got, err := t.client.GetFunctionUrlConfig(ctx, &lambda.GetFunctionUrlConfigInput{FunctionName: aws.String(name)})
	if err == nil {
		return aws.ToString(got.FunctionUrl), nil
	}
	if !isNotFound(err) {
		return "", fmt.Errorf("get function url: %s", apiMessage(err))
	}

	created, err := t.client.CreateFunctionUrlConfig(ctx, &lambda.CreateFunctionUrlConfigInput{
		FunctionName: aws.String(name),
		AuthType:     lambdatypes.FunctionUrlAuthTypeNone,
	})
	if err != nil {
		return "", fmt.Errorf("create function url: %s", apiMessage(err))
	}

	_, err = t.client.AddPermission(ctx, &lambda.AddPermissionInput{
		FunctionName:        aws.String(name),
		StatementId:         aws.String("sampipe-public-url"),
		Action:              aws.String("lambda:InvokeFunctionUrl"),
		Principal:           aws.String("*"),
		FunctionUrlAuthType: lambdatypes.FunctionUrlAuthTypeNone,
	})
	var conflict *lambdatypes.ResourceConflictException
	if err != nil && !errors.As(err, &conflict) {
		return "", fmt.Errorf("allow public invocation: %s", apiMessage(err))
	}

	t.logger.Info("function url created", "function", name, "url", aws.ToString(created.FunctionUrl))
	return aws.ToString(created.FunctionUrl), nil
}

func isNotFound(err error) bool {
	var nf *lambdatypes.ResourceNotFoundException
	return errors.As(err, &nf)
}

func apiMessage(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Sprintf("%s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage())
	}
	return err.Error()
}
