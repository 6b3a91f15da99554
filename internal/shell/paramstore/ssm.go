package paramstore

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	smithy "github.com/aws/smithy-go"

	"github.com/konpol/sampipe/internal/core/params"
)

// SSMAPI is the subset of the SSM client used by SSMStore.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	PutParameter(ctx context.Context, in *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
}

// SSMStore is a Store backed by the managed parameter service.
type SSMStore struct {
	client SSMAPI
}

func NewSSMStore(client SSMAPI) *SSMStore {
	return &SSMStore{client: client}
}

// Put overwrites the parameter. The service numbers versions from 1, so a
// returned version above 1 means the key already existed.
func (s *SSMStore) Put(ctx context.Context, key, value string) (bool, error) {
	if err := params.ValidateKey(key); err != nil {
		return false, NewParamError("Put", "ssm", key, "invalid key", err)
	}
	out, err := s.client.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      aws.String(key),
		Value:     aws.String(value),
		Type:      ssmtypes.ParameterTypeString,
		Overwrite: aws.Bool(true),
	})
	if err != nil {
		return false, NewParamError("Put", "ssm", key, apiMessage(err), ErrUnavailable)
	}
	return out.Version > 1, nil
}

func (s *SSMStore) Get(ctx context.Context, key string) (string, error) {
	if err := params.ValidateKey(key); err != nil {
		return "", NewParamError("Get", "ssm", key, "invalid key", err)
	}
	out, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{Name: aws.String(key)})
	if err != nil {
		var notFound *ssmtypes.ParameterNotFound
		if errors.As(err, &notFound) {
			return "", NewParamError("Get", "ssm", key, "no value", ErrNotFound)
		}
		return "", NewParamError("Get", "ssm", key, apiMessage(err), ErrUnavailable)
	}
	if out.Parameter == nil {
		return "", NewParamError("Get", "ssm", key, "empty response", ErrNotFound)
	}
	return aws.ToString(out.Parameter.Value), nil
}

func apiMessage(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() + ": " + apiErr.ErrorMessage()
	}
	return err.Error()
}
