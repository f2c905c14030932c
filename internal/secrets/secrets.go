// Package secrets resolves backend credentials from AWS SSM Parameter Store.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// ErrNotFound is returned when the parameter does not exist.
var ErrNotFound = errors.New("secrets: parameter not found")

// ssmAPI is the part of *ssm.Client used here.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Store reads decrypted parameters.
type Store struct {
	api ssmAPI
}

// New wraps an SSM API implementation.
func New(api ssmAPI) (*Store, error) {
	if api == nil {
		return nil, errors.New("secrets: api must not be nil")
	}
	return &Store{api: api}, nil
}

// NewFromEnv builds a Store from the default AWS credential chain.
func NewFromEnv(ctx context.Context, region string) (*Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("secrets: load aws config: %w", err)
	}
	return New(ssm.NewFromConfig(cfg))
}

// Get returns the decrypted value of a parameter.
func (s *Store) Get(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("secrets: name is required")
	}
	out, err := s.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		var nf *types.ParameterNotFound
		if errors.As(err, &nf) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return "", fmt.Errorf("secrets: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("secrets: parameter %q has no value", name)
	}
	return *out.Parameter.Value, nil
}

// ResolveToken returns literal when set, otherwise the value of parameter.
// Both empty yields an empty token.
func ResolveToken(ctx context.Context, s *Store, literal, parameter string) (string, error) {
	if literal != "" || parameter == "" {
		return literal, nil
	}
	if s == nil {
		return "", errors.New("secrets: token parameter configured without a parameter store")
	}
	return s.Get(ctx, parameter)
}
