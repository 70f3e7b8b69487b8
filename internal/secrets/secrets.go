// Package secrets fetches credentials from AWS Secrets Manager so the Foundry
// and Content Safety keys never live in the environment or config file.
package secrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

var ErrSecretNotFound = errors.New("secret not found")

type SecretStore interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// GetSecretValueAPI is the part of the Secrets Manager client the store uses.
type GetSecretValueAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSSecretsManager reads the AWSCURRENT version of a secret. Secrets are
// read once at startup, so values are not cached.
type AWSSecretsManager struct {
	client GetSecretValueAPI
}

func NewAWSSecretsManager(ctx context.Context, region string) (*AWSSecretsManager, error) {
	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewAWSSecretsManagerWithClient(secretsmanager.NewFromConfig(cfg)), nil
}

func NewAWSSecretsManagerWithClient(client GetSecretValueAPI) *AWSSecretsManager {
	return &AWSSecretsManager{client: client}
}

// GetSecret returns the string payload, or the binary payload as text when
// the secret was stored as binary.
func (s *AWSSecretsManager) GetSecret(ctx context.Context, name string) (string, error) {
	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		var notFound *smtypes.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return "", fmt.Errorf("get secret %s: %w", name, ErrSecretNotFound)
		}
		return "", fmt.Errorf("get secret %s: %w", name, err)
	}

	if result.SecretString != nil {
		return *result.SecretString, nil
	}
	return string(result.SecretBinary), nil
}
