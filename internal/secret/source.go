package secret

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// secretsManagerAPI はSecretsManagerSourceが利用するAWS APIの部分集合。
type secretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManagerSource はAWS Secrets Managerからシークレットを取得する。
type SecretsManagerSource struct {
	client secretsManagerAPI
}

// NewSecretsManagerSource は既定のAWS認証情報チェーンでSecretsManagerSourceを生成する。
func NewSecretsManagerSource(ctx context.Context) (*SecretsManagerSource, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &SecretsManagerSource{client: secretsmanager.NewFromConfig(cfg)}, nil
}

// GetSecretString はシークレットの文字列値を返す。
func (s *SecretsManagerSource) GetSecretString(ctx context.Context, secretID string) (string, error) {
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return "", err
	}
	if out.SecretString == nil {
		return "", errors.New("secret has no string value")
	}
	return aws.ToString(out.SecretString), nil
}

// EnvSource は環境変数に置かれたシークレットJSONを返す。ローカル開発用。
type EnvSource struct {
	// Variable はシークレットJSONを保持する環境変数名。
	Variable string
}

// GetSecretString は環境変数の値を返す。secretIDは使用しない。
func (s EnvSource) GetSecretString(ctx context.Context, secretID string) (string, error) {
	v := os.Getenv(s.Variable)
	if v == "" {
		return "", fmt.Errorf("environment variable %s is not set", s.Variable)
	}
	return v, nil
}
