// Package secret は外部シークレットストアから認証情報を取得し、一定時間キャッシュする。
package secret

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultCacheTTL はシークレットを再取得するまでの既定の間隔。
const DefaultCacheTTL = 5 * time.Minute

// Source はシークレット文字列（JSON）を取得するインターフェース。
type Source interface {
	GetSecretString(ctx context.Context, secretID string) (string, error)
}

// CachedProvider はシークレットをTTLの間インスタンス内に保持するプロバイダ。
// 最終取得時刻とキャッシュ値はインスタンスの状態で、呼び出し元が明示的に受け渡す。
type CachedProvider struct {
	source   Source
	secretID string
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	values    map[string]string
	fetchedAt time.Time
}

// NewCachedProvider はCachedProviderの新しいインスタンスを生成する。
// ttlが0以下の場合はDefaultCacheTTLを使用する。
func NewCachedProvider(source Source, secretID string, ttl time.Duration, logger *slog.Logger) *CachedProvider {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedProvider{
		source:   source,
		secretID: secretID,
		ttl:      ttl,
		logger:   logger,
		now:      time.Now,
	}
}

// Value はシークレットJSONのfieldの値を返す。
// キャッシュが空またはTTLを超えている場合はシークレットを再取得する。
func (p *CachedProvider) Value(ctx context.Context, field string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.values == nil || p.now().Sub(p.fetchedAt) > p.ttl {
		if err := p.refreshLocked(ctx); err != nil {
			return "", err
		}
	}

	v, ok := p.values[field]
	if !ok || v == "" {
		return "", fmt.Errorf("secret %s has no field %q", p.secretID, field)
	}
	return v, nil
}

// Field はfieldの値をトークンとして返すTokenSourceを返す。
func (p *CachedProvider) Field(field string) FieldToken {
	return FieldToken{provider: p, field: field}
}

func (p *CachedProvider) refreshLocked(ctx context.Context) error {
	raw, err := p.source.GetSecretString(ctx, p.secretID)
	if err != nil {
		return fmt.Errorf("failed to retrieve secret %s: %w", p.secretID, err)
	}

	var values map[string]string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return fmt.Errorf("failed to parse secret %s: %w", p.secretID, err)
	}

	p.values = values
	p.fetchedAt = p.now()
	p.logger.Info("シークレットを再取得しました",
		slog.String("secret_id", p.secretID),
		slog.Int("field_count", len(values)),
	)
	return nil
}

// FieldToken はシークレットの1フィールドをベアラートークンとして提供する。
type FieldToken struct {
	provider *CachedProvider
	field    string
}

// Token はフィールドの現在値を返す。
func (f FieldToken) Token(ctx context.Context) (string, error) {
	return f.provider.Value(ctx, f.field)
}
