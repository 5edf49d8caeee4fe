// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/groupsync/internal/model"
)

// HookPrincipal はイベントフックの認可に成功したリクエストの主体名。
// PrincipalHeaderが送られなかった場合に使う。
const HookPrincipal = "event-hook"

// PrincipalHeader は呼び出し元の識別子を運ぶヘッダー。値は主体としてログに残す。
const PrincipalHeader = "X-Api-Key"

// maxPrincipalLength はログに残す主体名の最大長。
const maxPrincipalLength = 128

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// principalContextKey はリクエストコンテキストに認可済み主体を格納するためのキー。
var principalContextKey = contextKey("principal")

// TokenSource は認可ヘッダーと照合するトークンの取得インターフェース。
// secret.FieldTokenの部分集合として定義する。
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// NewAuthorizerMiddleware はAuthorizationヘッダーをフック用トークンと照合するミドルウェアを返す。
// 比較は定数時間で行う。一致しない場合は403、トークンを取得できない場合は500を返す。
// 認可済みの主体（X-Api-Key、なければHookPrincipal）をリクエストコンテキストに注入する。
func NewAuthorizerMiddleware(tokens TokenSource) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			expected, err := tokens.Token(r.Context())
			if err != nil {
				slog.Error("failed to load hook token",
					slog.String("error", err.Error()),
				)
				WriteErrorResponse(w, http.StatusInternalServerError, model.NewCredentialUnavailableError())
				return
			}

			got := r.Header.Get("Authorization")
			if expected == "" || subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
				slog.Warn("hook authorization denied",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
				)
				WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
				return
			}

			principal := principalOf(r)
			setLoggedPrincipal(r.Context(), principal)
			ctx := ContextWithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// principalOf はPrincipalHeaderの値を主体として返す。未設定ならHookPrincipal。
func principalOf(r *http.Request) string {
	p := r.Header.Get(PrincipalHeader)
	if p == "" {
		return HookPrincipal
	}
	if len(p) > maxPrincipalLength {
		p = p[:maxPrincipalLength]
	}
	return p
}

// PrincipalFromContext はリクエストコンテキストから認可済みの主体を取得する。
// 認可ミドルウェアを通過したリクエストでのみ有効。
func PrincipalFromContext(ctx context.Context) (string, error) {
	principal, ok := ctx.Value(principalContextKey).(string)
	if !ok || principal == "" {
		return "", fmt.Errorf("principal not found in context")
	}
	return principal, nil
}

// ContextWithPrincipal はコンテキストに認可済みの主体を注入する。
func ContextWithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalContextKey, principal)
}
