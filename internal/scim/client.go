package scim

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/groupsync/internal/model"
)

const (
	// defaultPageSize は一覧取得1ページあたりの件数。IAM Identity Centerの上限に合わせる。
	defaultPageSize = 50
	// maxResponseSize はレスポンスボディ読み取りの上限（4MB）。
	maxResponseSize = 4 << 20
	// maxErrorBodySize はエラーに含めるレスポンスボディの最大長。
	maxErrorBodySize = 512
	// defaultMaxPages は1回の一覧取得で辿るページ数の上限。
	defaultMaxPages = 1000
)

// TokenSource はベアラートークンを必要なときに返す。
// 更新頻度や保持方法は実装に委ねる。
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// RequestObserver はディレクトリへのリクエスト結果を受け取る。メトリクス用。
type RequestObserver interface {
	ObserveDirectoryRequest(operation string, statusCode int, duration time.Duration)
}

// ClientConfig はClientの設定パラメータ。
type ClientConfig struct {
	// BaseURL はSCIMエンドポイントのベースURL（例: https://scim.us-east-1.amazonaws.com/xxxx/scim/v2）。
	BaseURL string
	// PageSize は一覧取得のcountパラメータ（デフォルト: 50）。
	PageSize int
	// Retry は一時的な失敗の再試行設定。
	Retry RetryPolicy
	// MaxPages は一覧取得で辿るページ数の上限（デフォルト: 1000）。
	// 超えた場合は DirectoryFetchError を返す。
	MaxPages int
	// RateLimit はリクエストの最大レート（req/sec）。0の場合は無制限。
	RateLimit rate.Limit
	// Observer はリクエスト結果の通知先。nilの場合は通知しない。
	Observer RequestObserver
}

// Client はSCIMディレクトリのクライアント。
// 一覧取得は読み取り専用で、パッチ適用のみがディレクトリを変更する。
type Client struct {
	httpClient *http.Client
	tokens     TokenSource
	logger     *slog.Logger
	baseURL    string
	pageSize   int
	maxPages   int
	retry      RetryPolicy
	limiter    *rate.Limiter
	observer   RequestObserver
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, tokens TokenSource, logger *slog.Logger, cfg ClientConfig) *Client {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = rate.Inf
	}
	return &Client{
		httpClient: httpClient,
		tokens:     tokens,
		logger:     logger,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		pageSize:   cfg.PageSize,
		maxPages:   cfg.MaxPages,
		retry:      cfg.Retry,
		limiter:    rate.NewLimiter(limit, 1),
		observer:   cfg.Observer,
	}
}

// GroupsResourceBase はグループリソースのベースURIを返す。
func (c *Client) GroupsResourceBase() string {
	return c.baseURL + "/Groups"
}

// FetchAllUsers は全ユーザーを取得し、externalIdをキーとするマップで返す。
// totalResultsに達するまでページを辿る。
func (c *Client) FetchAllUsers(ctx context.Context) (map[string]model.DirectoryUser, error) {
	users, err := listAll(ctx, c, "Users", func(u model.DirectoryUser) string { return u.ID })
	if err != nil {
		return nil, err
	}

	byExternalID := make(map[string]model.DirectoryUser, len(users))
	for _, u := range users {
		if u.ExternalID == "" {
			// Okta以外から作成されたユーザーは照合できない
			continue
		}
		byExternalID[u.ExternalID] = u
	}
	return byExternalID, nil
}

// FetchAllGroups は全グループを取得し、displayNameをキーとするマップで返す。
func (c *Client) FetchAllGroups(ctx context.Context) (map[string]model.DirectoryGroup, error) {
	groups, err := listAll(ctx, c, "Groups", func(g model.DirectoryGroup) string { return g.ID })
	if err != nil {
		return nil, err
	}

	byName := make(map[string]model.DirectoryGroup, len(groups))
	for _, g := range groups {
		byName[g.DisplayName] = g
	}
	return byName, nil
}

// ApplyPatch はメンバーシップパッチをディレクトリに適用する。
// 同じパッチを複数回適用しても安全なように、1回しか呼ばれない前提を置かない。
// 2xx以外のレスポンスは DirectoryApplyError として返す。
func (c *Client) ApplyPatch(ctx context.Context, patch model.MembershipPatch) error {
	body, err := json.Marshal(NewMemberPatchRequest(patch))
	if err != nil {
		return &model.DirectoryApplyError{Resource: patch.TargetResource, Err: err}
	}

	status, respBody, err := c.do(ctx, "patch_group", http.MethodPatch, patch.TargetResource, body)
	if err != nil {
		return &model.DirectoryApplyError{Resource: patch.TargetResource, Err: err}
	}
	if ClassifyHTTPStatus(status) != StatusResultOK {
		return &model.DirectoryApplyError{
			Resource: patch.TargetResource,
			Status:   status,
			Body:     truncate(respBody),
		}
	}

	c.logger.Info("グループメンバーシップを更新しました",
		slog.String("event_ref", patch.EventRef),
		slog.String("group_id", patch.GroupID),
		slog.String("op", string(patch.Operation)),
		slog.String("user_id", patch.UserID),
		slog.Int("http_status", status),
	)
	return nil
}

// listAll はresourceの一覧をページングしながらすべて取得する。
// totalResultsがない場合は件数がページサイズ未満のページで終了する。
// startIndexを無視するサーバーに備えて既出のidは除外し、新しいリソースを含まないページで打ち切る。
func listAll[T any](ctx context.Context, c *Client, resource string, idOf func(T) string) ([]T, error) {
	var all []T
	seen := make(map[string]struct{})
	startIndex := 1

	for page := 1; ; page++ {
		if page > c.maxPages {
			return nil, &model.DirectoryFetchError{
				Resource: resource,
				Err:      fmt.Errorf("page limit %d exceeded after %d resources", c.maxPages, len(all)),
			}
		}

		q := url.Values{}
		q.Set("startIndex", strconv.Itoa(startIndex))
		q.Set("count", strconv.Itoa(c.pageSize))
		reqURL := c.baseURL + "/" + resource + "?" + q.Encode()

		status, body, err := c.do(ctx, "list_"+strings.ToLower(resource), http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, &model.DirectoryFetchError{Resource: resource, Err: err}
		}
		if ClassifyHTTPStatus(status) != StatusResultOK {
			return nil, &model.DirectoryFetchError{Resource: resource, Status: status, Body: truncate(body)}
		}

		var resp listResponse[T]
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, &model.DirectoryFetchError{
				Resource: resource,
				Status:   status,
				Err:      fmt.Errorf("failed to decode list response: %w", err),
			}
		}

		n := len(resp.Resources)
		if n == 0 {
			break
		}

		added := 0
		for _, r := range resp.Resources {
			id := idOf(r)
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			all = append(all, r)
			added++
		}
		if added == 0 {
			if resp.TotalResults > len(all) {
				return nil, &model.DirectoryFetchError{
					Resource: resource,
					Status:   status,
					Err: fmt.Errorf("startIndex %d returned no new resources (%d of %d)",
						startIndex, len(all), resp.TotalResults),
				}
			}
			c.logger.Warn("新しいリソースを含まないページを受信したため一覧取得を終了します",
				slog.String("resource", resource),
				slog.Int("start_index", startIndex),
			)
			break
		}

		startIndex += n
		if resp.TotalResults > 0 {
			if startIndex > resp.TotalResults {
				break
			}
		} else if n < c.pageSize {
			break
		}
	}

	c.logger.Info("ディレクトリ一覧を取得しました",
		slog.String("resource", resource),
		slog.Int("count", len(all)),
	)
	return all, nil
}

// do はレート制限と再試行付きでリクエストを送信し、ステータスとボディを返す。
// 通信エラー、429、5xxは RetryPolicy に従って再試行する。
// 再試行を使い切った非2xxレスポンスはエラーではなくステータスとして返す。
func (c *Client) do(ctx context.Context, operation, method, reqURL string, body []byte) (int, []byte, error) {
	var lastErr error

	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, nil, err
		}

		status, respBody, err := c.send(ctx, operation, method, reqURL, body)
		if err == nil && ClassifyHTTPStatus(status) != StatusResultRetry {
			return status, respBody, nil
		}
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}

		lastErr = err
		if err == nil && attempt == c.retry.MaxAttempts {
			return status, respBody, nil
		}

		if attempt < c.retry.MaxAttempts {
			delay := c.retry.Backoff(attempt)
			c.logger.Warn("ディレクトリへのリクエストに失敗しました。リトライします",
				slog.String("operation", operation),
				slog.Int("attempt", attempt),
				slog.Int("http_status", status),
				slog.Any("error", err),
				slog.Duration("backoff", delay),
			)
			if err := sleep(ctx, delay); err != nil {
				return 0, nil, err
			}
		}
	}

	return 0, nil, lastErr
}

// send は1回分のリクエストを送信する。
func (c *Client) send(ctx context.Context, operation, method, reqURL string, body []byte) (int, []byte, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to obtain bearer token: %w", err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(operation, 0, time.Since(start))
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	c.observe(operation, resp.StatusCode, time.Since(start))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return resp.StatusCode, respBody, nil
}

func (c *Client) observe(operation string, status int, d time.Duration) {
	if c.observer != nil {
		c.observer.ObserveDirectoryRequest(operation, status, d)
	}
}

func truncate(body []byte) string {
	if len(body) > maxErrorBodySize {
		return string(body[:maxErrorBodySize]) + "..."
	}
	return string(body)
}
