package scim

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/groupsync/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// staticToken は固定トークンを返すTokenSource。
type staticToken string

func (s staticToken) Token(ctx context.Context) (string, error) {
	return string(s), nil
}

// failingToken は常にエラーを返すTokenSource。
type failingToken struct{}

func (failingToken) Token(ctx context.Context) (string, error) {
	return "", errors.New("secret unavailable")
}

// recordingObserver はObserveDirectoryRequestの呼び出しを記録する。
type recordingObserver struct {
	mu       sync.Mutex
	statuses []int
}

func (o *recordingObserver) ObserveDirectoryRequest(operation string, statusCode int, duration time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, statusCode)
}

func newTestClient(t *testing.T, server *httptest.Server, cfg ClientConfig) *Client {
	t.Helper()
	var buf bytes.Buffer
	cfg.BaseURL = server.URL + "/scim/v2"
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	}
	return NewClient(server.Client(), staticToken("scim-key"), newTestLogger(&buf), cfg)
}

// pagedUsers は startIndex/count に従ってユーザーを返すハンドラー。
func pagedUsers(t *testing.T, total int, withTotal bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/scim/v2/Users" {
			t.Errorf("path = %s, want /scim/v2/Users", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer scim-key" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer scim-key")
		}
		start, _ := strconv.Atoi(r.URL.Query().Get("startIndex"))
		count, _ := strconv.Atoi(r.URL.Query().Get("count"))

		var resources []model.DirectoryUser
		for i := start; i < start+count && i <= total; i++ {
			resources = append(resources, model.DirectoryUser{
				ID:          fmt.Sprintf("sso-%d", i),
				ExternalID:  fmt.Sprintf("00u%d", i),
				DisplayName: fmt.Sprintf("User %d", i),
			})
		}
		resp := map[string]any{"Resources": resources, "startIndex": start}
		if withTotal {
			resp["totalResults"] = total
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func TestClient_FetchAllUsers_PaginatesUntilTotalResults(t *testing.T) {
	var calls int32
	handler := pagedUsers(t, 7, true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		handler(w, r)
	}))
	defer server.Close()

	c := newTestClient(t, server, ClientConfig{PageSize: 3})

	users, err := c.FetchAllUsers(context.Background())
	if err != nil {
		t.Fatalf("FetchAllUsers がエラーを返した: %v", err)
	}
	if len(users) != 7 {
		t.Errorf("ユーザー数 = %d, want 7", len(users))
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("リクエスト回数 = %d, want 3", got)
	}
	u, ok := users["00u5"]
	if !ok {
		t.Fatal("externalId 00u5 のユーザーが見つからない")
	}
	if u.ID != "sso-5" {
		t.Errorf("ID = %q, want %q", u.ID, "sso-5")
	}
}

func TestClient_FetchAllUsers_StopsOnShortPageWithoutTotal(t *testing.T) {
	var calls int32
	handler := pagedUsers(t, 4, false)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		handler(w, r)
	}))
	defer server.Close()

	c := newTestClient(t, server, ClientConfig{PageSize: 3})

	users, err := c.FetchAllUsers(context.Background())
	if err != nil {
		t.Fatalf("FetchAllUsers がエラーを返した: %v", err)
	}
	if len(users) != 4 {
		t.Errorf("ユーザー数 = %d, want 4", len(users))
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("リクエスト回数 = %d, want 2", got)
	}
}

// sameGroups は startIndex を無視して常に同じグループを返すハンドラー。
func sameGroups(calls *int32, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}
}

func TestClient_FetchAllGroups_StopsWhenServerIgnoresStartIndex(t *testing.T) {
	var calls int32
	server := httptest.NewServer(sameGroups(&calls,
		`{"Resources":[{"id":"g-1","displayName":"aws-Eng"},{"id":"g-2","displayName":"aws-Ops"}]}`))
	defer server.Close()

	c := newTestClient(t, server, ClientConfig{PageSize: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	groups, err := c.FetchAllGroups(ctx)
	if err != nil {
		t.Fatalf("FetchAllGroups がエラーを返した: %v", err)
	}
	if len(groups) != 2 {
		t.Errorf("グループ数 = %d, want 2", len(groups))
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("新しいリソースがないページで打ち切るべき: リクエスト回数 = %d", got)
	}
}

func TestClient_FetchAllGroups_NoProgressBeforeTotalResultsIsError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(sameGroups(&calls,
		`{"totalResults":5,"Resources":[{"id":"g-1","displayName":"aws-Eng"},{"id":"g-2","displayName":"aws-Ops"}]}`))
	defer server.Close()

	c := newTestClient(t, server, ClientConfig{PageSize: 2})

	_, err := c.FetchAllGroups(context.Background())
	var fe *model.DirectoryFetchError
	if !errors.As(err, &fe) {
		t.Fatalf("エラー型 = %T, want *model.DirectoryFetchError", err)
	}
	if fe.Resource != "Groups" {
		t.Errorf("Resource = %q, want Groups", fe.Resource)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("リクエスト回数 = %d, want 2", got)
	}
}

func TestClient_FetchAllUsers_PageLimitIsError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		// 毎回新しいidを満杯のページで返し続ける
		fmt.Fprintf(w, `{"Resources":[{"id":"sso-%d","externalId":"00u%d"}]}`, n, n)
	}))
	defer server.Close()

	c := newTestClient(t, server, ClientConfig{PageSize: 1, MaxPages: 5})

	_, err := c.FetchAllUsers(context.Background())
	var fe *model.DirectoryFetchError
	if !errors.As(err, &fe) {
		t.Fatalf("エラー型 = %T, want *model.DirectoryFetchError", err)
	}
	if got := atomic.LoadInt32(&calls); got != 5 {
		t.Errorf("リクエスト回数 = %d, want 5", got)
	}
}

func TestClient_FetchAllUsers_SkipsUsersWithoutExternalID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"totalResults":2,"Resources":[
			{"id":"a","externalId":"00u1","displayName":"A"},
			{"id":"b","displayName":"Local only"}
		]}`)
	}))
	defer server.Close()

	c := newTestClient(t, server, ClientConfig{})

	users, err := c.FetchAllUsers(context.Background())
	if err != nil {
		t.Fatalf("FetchAllUsers がエラーを返した: %v", err)
	}
	if len(users) != 1 {
		t.Errorf("ユーザー数 = %d, want 1", len(users))
	}
}

func TestClient_FetchAllGroups_KeyedByDisplayName(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/scim/v2/Groups" {
			t.Errorf("path = %s, want /scim/v2/Groups", r.URL.Path)
		}
		fmt.Fprint(w, `{"totalResults":2,"Resources":[
			{"id":"g-1","displayName":"aws-Engineering"},
			{"id":"g-2","displayName":"aws-Ops"}
		]}`)
	}))
	defer server.Close()

	c := newTestClient(t, server, ClientConfig{})

	groups, err := c.FetchAllGroups(context.Background())
	if err != nil {
		t.Fatalf("FetchAllGroups がエラーを返した: %v", err)
	}
	if groups["aws-Ops"].ID != "g-2" {
		t.Errorf("aws-Ops の ID = %q, want %q", groups["aws-Ops"].ID, "g-2")
	}
}

func TestClient_FetchAllGroups_ClientErrorFailsFast(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"detail":"bad token"}`)
	}))
	defer server.Close()

	c := newTestClient(t, server, ClientConfig{})

	_, err := c.FetchAllGroups(context.Background())
	var fe *model.DirectoryFetchError
	if !errors.As(err, &fe) {
		t.Fatalf("エラー型 = %T, want *model.DirectoryFetchError", err)
	}
	if fe.Status != http.StatusUnauthorized {
		t.Errorf("Status = %d, want %d", fe.Status, http.StatusUnauthorized)
	}
	if fe.Body != `{"detail":"bad token"}` {
		t.Errorf("Body = %q", fe.Body)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("4xx は再試行しないべき: リクエスト回数 = %d", got)
	}
}

func TestClient_FetchAllGroups_RetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"totalResults":1,"Resources":[{"id":"g-1","displayName":"aws-Eng"}]}`)
	}))
	defer server.Close()

	c := newTestClient(t, server, ClientConfig{})

	groups, err := c.FetchAllGroups(context.Background())
	if err != nil {
		t.Fatalf("FetchAllGroups がエラーを返した: %v", err)
	}
	if len(groups) != 1 {
		t.Errorf("グループ数 = %d, want 1", len(groups))
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("リクエスト回数 = %d, want 3", got)
	}
}

func TestClient_FetchAllGroups_GivesUpAfterMaxAttempts(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "boom")
	}))
	defer server.Close()

	obs := &recordingObserver{}
	c := newTestClient(t, server, ClientConfig{Observer: obs})

	_, err := c.FetchAllGroups(context.Background())
	var fe *model.DirectoryFetchError
	if !errors.As(err, &fe) {
		t.Fatalf("エラー型 = %T, want *model.DirectoryFetchError", err)
	}
	if fe.Status != http.StatusInternalServerError || fe.Body != "boom" {
		t.Errorf("Status/Body = %d/%q", fe.Status, fe.Body)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("リクエスト回数 = %d, want 3", got)
	}
	if len(obs.statuses) != 3 {
		t.Errorf("Observer 呼び出し回数 = %d, want 3", len(obs.statuses))
	}
}

func TestClient_FetchAllUsers_TokenFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("トークン取得に失敗した場合はリクエストを送信してはならない")
	}))
	defer server.Close()

	var buf bytes.Buffer
	c := NewClient(server.Client(), failingToken{}, newTestLogger(&buf), ClientConfig{
		BaseURL: server.URL,
		Retry:   RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond},
	})

	_, err := c.FetchAllUsers(context.Background())
	if model.KindOf(err) != model.ErrorKindDirectoryFetch {
		t.Errorf("種別 = %q, want %q", model.KindOf(err), model.ErrorKindDirectoryFetch)
	}
}

func TestClient_ApplyPatch_SendsPatchOp(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("HTTPメソッド = %s, want PATCH", r.Method)
		}
		if r.URL.Path != "/scim/v2/Groups/g-1" {
			t.Errorf("path = %s, want /scim/v2/Groups/g-1", r.URL.Path)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q", got)
		}

		body, _ := io.ReadAll(r.Body)
		var req PatchRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Fatalf("リクエストボディのパースに失敗: %v", err)
		}
		if len(req.Schemas) != 1 || req.Schemas[0] != PatchOpSchema {
			t.Errorf("schemas = %v", req.Schemas)
		}
		if len(req.Operations) != 1 {
			t.Fatalf("Operations 件数 = %d, want 1", len(req.Operations))
		}
		op := req.Operations[0]
		if op.Op != "add" || op.Path != "members" {
			t.Errorf("op/path = %s/%s, want add/members", op.Op, op.Path)
		}
		if len(op.Value) != 1 || op.Value[0].Value != "sso-1" || op.Value[0].Display != "Alice" {
			t.Errorf("value = %+v", op.Value)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	c := newTestClient(t, server, ClientConfig{})

	err := c.ApplyPatch(context.Background(), model.MembershipPatch{
		EventRef:        "e1",
		TargetResource:  c.GroupsResourceBase() + "/g-1",
		GroupID:         "g-1",
		Operation:       model.PatchOperationAdd,
		UserID:          "sso-1",
		UserDisplayName: "Alice",
	})
	if err != nil {
		t.Fatalf("ApplyPatch がエラーを返した: %v", err)
	}
}

func TestClient_ApplyPatch_RepeatedApplicationIsSafe(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	c := newTestClient(t, server, ClientConfig{})
	patch := model.MembershipPatch{
		TargetResource: c.GroupsResourceBase() + "/g-1",
		Operation:      model.PatchOperationRemove,
		UserID:         "sso-1",
	}

	for i := 0; i < 2; i++ {
		if err := c.ApplyPatch(context.Background(), patch); err != nil {
			t.Fatalf("%d回目の ApplyPatch がエラーを返した: %v", i+1, err)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("リクエスト回数 = %d, want 2", got)
	}
}

func TestClient_ApplyPatch_NonSuccessReturnsApplyError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, "group not found")
	}))
	defer server.Close()

	c := newTestClient(t, server, ClientConfig{})

	err := c.ApplyPatch(context.Background(), model.MembershipPatch{
		TargetResource: c.GroupsResourceBase() + "/missing",
		Operation:      model.PatchOperationAdd,
	})
	var ae *model.DirectoryApplyError
	if !errors.As(err, &ae) {
		t.Fatalf("エラー型 = %T, want *model.DirectoryApplyError", err)
	}
	if ae.Status != http.StatusNotFound {
		t.Errorf("Status = %d, want 404", ae.Status)
	}
	if ae.Retryable() {
		t.Error("404 は再試行対象外であるべき")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("4xx のパッチは再試行しないべき: リクエスト回数 = %d", got)
	}
}

func TestClient_ApplyPatch_RetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	c := newTestClient(t, server, ClientConfig{})

	err := c.ApplyPatch(context.Background(), model.MembershipPatch{
		TargetResource: c.GroupsResourceBase() + "/g-1",
		Operation:      model.PatchOperationAdd,
		UserID:         "sso-1",
	})
	if err != nil {
		t.Fatalf("503 の後に成功した場合は nil を返すべき: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("リクエスト回数 = %d, want 2", got)
	}
}

func TestClient_ApplyPatch_ContextCanceled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := newTestClient(t, server, ClientConfig{
		Retry: RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := c.ApplyPatch(ctx, model.MembershipPatch{TargetResource: c.GroupsResourceBase() + "/g-1"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
}
