package model

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind はレポートに記録するエラー種別。
type ErrorKind string

const (
	ErrorKindMalformedEvent       ErrorKind = "MalformedEventError"
	ErrorKindUnresolvedUser       ErrorKind = "UnresolvedUserError"
	ErrorKindUnresolvedGroup      ErrorKind = "UnresolvedGroupError"
	ErrorKindUnsupportedEventType ErrorKind = "UnsupportedEventTypeError"
	ErrorKindDirectoryFetch       ErrorKind = "DirectoryFetchError"
	ErrorKindDirectoryApply       ErrorKind = "DirectoryApplyError"
	ErrorKindUnknown              ErrorKind = "UnknownError"
)

// KindedError は種別を持つドメインエラー。
type KindedError interface {
	error
	Kind() ErrorKind
}

// KindOf はエラーチェーンから種別を取り出す。種別を持たない場合はErrorKindUnknownを返す。
func KindOf(err error) ErrorKind {
	var ke KindedError
	if errors.As(err, &ke) {
		return ke.Kind()
	}
	return ErrorKindUnknown
}

// MalformedEventError はイベントの構造がプロバイダの契約に反していることを示す。
// UserGroup/User ターゲットが0件または複数件の場合に発生する。
type MalformedEventError struct {
	EventRef string
	Reason   string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event %s: %s", e.EventRef, e.Reason)
}

func (e *MalformedEventError) Kind() ErrorKind { return ErrorKindMalformedEvent }

// UnresolvedUserError はイベントのユーザーがディレクトリに存在しないことを示す。
type UnresolvedUserError struct {
	EventRef   string
	ExternalID string
}

func (e *UnresolvedUserError) Error() string {
	return fmt.Sprintf("event %s: user with externalId %q not found in directory", e.EventRef, e.ExternalID)
}

func (e *UnresolvedUserError) Kind() ErrorKind { return ErrorKindUnresolvedUser }

// UnresolvedGroupError はイベントのグループがディレクトリに存在しないことを示す。
type UnresolvedGroupError struct {
	EventRef    string
	DisplayName string
}

func (e *UnresolvedGroupError) Error() string {
	return fmt.Sprintf("event %s: group %q not found in directory", e.EventRef, e.DisplayName)
}

func (e *UnresolvedGroupError) Kind() ErrorKind { return ErrorKindUnresolvedGroup }

// UnsupportedEventTypeError はパッチ操作に対応しないイベント種別であることを示す。
type UnsupportedEventTypeError struct {
	EventRef  string
	EventType EventType
}

func (e *UnsupportedEventTypeError) Error() string {
	return fmt.Sprintf("event %s: unsupported event type %q", e.EventRef, e.EventType)
}

func (e *UnsupportedEventTypeError) Kind() ErrorKind { return ErrorKindUnsupportedEventType }

// DirectoryFetchError はディレクトリの一覧取得に失敗したことを示す。
// Statusが0の場合はHTTPレスポンスを受け取れなかった（通信エラー）ことを表す。
type DirectoryFetchError struct {
	Resource string
	Status   int
	Body     string
	Err      error
}

func (e *DirectoryFetchError) Error() string {
	switch {
	case e.Status == 0:
		return fmt.Sprintf("fetch %s: %v", e.Resource, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: status %d: %v", e.Resource, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch %s: status %d: %s", e.Resource, e.Status, e.Body)
}

func (e *DirectoryFetchError) Unwrap() error { return e.Err }

func (e *DirectoryFetchError) Kind() ErrorKind { return ErrorKindDirectoryFetch }

// DirectoryApplyError はパッチの適用に失敗したことを示す。
type DirectoryApplyError struct {
	Resource string
	Status   int
	Body     string
	Err      error
}

func (e *DirectoryApplyError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("patch %s: %v", e.Resource, e.Err)
	}
	return fmt.Sprintf("patch %s: status %d: %s", e.Resource, e.Status, e.Body)
}

func (e *DirectoryApplyError) Unwrap() error { return e.Err }

func (e *DirectoryApplyError) Kind() ErrorKind { return ErrorKindDirectoryApply }

// Retryable は再試行で回復し得る失敗かを返す。
// 通信エラー、429、5xxが対象で、それ以外の4xxは設定不備として扱う。
func (e *DirectoryApplyError) Retryable() bool {
	return e.Status == 0 || e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// APIError は統一エラーフォーマットを表す。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, directory, system
	Action   string // 対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidPayload        = "INVALID_PAYLOAD"
	ErrCodeMissingChallenge      = "MISSING_VERIFICATION_CHALLENGE"
	ErrCodeForbidden             = "FORBIDDEN"
	ErrCodeReconcileFailed       = "RECONCILE_FAILED"
	ErrCodeCredentialUnavailable = "CREDENTIAL_UNAVAILABLE"
	ErrCodeRunNotFound           = "RUN_NOT_FOUND"
	ErrCodeInternal              = "INTERNAL_ERROR"
)

// NewInvalidPayloadError はイベントペイロードが解析できない場合のエラーを生成する。
func NewInvalidPayloadError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPayload,
		Message:  fmt.Sprintf("イベントペイロードを解析できません: %s", reason),
		Category: "validation",
		Action:   "イベントフックのリクエストボディを確認してください。",
	}
}

// NewMissingChallengeError は検証チャレンジヘッダーがない場合のエラーを生成する。
func NewMissingChallengeError() *APIError {
	return &APIError{
		Code:     ErrCodeMissingChallenge,
		Message:  "X-Okta-Verification-Challenge ヘッダーがありません。",
		Category: "validation",
		Action:   "Oktaのイベントフック検証リクエストから呼び出してください。",
	}
}

// NewForbiddenError は認可ヘッダーが一致しない場合のエラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "リクエストは許可されていません。",
		Category: "auth",
		Action:   "イベントフックに設定した認可ヘッダーを確認してください。",
	}
}

// NewCredentialUnavailableError は認証情報を取得できない場合のエラーを生成する。
func NewCredentialUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeCredentialUnavailable,
		Message:  "認証情報を取得できませんでした。",
		Category: "system",
		Action:   "シークレットの設定とアクセス権限を確認してください。",
	}
}

// NewReconcileFailedError はリコンサイル実行全体が失敗した場合のエラーを生成する。
func NewReconcileFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeReconcileFailed,
		Message:  fmt.Sprintf("ディレクトリとの同期に失敗しました: %s", reason),
		Category: "directory",
		Action:   "ディレクトリのエンドポイントとトークンを確認してください。",
	}
}

// NewRunNotFoundError は指定IDの実行結果が存在しない場合のエラーを生成する。
func NewRunNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeRunNotFound,
		Message:  "指定された実行結果が見つかりません。",
		Category: "validation",
		Action:   "実行IDを確認してください。",
	}
}

// NewInternalError は予期しないサーバー内部エラーを生成する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "サーバー内部でエラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
