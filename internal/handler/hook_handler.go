// Package handler はイベントフックのHTTPハンドラーとルーティングを提供する。
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hitoshi/groupsync/internal/event"
	"github.com/hitoshi/groupsync/internal/middleware"
	"github.com/hitoshi/groupsync/internal/model"
)

// VerificationChallengeHeader はイベントフック登録時の検証チャレンジを運ぶヘッダー。
const VerificationChallengeHeader = "X-Okta-Verification-Challenge"

// 実行結果を GET /runs/{runID} で引けるよう、応答に付与するヘッダー。
const (
	RunIDHeader    = "X-Run-ID"
	RunStateHeader = "X-Run-State"
)

// Reconciler はイベント一覧をディレクトリに反映するインターフェース。
// reconcile.Engineが実装する。
type Reconciler interface {
	Run(ctx context.Context, events []model.ProviderEvent) (*model.RunReport, error)
}

// HookHandler はイベントフックのHTTPハンドラー。
type HookHandler struct {
	reconciler Reconciler
	logger     *slog.Logger
}

// NewHookHandler はHookHandlerを生成する。
func NewHookHandler(reconciler Reconciler, logger *slog.Logger) *HookHandler {
	return &HookHandler{
		reconciler: reconciler,
		logger:     logger,
	}
}

type verificationResponse struct {
	Verification string `json:"verification"`
}

// Verify はイベントフック登録時の1回限りの検証に応答する。
// GET /hooks/okta
func (h *HookHandler) Verify(w http.ResponseWriter, r *http.Request) {
	challenge := r.Header.Get(VerificationChallengeHeader)
	if challenge == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewMissingChallengeError())
		return
	}

	h.logger.Info("イベントフックの検証に応答しました")
	writeJSON(w, http.StatusOK, verificationResponse{Verification: challenge})
}

// Receive はイベントを受け取り、リコンサイルを実行して実行結果を返す。
// POST /hooks/okta
func (h *HookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	events, err := event.ParseBatch(r.Body)
	if err != nil {
		h.logger.Warn("イベントフックのボディを解析できませんでした", slog.String("error", err.Error()))
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidPayloadError(err.Error()))
		return
	}

	report, err := h.reconciler.Run(r.Context(), events)
	setRunHeaders(w, report)
	if err != nil {
		attrs := []any{slog.String("error", err.Error())}
		if report != nil {
			attrs = append(attrs, slog.String("run_id", report.RunID))
		}
		h.logger.Error("リコンサイル実行が中断しました", attrs...)
		middleware.WriteErrorResponse(w, http.StatusBadGateway, model.NewReconcileFailedError(err.Error()))
		return
	}

	if len(report.Failures) > 0 {
		h.logger.Warn("一部のイベントを反映できませんでした",
			slog.String("run_id", report.RunID),
			slog.Int("failure_count", len(report.Failures)),
		)
	}

	writeJSON(w, http.StatusOK, report)
}

// setRunHeaders は実行IDと終了状態をヘッダーに設定する。reportがnilの場合は何もしない。
func setRunHeaders(w http.ResponseWriter, report *model.RunReport) {
	if report == nil || report.RunID == "" {
		return
	}
	w.Header().Set(RunIDHeader, report.RunID)
	w.Header().Set(RunStateHeader, string(report.State))
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}
