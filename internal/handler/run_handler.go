package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hitoshi/groupsync/internal/middleware"
	"github.com/hitoshi/groupsync/internal/model"
)

// RunFinder は保存済みの実行結果を参照するインターフェース。
type RunFinder interface {
	// FindByID は実行IDで実行結果を取得する。存在しない場合はnil, nilを返す。
	FindByID(ctx context.Context, runID string) (*model.RunReport, error)
}

// RunHandler は実行結果参照のHTTPハンドラー。
type RunHandler struct {
	runs   RunFinder
	logger *slog.Logger
}

// NewRunHandler はRunHandlerを生成する。
func NewRunHandler(runs RunFinder, logger *slog.Logger) *RunHandler {
	return &RunHandler{
		runs:   runs,
		logger: logger,
	}
}

// GetRun は実行結果を1件返す。
// GET /runs/{runID}
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, err := uuid.Parse(runID); err != nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewRunNotFoundError())
		return
	}

	report, err := h.runs.FindByID(r.Context(), runID)
	if err != nil {
		h.logger.Error("実行結果の取得に失敗しました",
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}
	if report == nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewRunNotFoundError())
		return
	}

	writeJSON(w, http.StatusOK, report)
}
