package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/widgetdash/internal/middleware"
	"github.com/hitoshi/widgetdash/internal/model"
	"github.com/hitoshi/widgetdash/internal/report"
)

const (
	dateLayout        = "2006-01-02"
	defaultReportDays = 30
	maxReportDays     = 366
)

// RevenueReporter は収益レポートの生成元。
type RevenueReporter interface {
	Build(ctx context.Context, q report.RevenueQuery) (*report.RevenueReport, error)
}

// InsightsReporter は会話分析の集計元。
type InsightsReporter interface {
	Build(ctx context.Context, userID, projectID string, from, to time.Time) (*report.Insights, error)
}

// ReportHandler は収益レポートと会話インサイトを扱う。
type ReportHandler struct {
	revenue  RevenueReporter
	insights InsightsReporter
	now      func() time.Time
}

// NewReportHandler はReportHandlerを生成する。
func NewReportHandler(revenue RevenueReporter, insights InsightsReporter) *ReportHandler {
	return &ReportHandler{revenue: revenue, insights: insights, now: time.Now}
}

// Revenue は広告収益とトークンコストを粒度ごとに集計して返す。
// GET /api/reports/revenue?from=YYYY-MM-DD&to=YYYY-MM-DD&granularity=day|week|month
func (h *ReportHandler) Revenue(w http.ResponseWriter, r *http.Request) {
	m, ok := managerFrom(w, r)
	if !ok {
		return
	}
	userID, ok := userIDFrom(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	from, to, apiErr := h.parsePeriod(q.Get("from"), q.Get("to"))
	if apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}
	granularity, err := report.ParseGranularity(q.Get("granularity"))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	token, ok := accessTokenFrom(w, r, m)
	if !ok {
		return
	}

	rep, err := h.revenue.Build(r.Context(), report.RevenueQuery{
		UserID:      userID,
		AccessToken: token,
		From:        from,
		To:          to,
		Granularity: granularity,
	})
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// Insights は分析済みの会話をタグ・感情・関心度で集計して返す。
// GET /api/insights?project_id=&from=YYYY-MM-DD&to=YYYY-MM-DD
func (h *ReportHandler) Insights(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	from, to, apiErr := h.parsePeriod(q.Get("from"), q.Get("to"))
	if apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	ins, err := h.insights.Build(r.Context(), userID, q.Get("project_id"), from, to)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ins)
}

// parsePeriod は日付クエリを半開区間[from, to)に変換する。
// toはその日を含むため翌日0時(UTC)を終端とする。未指定なら直近30日。
func (h *ReportHandler) parsePeriod(rawFrom, rawTo string) (time.Time, time.Time, *model.APIError) {
	now := h.now().UTC()
	to := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	if rawTo != "" {
		d, err := time.Parse(dateLayout, rawTo)
		if err != nil {
			return time.Time{}, time.Time{}, model.NewInvalidRequestError("to はYYYY-MM-DD形式で指定してください")
		}
		to = d.AddDate(0, 0, 1)
	}

	from := to.AddDate(0, 0, -defaultReportDays)
	if rawFrom != "" {
		d, err := time.Parse(dateLayout, rawFrom)
		if err != nil {
			return time.Time{}, time.Time{}, model.NewInvalidRequestError("from はYYYY-MM-DD形式で指定してください")
		}
		from = d
	}

	if !from.Before(to) {
		return time.Time{}, time.Time{}, model.NewInvalidRequestError("from は to 以前の日付を指定してください")
	}
	if to.Sub(from) > maxReportDays*24*time.Hour {
		return time.Time{}, time.Time{}, model.NewInvalidRequestError("期間は366日以内で指定してください")
	}
	return from, to, nil
}
