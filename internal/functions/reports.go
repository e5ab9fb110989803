package functions

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hitoshi/widgetdash/internal/model"
)

const dateLayout = "2006-01-02"

// ReportQuery はレポート系ファンクションの問い合わせ条件。
// 期間は[From, To)の半開区間で、日付単位で送信する。
type ReportQuery struct {
	ProjectIDs []string
	From       time.Time
	To         time.Time
}

type reportRequest struct {
	ProjectIDs []string `json:"project_ids"`
	From       string   `json:"from"`
	To         string   `json:"to"`
}

func (q ReportQuery) request() reportRequest {
	return reportRequest{
		ProjectIDs: q.ProjectIDs,
		From:       q.From.UTC().Format(dateLayout),
		To:         q.To.UTC().Format(dateLayout),
	}
}

type adRevenueWire struct {
	Date        string  `json:"date"`
	ProjectID   string  `json:"project_id"`
	Impressions int64   `json:"impressions"`
	Clicks      int64   `json:"clicks"`
	Revenue     float64 `json:"revenue"`
}

type usageCostWire struct {
	Date         string  `json:"date"`
	ProjectID    string  `json:"project_id"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// parseDate は日付文字列をUTCの時刻に変換する。
// YYYY-MM-DD と RFC3339 の両方を受け付ける。
func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t.UTC(), nil
}

// AdRevenue は指定プロジェクト・期間の日次広告収益を取得する。
// プロジェクトが空の場合はファンクションを呼ばずに空を返す。
func (c *Client) AdRevenue(ctx context.Context, accessToken string, q ReportQuery) ([]model.AdRevenueRow, error) {
	if len(q.ProjectIDs) == 0 {
		return []model.AdRevenueRow{}, nil
	}

	var resp struct {
		Rows []adRevenueWire `json:"rows"`
	}
	if err := c.call(ctx, FunctionAdRevenue, http.MethodPost, accessToken, q.request(), &resp); err != nil {
		return nil, err
	}

	rows := make([]model.AdRevenueRow, 0, len(resp.Rows))
	for _, w := range resp.Rows {
		d, err := parseDate(w.Date)
		if err != nil {
			return nil, fmt.Errorf("function %s: %w", FunctionAdRevenue, err)
		}
		rows = append(rows, model.AdRevenueRow{
			Date:        d,
			ProjectID:   w.ProjectID,
			Impressions: w.Impressions,
			Clicks:      w.Clicks,
			Revenue:     w.Revenue,
		})
	}
	return rows, nil
}

// UsageCost は指定プロジェクト・期間の日次トークン使用コストを取得する。
func (c *Client) UsageCost(ctx context.Context, accessToken string, q ReportQuery) ([]model.UsageCostRow, error) {
	if len(q.ProjectIDs) == 0 {
		return []model.UsageCostRow{}, nil
	}

	var resp struct {
		Rows []usageCostWire `json:"rows"`
	}
	if err := c.call(ctx, FunctionUsageCost, http.MethodPost, accessToken, q.request(), &resp); err != nil {
		return nil, err
	}

	rows := make([]model.UsageCostRow, 0, len(resp.Rows))
	for _, w := range resp.Rows {
		d, err := parseDate(w.Date)
		if err != nil {
			return nil, fmt.Errorf("function %s: %w", FunctionUsageCost, err)
		}
		rows = append(rows, model.UsageCostRow{
			Date:         d,
			ProjectID:    w.ProjectID,
			InputTokens:  w.InputTokens,
			OutputTokens: w.OutputTokens,
			Cost:         w.Cost,
		})
	}
	return rows, nil
}
