// Package report はダッシュボードの集計レポートを組み立てる。
package report

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/widgetdash/internal/functions"
	"github.com/hitoshi/widgetdash/internal/model"
)

// Granularity は集計の粒度。
type Granularity string

const (
	GranularityDay   Granularity = "day"
	GranularityWeek  Granularity = "week"
	GranularityMonth Granularity = "month"
)

// ParseGranularity は文字列を粒度に変換する。空文字はday。
func ParseGranularity(s string) (Granularity, error) {
	switch g := Granularity(s); g {
	case "":
		return GranularityDay, nil
	case GranularityDay, GranularityWeek, GranularityMonth:
		return g, nil
	}
	return "", model.NewInvalidRequestError("粒度はday, week, monthのいずれかを指定してください")
}

// bucketStart はtを含む集計区間の開始時刻(UTC)を返す。週は月曜始まり。
func (g Granularity) bucketStart(t time.Time) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	switch g {
	case GranularityWeek:
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case GranularityMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return day
}

// RevenueSource は広告収益と使用量コストを返すファンクション。
type RevenueSource interface {
	AdRevenue(ctx context.Context, accessToken string, q functions.ReportQuery) ([]model.AdRevenueRow, error)
	UsageCost(ctx context.Context, accessToken string, q functions.ReportQuery) ([]model.UsageCostRow, error)
}

// ProjectScope はユーザーが到達可能なプロジェクトIDを返す。
type ProjectScope interface {
	ReachableProjectIDs(ctx context.Context, userID string) ([]string, error)
}

// RevenueFigures は1区間分の収益指標。
type RevenueFigures struct {
	Start       time.Time `json:"start"`
	Impressions int64     `json:"impressions"`
	Clicks      int64     `json:"clicks"`
	Revenue     float64   `json:"revenue"`
	Cost        float64   `json:"cost"`
	Net         float64   `json:"net"`
	ECPM        float64   `json:"ecpm"`
	CTR         float64   `json:"ctr"`    // %
	Margin      float64   `json:"margin"` // %
}

// RevenueReport は期間[From, To)の収益レポート。
type RevenueReport struct {
	Granularity Granularity      `json:"granularity"`
	From        time.Time        `json:"from"`
	To          time.Time        `json:"to"`
	Buckets     []RevenueFigures `json:"buckets"`
	Totals      RevenueFigures   `json:"totals"`
}

// RevenueQuery は収益レポートの条件。
type RevenueQuery struct {
	UserID      string
	AccessToken string
	From        time.Time
	To          time.Time
	Granularity Granularity
}

// RevenueService は収益レポートを生成する。
type RevenueService struct {
	source RevenueSource
	scope  ProjectScope
}

// NewRevenueService はRevenueServiceを生成する。
func NewRevenueService(source RevenueSource, scope ProjectScope) *RevenueService {
	return &RevenueService{source: source, scope: scope}
}

// Build は到達可能なプロジェクトの収益とコストを並行に取得して集計する。
func (s *RevenueService) Build(ctx context.Context, q RevenueQuery) (*RevenueReport, error) {
	if !q.From.Before(q.To) {
		return nil, model.NewInvalidRequestError("期間の開始は終了より前である必要があります")
	}

	projectIDs, err := s.scope.ReachableProjectIDs(ctx, q.UserID)
	if err != nil {
		return nil, fmt.Errorf("プロジェクトIDの取得に失敗しました: %w", err)
	}
	if len(projectIDs) == 0 {
		return Aggregate(nil, nil, q.Granularity, q.From, q.To), nil
	}

	fq := functions.ReportQuery{ProjectIDs: projectIDs, From: q.From, To: q.To}
	var revenue []model.AdRevenueRow
	var costs []model.UsageCostRow

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := s.source.AdRevenue(gctx, q.AccessToken, fq)
		if err != nil {
			return fmt.Errorf("広告収益の取得に失敗しました: %w", err)
		}
		revenue = rows
		return nil
	})
	g.Go(func() error {
		rows, err := s.source.UsageCost(gctx, q.AccessToken, fq)
		if err != nil {
			return fmt.Errorf("使用量コストの取得に失敗しました: %w", err)
		}
		costs = rows
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return Aggregate(revenue, costs, q.Granularity, q.From, q.To), nil
}

// Aggregate は行を区間ごとにまとめ、派生指標と合計を計算する。期間外の日付の行は除外する。
func Aggregate(revenue []model.AdRevenueRow, costs []model.UsageCostRow, g Granularity, from, to time.Time) *RevenueReport {
	if g == "" {
		g = GranularityDay
	}
	buckets := make(map[time.Time]*RevenueFigures)
	bucket := func(date time.Time) *RevenueFigures {
		start := g.bucketStart(date)
		b, ok := buckets[start]
		if !ok {
			b = &RevenueFigures{Start: start}
			buckets[start] = b
		}
		return b
	}
	inRange := func(date time.Time) bool {
		return !date.Before(from.UTC().Truncate(24*time.Hour)) && date.Before(to)
	}

	for _, r := range revenue {
		if !inRange(r.Date) {
			continue
		}
		b := bucket(r.Date)
		b.Impressions += r.Impressions
		b.Clicks += r.Clicks
		b.Revenue += r.Revenue
	}
	for _, c := range costs {
		if !inRange(c.Date) {
			continue
		}
		bucket(c.Date).Cost += c.Cost
	}

	report := &RevenueReport{Granularity: g, From: from, To: to, Buckets: make([]RevenueFigures, 0, len(buckets))}
	for _, b := range buckets {
		b.derive()
		report.Buckets = append(report.Buckets, *b)

		report.Totals.Impressions += b.Impressions
		report.Totals.Clicks += b.Clicks
		report.Totals.Revenue += b.Revenue
		report.Totals.Cost += b.Cost
	}
	sort.Slice(report.Buckets, func(i, j int) bool {
		return report.Buckets[i].Start.Before(report.Buckets[j].Start)
	})
	report.Totals.derive()
	return report
}

// derive はNet・eCPM・CTR・Marginを計算する。分母が0の指標は0とする。
func (f *RevenueFigures) derive() {
	f.Revenue = round2(f.Revenue)
	f.Cost = round2(f.Cost)
	f.Net = round2(f.Revenue - f.Cost)
	f.ECPM, f.CTR, f.Margin = 0, 0, 0
	if f.Impressions > 0 {
		f.ECPM = round2(f.Revenue / float64(f.Impressions) * 1000)
		f.CTR = round2(float64(f.Clicks) / float64(f.Impressions) * 100)
	}
	if f.Revenue != 0 {
		f.Margin = round2(f.Net / f.Revenue * 100)
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
