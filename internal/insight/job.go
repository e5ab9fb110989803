// Package insight はウィジェット会話のAI分析をバッチで実行する。
package insight

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/widgetdash/internal/metrics"
	"github.com/hitoshi/widgetdash/internal/model"
	"github.com/hitoshi/widgetdash/internal/repository"
)

const maxTags = 10

// Analyzer は会話分析ファンクションのインターフェース。
type Analyzer interface {
	AnalyzeConversation(ctx context.Context, serviceToken, conversationID string) (*model.ConversationInsight, error)
}

// Config はバッチジョブの設定。
type Config struct {
	// BatchInterval はサイクルの実行間隔（デフォルト: 10分）。
	BatchInterval time.Duration
	// APIInterval は分析呼び出しの最低間隔（デフォルト: 2秒）。
	APIInterval time.Duration
	// MaxCallsPerCycle は1サイクルあたりの最大分析回数（デフォルト: 50）。
	MaxCallsPerCycle int
	// ServiceToken は分析ファンクションの呼び出しに使うサービスキー。
	ServiceToken string
}

// DefaultConfig はデフォルト設定を返す。
func DefaultConfig() Config {
	return Config{
		BatchInterval:    10 * time.Minute,
		APIInterval:      2 * time.Second,
		MaxCallsPerCycle: 50,
	}
}

// Job は未分析の会話を分析ファンクションに渡し、結果を保存する。
// 連続して失敗した場合はサイクル自体をしばらく止める。
type Job struct {
	conversations     repository.ConversationRepository
	analyzer          Analyzer
	metrics           metrics.MetricsCollector
	logger            *slog.Logger
	config            Config
	now               func() time.Time
	consecutiveErrors int
	backoffUntil      time.Time
}

// NewJob はJobを生成する。
func NewJob(
	conversations repository.ConversationRepository,
	analyzer Analyzer,
	mc metrics.MetricsCollector,
	logger *slog.Logger,
	config Config,
) *Job {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Job{
		conversations: conversations,
		analyzer:      analyzer,
		metrics:       mc,
		logger:        logger,
		config:        config,
		now:           time.Now,
	}
}

// Start はコンテキストがキャンセルされるまでサイクルを定期実行する。起動直後にも1回実行する。
func (j *Job) Start(ctx context.Context) {
	ticker := time.NewTicker(j.config.BatchInterval)
	defer ticker.Stop()

	j.logger.Info("会話分析ジョブを開始しました",
		slog.Duration("batch_interval", j.config.BatchInterval),
		slog.Duration("api_interval", j.config.APIInterval),
		slog.Int("max_calls_per_cycle", j.config.MaxCallsPerCycle),
	)

	j.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("会話分析ジョブを停止しました")
			return
		case <-ticker.C:
			j.runLogged(ctx)
		}
	}
}

func (j *Job) runLogged(ctx context.Context) {
	if err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
		j.logger.Error("会話分析サイクルの実行に失敗しました", slog.String("error", err.Error()))
	}
}

// RunOnce は1サイクル分の分析を行う。
// 個々の会話の失敗はログに残して次へ進み、バックオフ閾値に達したらサイクルを打ち切る。
func (j *Job) RunOnce(ctx context.Context) error {
	start := j.now()

	if !j.backoffUntil.IsZero() && start.Before(j.backoffUntil) {
		j.logger.Info("会話分析ジョブはバックオフ中のためスキップします",
			slog.Time("backoff_until", j.backoffUntil),
		)
		return nil
	}

	pending, err := j.conversations.ListPendingAnalysis(ctx, j.config.MaxCallsPerCycle)
	if err != nil {
		return fmt.Errorf("未分析の会話の取得に失敗しました: %w", err)
	}
	if len(pending) == 0 {
		j.logger.Debug("分析対象の会話はありません")
		return nil
	}

	var calls, analyzed int
	var hadError bool

	for _, c := range pending {
		if calls >= j.config.MaxCallsPerCycle {
			break
		}
		if calls > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(j.config.APIInterval):
			}
		}
		calls++

		result, err := j.analyzer.AnalyzeConversation(ctx, j.config.ServiceToken, c.ID)
		if err == nil {
			err = normalize(result)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			hadError = true
			j.consecutiveErrors++
			j.logger.Error("会話の分析に失敗しました",
				slog.String("conversation_id", c.ID),
				slog.Int("consecutive_errors", j.consecutiveErrors),
				slog.String("error", err.Error()),
			)
			if backoff := calculateErrorBackoff(j.consecutiveErrors); backoff > 0 {
				j.backoffUntil = j.now().Add(backoff)
				j.logger.Warn("連続エラーによりバックオフを適用します",
					slog.Int("consecutive_errors", j.consecutiveErrors),
					slog.Duration("backoff_duration", backoff),
				)
				break
			}
			continue
		}
		j.consecutiveErrors = 0

		if err := j.conversations.SaveInsight(ctx, c.ID, *result, j.now().UTC()); err != nil {
			j.logger.Error("分析結果の保存に失敗しました",
				slog.String("conversation_id", c.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		analyzed++
	}

	if !hadError {
		j.backoffUntil = time.Time{}
	}
	j.metrics.RecordConversationsAnalyzed(analyzed)

	j.logger.Info("会話分析サイクルが完了しました",
		slog.Int("api_call_count", calls),
		slog.Int("analyzed", analyzed),
		slog.Int("pending", len(pending)),
		slog.Float64("duration_ms", float64(j.now().Sub(start).Milliseconds())),
	)
	return nil
}

// calculateErrorBackoff は連続エラー回数に応じた停止時間を返す。
// 3回連続: 30分、5回連続: 1時間、10回連続: 6時間。
func calculateErrorBackoff(consecutiveErrors int) time.Duration {
	switch {
	case consecutiveErrors >= 10:
		return 6 * time.Hour
	case consecutiveErrors >= 5:
		return 1 * time.Hour
	case consecutiveErrors >= 3:
		return 30 * time.Minute
	default:
		return 0
	}
}

// normalize は分析結果を保存できる形に整える。
// タグは小文字化と重複除去のうえ先頭10件、関心度は0〜100に丸める。
// 不明な感情区分は保存できないためエラーにする。
func normalize(in *model.ConversationInsight) error {
	if in == nil {
		return fmt.Errorf("empty analysis result")
	}
	in.Sentiment = model.Sentiment(strings.ToLower(strings.TrimSpace(string(in.Sentiment))))
	if !in.Sentiment.Valid() {
		return fmt.Errorf("unknown sentiment %q", in.Sentiment)
	}

	seen := make(map[string]bool, len(in.Tags))
	tags := make([]string, 0, len(in.Tags))
	for _, tag := range in.Tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		tags = append(tags, tag)
	}
	if len(tags) > maxTags {
		tags = tags[:maxTags]
	}
	in.Tags = tags

	switch {
	case in.InterestScore < 0:
		in.InterestScore = 0
	case in.InterestScore > 100:
		in.InterestScore = 100
	}
	in.Summary = strings.TrimSpace(in.Summary)
	return nil
}
