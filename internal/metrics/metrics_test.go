package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetricFamily は収集結果から指定名のメトリクスファミリーを探す。
func findMetricFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("%s metric not found", name)
	return nil
}

// labelValue はメトリクスから指定ラベルの値を取り出す。
func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordAdminCheck_CountsByResult は管理者確認の結果ごとにカウントされることを検証する。
func TestRecordAdminCheck_CountsByResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordAdminCheck(AdminCheckAdmin)
	c.RecordAdminCheck(AdminCheckFailed)
	c.RecordAdminCheck(AdminCheckFailed)

	mf := findMetricFamily(t, reg, "widgetdash_admin_checks_total")
	if len(mf.GetMetric()) != 2 {
		t.Fatalf("expected 2 label combinations, got %d", len(mf.GetMetric()))
	}
	for _, m := range mf.GetMetric() {
		val := m.GetCounter().GetValue()
		switch labelValue(m, "result") {
		case AdminCheckAdmin:
			if val != 1 {
				t.Errorf("admin_checks_total{result=admin} = %v, want 1", val)
			}
		case AdminCheckFailed:
			if val != 2 {
				t.Errorf("admin_checks_total{result=failed} = %v, want 2", val)
			}
		default:
			t.Errorf("unexpected label value: %s", labelValue(m, "result"))
		}
	}
}

// TestRecordImpersonation_UsesActionAndResultLabels はなりすましカウンタのラベルを検証する。
func TestRecordImpersonation_UsesActionAndResultLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordImpersonation("start", "success")
	c.RecordImpersonation("start", "failed")
	c.RecordImpersonation("stop", "success")

	mf := findMetricFamily(t, reg, "widgetdash_impersonation_total")
	if len(mf.GetMetric()) != 3 {
		t.Fatalf("expected 3 label combinations, got %d", len(mf.GetMetric()))
	}
}

// TestRecordFunctionCall_ObservesLatencyAndStatus はレイテンシとステータスが記録されることを検証する。
func TestRecordFunctionCall_ObservesLatencyAndStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordFunctionCall("me", 200, 100*time.Millisecond)
	c.RecordFunctionCall("me", 0, 2*time.Second)

	latency := findMetricFamily(t, reg, "widgetdash_function_latency_seconds")
	h := latency.GetMetric()[0].GetHistogram()
	if h.GetSampleCount() != 2 {
		t.Errorf("sample_count = %d, want 2", h.GetSampleCount())
	}
	// 合計は0.1 + 2.0 = 2.1秒
	if h.GetSampleSum() < 2.0 || h.GetSampleSum() > 2.2 {
		t.Errorf("sample_sum = %v, want ~2.1", h.GetSampleSum())
	}

	status := findMetricFamily(t, reg, "widgetdash_function_status_total")
	if len(status.GetMetric()) != 2 {
		t.Errorf("expected 2 status label combinations, got %d", len(status.GetMetric()))
	}
}

// TestRecordHTTPStatus_IncrementsCounterWithLabel はHTTPステータスカウンタがラベル付きで増加することを検証する。
func TestRecordHTTPStatus_IncrementsCounterWithLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(403)

	mf := findMetricFamily(t, reg, "widgetdash_http_status_total")
	for _, m := range mf.GetMetric() {
		val := m.GetCounter().GetValue()
		switch labelValue(m, "status_code") {
		case "200":
			if val != 2 {
				t.Errorf("http_status_total{status_code=200} = %v, want 2", val)
			}
		case "403":
			if val != 1 {
				t.Errorf("http_status_total{status_code=403} = %v, want 1", val)
			}
		default:
			t.Errorf("unexpected label value: %s", labelValue(m, "status_code"))
		}
	}
}

// TestCounters_Add は加算系カウンタとゲージを検証する。
func TestCounters_Add(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordConversationsAnalyzed(3)
	c.RecordConversationsAnalyzed(2)
	c.RecordArticlesImported(7)
	c.RecordSignIn("success")
	c.SetActiveManagers(4)
	c.SetActiveManagers(2)

	if v := findMetricFamily(t, reg, "widgetdash_conversations_analyzed_total").GetMetric()[0].GetCounter().GetValue(); v != 5 {
		t.Errorf("conversations_analyzed_total = %v, want 5", v)
	}
	if v := findMetricFamily(t, reg, "widgetdash_articles_imported_total").GetMetric()[0].GetCounter().GetValue(); v != 7 {
		t.Errorf("articles_imported_total = %v, want 7", v)
	}
	if v := findMetricFamily(t, reg, "widgetdash_sign_in_total").GetMetric()[0].GetCounter().GetValue(); v != 1 {
		t.Errorf("sign_in_total = %v, want 1", v)
	}
	if v := findMetricFamily(t, reg, "widgetdash_active_managers").GetMetric()[0].GetGauge().GetValue(); v != 2 {
		t.Errorf("active_managers = %v, want 2", v)
	}
}

// TestNop_DoesNotPanic はNopが全メソッドを安全に受け付けることを検証する。
func TestNop_DoesNotPanic(t *testing.T) {
	var c MetricsCollector = Nop{}
	c.RecordAdminCheck(AdminCheckAdmin)
	c.RecordImpersonation("start", "success")
	c.RecordSignIn("success")
	c.RecordFunctionCall("me", 200, time.Millisecond)
	c.RecordHTTPStatus(200)
	c.RecordConversationsAnalyzed(1)
	c.RecordArticlesImported(1)
	c.SetActiveManagers(1)
}
