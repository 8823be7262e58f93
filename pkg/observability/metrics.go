// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package observability

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// latencyWindow bounds the in-process reservoir backing the health
// percentiles.
const latencyWindow = 1024

// Metrics collects Prometheus metrics plus the small in-process
// aggregates the health endpoint reports.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	toolCalls    *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec

	llmTokensInput  prometheus.Counter
	llmTokensOutput prometheus.Counter

	tasksTotal   *prometheus.CounterVec
	taskDuration prometheus.Histogram

	mu            sync.Mutex
	requestCount  int64
	errorCount    int64
	successCount  int64
	taskCount     int64
	taskDurSum    time.Duration
	latencies     []time.Duration
	latencyCursor int
}

// NewMetrics creates the metric set on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "penguin_requests_total",
		Help: "External requests by operation and outcome.",
	}, []string{"operation", "outcome"})

	m.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "penguin_request_duration_seconds",
		Help:    "External request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	m.toolCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "penguin_tool_calls_total",
		Help: "Tool dispatches by tool and outcome.",
	}, []string{"tool", "outcome"})

	m.toolDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "penguin_tool_duration_seconds",
		Help:    "Tool dispatch latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"tool"})

	m.llmTokensInput = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "penguin_llm_input_tokens_total",
		Help: "Input tokens sent to providers.",
	})
	m.llmTokensOutput = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "penguin_llm_output_tokens_total",
		Help: "Output tokens received from providers.",
	})

	m.tasksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "penguin_agent_tasks_total",
		Help: "Background agent tasks by terminal state.",
	}, []string{"state"})

	m.taskDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "penguin_agent_task_duration_seconds",
		Help:    "Background agent task wall time.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})

	m.registry.MustRegister(
		m.requests, m.requestDuration,
		m.toolCalls, m.toolDuration,
		m.llmTokensInput, m.llmTokensOutput,
		m.tasksTotal, m.taskDuration,
	)
	m.latencies = make([]time.Duration, 0, latencyWindow)
	return m
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records one external operation.
func (m *Metrics) RecordRequest(operation string, duration time.Duration, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "error"
	}
	m.requests.WithLabelValues(operation, outcome).Inc()
	m.requestDuration.WithLabelValues(operation).Observe(duration.Seconds())

	m.mu.Lock()
	m.requestCount++
	if ok {
		m.successCount++
	} else {
		m.errorCount++
	}
	if len(m.latencies) < latencyWindow {
		m.latencies = append(m.latencies, duration)
	} else {
		m.latencies[m.latencyCursor] = duration
		m.latencyCursor = (m.latencyCursor + 1) % latencyWindow
	}
	m.mu.Unlock()
}

// RecordToolExecution records one tool dispatch.
func (m *Metrics) RecordToolExecution(tool string, duration time.Duration, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "error"
	}
	m.toolCalls.WithLabelValues(tool, outcome).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordTokens records provider token usage.
func (m *Metrics) RecordTokens(input, output int) {
	m.llmTokensInput.Add(float64(input))
	m.llmTokensOutput.Add(float64(output))
}

// RecordTask records a finished background task.
func (m *Metrics) RecordTask(state string, duration time.Duration) {
	m.tasksTotal.WithLabelValues(state).Inc()
	m.taskDuration.Observe(duration.Seconds())

	m.mu.Lock()
	m.taskCount++
	m.taskDurSum += duration
	m.mu.Unlock()
}

// PerformanceStats is the aggregate the health endpoint reports.
type PerformanceStats struct {
	RequestCount       int64   `json:"request_count"`
	AvgLatencyMS       float64 `json:"avg_latency_ms"`
	P95LatencyMS       float64 `json:"p95_latency_ms"`
	P99LatencyMS       float64 `json:"p99_latency_ms"`
	SuccessRate        float64 `json:"success_rate"`
	ErrorCount         int64   `json:"error_count"`
	TaskCount          int64   `json:"task_count"`
	AvgTaskDurationSec float64 `json:"avg_task_duration_sec"`
}

// Stats computes the current performance aggregates.
func (m *Metrics) Stats() PerformanceStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := PerformanceStats{
		RequestCount: m.requestCount,
		ErrorCount:   m.errorCount,
		TaskCount:    m.taskCount,
	}
	if m.requestCount > 0 {
		stats.SuccessRate = float64(m.successCount) / float64(m.requestCount)
	}
	if m.taskCount > 0 {
		stats.AvgTaskDurationSec = m.taskDurSum.Seconds() / float64(m.taskCount)
	}
	if len(m.latencies) > 0 {
		sorted := make([]time.Duration, len(m.latencies))
		copy(sorted, m.latencies)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		var sum time.Duration
		for _, d := range sorted {
			sum += d
		}
		stats.AvgLatencyMS = float64(sum.Milliseconds()) / float64(len(sorted))
		stats.P95LatencyMS = float64(percentile(sorted, 0.95).Milliseconds())
		stats.P99LatencyMS = float64(percentile(sorted, 0.99).Milliseconds())
	}
	return stats
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
