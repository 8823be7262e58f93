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

package core

import (
	"runtime"
	"runtime/metrics"
	"time"

	"github.com/kadirpekel/penguin/pkg/observability"
)

// HealthStatus is the coarse service state.
type HealthStatus string

const (
	StatusHealthy    HealthStatus = "healthy"
	StatusDegraded   HealthStatus = "degraded"
	StatusAtCapacity HealthStatus = "at_capacity"
)

// ResourceUsage reports process resource consumption.
type ResourceUsage struct {
	MemoryMB    float64 `json:"memory_mb"`
	CPUPercent  float64 `json:"cpu_percent"`
	Threads     int     `json:"threads"`
	ActiveTasks int     `json:"active_tasks"`
}

// AgentCapacity reports executor capacity.
type AgentCapacity struct {
	Max         int     `json:"max"`
	Active      int     `json:"active"`
	Available   int     `json:"available"`
	Utilization float64 `json:"utilization"`
}

// HealthReport is the payload of the health endpoint.
type HealthReport struct {
	Status             HealthStatus                   `json:"status"`
	UptimeSec          float64                        `json:"uptime"`
	ResourceUsage      ResourceUsage                  `json:"resource_usage"`
	AgentCapacity      AgentCapacity                  `json:"agent_capacity"`
	PerformanceMetrics observability.PerformanceStats `json:"performance_metrics"`
}

// Health assembles the current health report.
func (c *Core) Health() *HealthReport {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	active := c.executor.ActiveCount()
	max := c.executor.MaxConcurrent()

	capacity := AgentCapacity{
		Max:       max,
		Active:    active,
		Available: max - active,
	}
	if max > 0 {
		capacity.Utilization = float64(active) / float64(max)
	}

	var perf observability.PerformanceStats
	if c.metrics != nil {
		perf = c.metrics.Stats()
	}

	uptime := time.Since(c.startTime)
	report := &HealthReport{
		Status:    StatusHealthy,
		UptimeSec: uptime.Seconds(),
		ResourceUsage: ResourceUsage{
			MemoryMB:    float64(memStats.Alloc) / (1024 * 1024),
			CPUPercent:  cpuPercent(uptime),
			Threads:     runtime.NumGoroutine(),
			ActiveTasks: active,
		},
		AgentCapacity:      capacity,
		PerformanceMetrics: perf,
	}

	switch {
	case capacity.Available <= 0:
		report.Status = StatusAtCapacity
	case perf.RequestCount >= 10 && perf.SuccessRate < 0.9:
		report.Status = StatusDegraded
	}
	return report
}

// cpuPercent approximates process CPU utilization from the runtime's
// cumulative CPU metric over the process lifetime.
func cpuPercent(uptime time.Duration) float64 {
	if uptime <= 0 {
		return 0
	}
	samples := []metrics.Sample{{Name: "/cpu/classes/total:cpu-seconds"}}
	metrics.Read(samples)
	if samples[0].Value.Kind() != metrics.KindFloat64 {
		return 0
	}
	return samples[0].Value.Float64() / uptime.Seconds() * 100
}
