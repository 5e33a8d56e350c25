package model

// ClusterHealthSnapshot is a point-in-time node count summary for one
// environment, refreshed by an external collector.
type ClusterHealthSnapshot struct {
	TotalNodes     int `json:"total_nodes"`
	HealthyNodes   int `json:"healthy_nodes"`
	UnhealthyNodes int `json:"unhealthy_nodes"`
}

// HealthyRatio returns the healthy fraction in [0,1]. An empty environment
// counts as fully healthy.
func (s ClusterHealthSnapshot) HealthyRatio() float64 {
	if s.TotalNodes == 0 {
		return 1
	}
	return float64(s.HealthyNodes) / float64(s.TotalNodes)
}

// ClusterMetrics are aggregate live metrics for one environment. The
// orchestrator treats them as eventually-consistent samples.
type ClusterMetrics struct {
	AvgCPU            float64 `json:"avg_cpu"`
	AvgMemory         float64 `json:"avg_memory"`
	AvgLatencyMS      float64 `json:"avg_latency_ms"`
	AvgErrorRate      float64 `json:"avg_error_rate"`
	RequestsPerSecond float64 `json:"requests_per_second"`
}
