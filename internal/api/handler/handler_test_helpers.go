package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/edvin/deployctl/internal/approval"
	"github.com/edvin/deployctl/internal/audit"
	"github.com/edvin/deployctl/internal/cluster"
	"github.com/edvin/deployctl/internal/config"
	"github.com/edvin/deployctl/internal/lock"
	"github.com/edvin/deployctl/internal/model"
	"github.com/edvin/deployctl/internal/pipeline"
	"github.com/edvin/deployctl/internal/release"
	"github.com/edvin/deployctl/internal/strategy"
)

// newRequest creates a new HTTP request with an optional JSON body.
func newRequest(method, target string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	r := httptest.NewRequest(method, target, &buf)
	r.Header.Set("Content-Type", "application/json")
	return r
}

// newRequestRaw creates a new HTTP request with a raw string body.
func newRequestRaw(method, target, body string) *http.Request {
	r := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

// withChiURLParam adds a chi URL parameter to the request context.
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// withChiURLParams adds multiple chi URL parameters to the request context.
func withChiURLParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// decodeErrorResponse parses the JSON error response body into a map.
func decodeErrorResponse(rec *httptest.ResponseRecorder) map[string]string {
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	return body
}

// testStack wires an in-memory orchestrator for handler tests.
type testStack struct {
	orch     *pipeline.Orchestrator
	gate     *approval.Gate
	probe    *cluster.MemoryProbe
	releases *release.MemoryStore
}

func newTestStack() *testStack {
	cfg := config.Config{
		LockTimeout:     200 * time.Millisecond,
		ApprovalTimeout: time.Second,
	}

	gate := approval.NewGate(approval.NewMemoryStore(), audit.NewLogRecorder(zerolog.Nop()), zerolog.Nop())
	releases := release.NewMemoryStore()
	probe := cluster.NewMemoryProbe()
	fleet := strategy.NewMemoryFleet()
	shifter := strategy.NewMemoryShifter()
	recorder := audit.NewLogRecorder(zerolog.Nop())

	for _, env := range model.DefaultEnvironmentChain {
		probe.SetHealth(env, model.ClusterHealthSnapshot{TotalNodes: 2, HealthyNodes: 2})
		probe.SetMetrics(env, model.ClusterMetrics{AvgErrorRate: 0.1, AvgLatencyMS: 50})
		fleet.SetNodes(env, []string{"n1", "n2"})
	}

	executor := pipeline.NewStageExecutor(
		lock.NewMemoryLock(), gate, releases, probe, fleet, shifter, recorder, cfg, zerolog.Nop())
	orch := pipeline.NewOrchestrator(
		config.DefaultPipeline(), executor, pipeline.NewExecutionStore(), releases, recorder, 4, zerolog.Nop())

	return &testStack{orch: orch, gate: gate, probe: probe, releases: releases}
}
