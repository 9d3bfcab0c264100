//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

var baseURL string

func TestMain(m *testing.M) {
	baseURL = os.Getenv("ORCHESTRD_BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	// Wait for server readiness (up to 30s)
	ready := false
	for i := 0; i < 30; i++ {
		resp, err := http.Get(baseURL + "/api/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				ready = true
				break
			}
		}
		time.Sleep(1 * time.Second)
	}
	if !ready {
		fmt.Fprintf(os.Stderr, "server at %s not ready after 30s\n", baseURL)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

func postJSON(t *testing.T, path string, body interface{}, out interface{}) int {
	t.Helper()

	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	client := &http.Client{Timeout: 90 * time.Second}
	resp, err := client.Post(baseURL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("unmarshal response: %v (body: %s)", err, string(raw))
		}
	}
	return resp.StatusCode
}

func TestRegisterAndOrchestrate(t *testing.T) {
	status := postJSON(t, "/api/agents", map[string]interface{}{
		"id":              "smoke-text",
		"type":            "text_specialist",
		"specializations": []string{"text_analysis"},
		"metrics":         map[string]float64{"accuracy": 0.9, "speed": 0.9, "reliability": 0.9},
		"max_concurrent":  2,
	}, nil)
	if status != http.StatusCreated {
		t.Fatalf("register status = %d, want 201", status)
	}

	var rec map[string]interface{}
	status = postJSON(t, "/api/orchestrate", map[string]interface{}{
		"tasks": []map[string]interface{}{
			{"id": "smoke-t1", "type": "text_analysis", "input": map[string]interface{}{"q": "ping"}},
		},
	}, &rec)
	if status != http.StatusOK {
		t.Fatalf("orchestrate status = %d, want 200", status)
	}
	if rec["success"] != true {
		t.Errorf("orchestration record = %v, want success", rec)
	}
}

func TestCompileAndExecuteWorkflow(t *testing.T) {
	status := postJSON(t, "/api/workflows", map[string]interface{}{
		"id": "smoke-wf",
		"nodes": []map[string]interface{}{
			{"id": "start", "kind": "start"},
			{"id": "shape", "kind": "transform", "config": map[string]interface{}{
				"mappings": map[string]interface{}{"echo": "input.q"},
			}},
			{"id": "end", "kind": "end"},
		},
		"edges": []map[string]interface{}{
			{"from": "start", "to": "shape"},
			{"from": "shape", "to": "end"},
		},
	}, nil)
	if status != http.StatusCreated {
		t.Fatalf("compile status = %d, want 201", status)
	}

	var result map[string]interface{}
	status = postJSON(t, "/api/workflows/smoke-wf/execute", map[string]interface{}{
		"input": map[string]interface{}{"q": "hello"},
	}, &result)
	if status != http.StatusOK {
		t.Fatalf("execute status = %d, want 200", status)
	}
	if result["success"] != true {
		t.Errorf("result = %v, want success", result)
	}
}

func TestPlanReportsCycle(t *testing.T) {
	status := postJSON(t, "/api/plan", map[string]interface{}{
		"tasks": []map[string]interface{}{
			{"id": "a", "type": "text_analysis", "dependencies": []string{"b"}},
			{"id": "b", "type": "text_analysis", "dependencies": []string{"a"}},
		},
	}, nil)
	if status != http.StatusUnprocessableEntity {
		t.Errorf("cyclic plan status = %d, want 422", status)
	}
}
