package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"taskforge/internal/config"
	"taskforge/internal/db"
	"taskforge/internal/engine"
	"taskforge/internal/llm"
	"taskforge/internal/migrate"
)

type testServer struct {
	URL       string
	ProjectID string
	client    *http.Client
	close     func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("seed")
	e := engine.New(conn, cfg)
	p, err := e.CreateProject(context.Background(), "demo", "")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	handler, err := New(Config{Engine: e, Client: llm.NewScripted("The task completed successfully.")})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:       "http://" + ln.Addr().String(),
		ProjectID: p.ID,
		client:    &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decodeInto(t *testing.T, data []byte, out any) {
	t.Helper()
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func (s *testServer) createMilestone(t *testing.T, title string) MilestoneResponse {
	t.Helper()
	res, data := doJSON(t, s.client, http.MethodPost, s.URL+"/v1/projects/"+s.ProjectID+"/milestones", map[string]any{
		"title": title,
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create milestone status %d: %s", res.StatusCode, string(data))
	}
	var ms MilestoneResponse
	decodeInto(t, data, &ms)
	return ms
}

func (s *testServer) createTask(t *testing.T, milestoneID, title string) TaskResponse {
	t.Helper()
	res, data := doJSON(t, s.client, http.MethodPost, s.URL+"/v1/projects/"+s.ProjectID+"/tasks", map[string]any{
		"milestone_id": milestoneID,
		"title":        title,
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	var task TaskResponse
	decodeInto(t, data, &task)
	return task
}

func (s *testServer) setStatus(t *testing.T, taskID, status string) (*http.Response, []byte) {
	t.Helper()
	return doJSON(t, s.client, http.MethodPost, s.URL+"/v1/projects/"+s.ProjectID+"/tasks/"+taskID+"/status", map[string]any{
		"status": status,
	})
}

func TestProjectMilestoneTaskFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	ms := srv.createMilestone(t, "phase one")
	task := srv.createTask(t, ms.ID, "write the parser")

	res, data := srv.setStatus(t, task.ID, "in_progress")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status update %d: %s", res.StatusCode, string(data))
	}
	res, data = srv.setStatus(t, task.ID, "completed")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status update %d: %s", res.StatusCode, string(data))
	}
	var done TaskResponse
	decodeInto(t, data, &done)
	if done.Status != "completed" {
		t.Fatalf("expected completed, got %s", done.Status)
	}
	if done.CompletedAt == nil {
		t.Fatal("expected completed_at to be stamped")
	}

	// the only task is done, so the milestone derives to completed
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects/"+srv.ProjectID+"/milestones/"+ms.ID, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get milestone %d: %s", res.StatusCode, string(data))
	}
	var fetched MilestoneResponse
	decodeInto(t, data, &fetched)
	if fetched.Status != "completed" {
		t.Fatalf("expected milestone completed, got %s", fetched.Status)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects/"+srv.ProjectID+"/report", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("report %d: %s", res.StatusCode, string(data))
	}
	var rep ProjectReportResponse
	decodeInto(t, data, &rep)
	if rep.OverallProgress != 100 {
		t.Fatalf("expected overall progress 100, got %v", rep.OverallProgress)
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	ms := srv.createMilestone(t, "phase")
	task := srv.createTask(t, ms.ID, "only forward")

	// pending -> completed skips in_progress
	res, data := srv.setStatus(t, task.ID, "completed")
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	var env errorEnvelope
	decodeInto(t, data, &env)
	if env.Error.Code != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %q", env.Error.Code)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects/"+srv.ProjectID+"/tasks/no-such-task", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	decodeInto(t, data, &env)
	if env.Error.Code != "not_found" {
		t.Fatalf("expected not_found, got %q", env.Error.Code)
	}
}

func TestDependencyCycleRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	ms := srv.createMilestone(t, "graph")
	a := srv.createTask(t, ms.ID, "a")
	b := srv.createTask(t, ms.ID, "b")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects/"+srv.ProjectID+"/tasks/"+a.ID+"/dependencies", map[string]any{
		"depends_on": b.ID,
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add dependency %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects/"+srv.ProjectID+"/tasks/"+b.ID+"/dependencies", map[string]any{
		"depends_on": a.ID,
	})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	var env errorEnvelope
	decodeInto(t, data, &env)
	if env.Error.Code != "circular_dependency" {
		t.Fatalf("expected circular_dependency, got %q", env.Error.Code)
	}

	// gate reads closed while the dependency is open
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects/"+srv.ProjectID+"/tasks/"+a.ID+"/can-start", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("can-start %d: %s", res.StatusCode, string(data))
	}
	var gate CanStartResponse
	decodeInto(t, data, &gate)
	if gate.CanStart {
		t.Fatal("expected can_start=false with open dependency")
	}

	res, data = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v1/projects/"+srv.ProjectID+"/tasks/"+a.ID+"/dependencies/"+b.ID, nil)
	if res.StatusCode >= 300 {
		t.Fatalf("remove dependency %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects/"+srv.ProjectID+"/tasks/"+a.ID+"/can-start", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("can-start %d: %s", res.StatusCode, string(data))
	}
	decodeInto(t, data, &gate)
	if !gate.CanStart {
		t.Fatal("expected can_start=true after removing dependency")
	}
}

func TestTaskListPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	ms := srv.createMilestone(t, "bulk")
	for _, title := range []string{"one", "two", "three"} {
		srv.createTask(t, ms.ID, title)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects/"+srv.ProjectID+"/tasks?limit=2", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list %d: %s", res.StatusCode, string(data))
	}
	var page paginatedTasks
	decodeInto(t, data, &page)
	if len(page.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(page.Items))
	}
	if page.NextCursor == "" {
		t.Fatal("expected next_cursor on first page")
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects/"+srv.ProjectID+"/tasks?limit=2&cursor="+page.NextCursor, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second page %d: %s", res.StatusCode, string(data))
	}
	var second paginatedTasks
	decodeInto(t, data, &second)
	if len(second.Items) != 1 {
		t.Fatalf("expected 1 item on second page, got %d", len(second.Items))
	}
	if second.NextCursor != "" {
		t.Fatalf("expected empty cursor on last page, got %q", second.NextCursor)
	}
}

func TestAgentLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	ms := srv.createMilestone(t, "ops")
	task := srv.createTask(t, ms.ID, "tend the queue")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/agents", map[string]any{"role": "worker"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("initialize agent %d: %s", res.StatusCode, string(data))
	}
	var a AgentResponse
	decodeInto(t, data, &a)
	if a.State != "available" {
		t.Fatalf("expected available, got %s", a.State)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects/"+srv.ProjectID+"/tasks/"+task.ID+"/assign", map[string]any{
		"agent_id": a.ID,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign %d: %s", res.StatusCode, string(data))
	}
	var assigned TaskResponse
	decodeInto(t, data, &assigned)
	if assigned.Status != "in_progress" {
		t.Fatalf("expected in_progress, got %s", assigned.Status)
	}
	if assigned.AssignedAgentID == nil || *assigned.AssignedAgentID != a.ID {
		t.Fatalf("expected assignment to %s, got %v", a.ID, assigned.AssignedAgentID)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/agents/"+a.ID, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get agent %d: %s", res.StatusCode, string(data))
	}
	var busy AgentResponse
	decodeInto(t, data, &busy)
	if busy.State != "processing" {
		t.Fatalf("expected processing, got %s", busy.State)
	}
	if busy.TaskID != task.ID {
		t.Fatalf("expected task %s, got %s", task.ID, busy.TaskID)
	}
}

func TestDispatchRunsTaskToCompletion(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	ms := srv.createMilestone(t, "delivery")
	task := srv.createTask(t, ms.ID, "summarize the report")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects/"+srv.ProjectID+"/tasks/"+task.ID+"/dispatch", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dispatch %d: %s", res.StatusCode, string(data))
	}
	var out DispatchResponse
	decodeInto(t, data, &out)
	if !out.Completed {
		t.Fatalf("expected completion, got %+v", out)
	}
	if out.Attempts != 1 {
		t.Fatalf("expected one attempt, got %d", out.Attempts)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects/"+srv.ProjectID+"/tasks/"+task.ID, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get task %d: %s", res.StatusCode, string(data))
	}
	var done TaskResponse
	decodeInto(t, data, &done)
	if done.Status != "completed" {
		t.Fatalf("expected completed, got %s", done.Status)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects/"+srv.ProjectID+"/tasks/"+task.ID+"/metrics", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics %d: %s", res.StatusCode, string(data))
	}
	// engagement metric plus the single attempt's row
	var metrics []MetricResponse
	decodeInto(t, data, &metrics)
	if len(metrics) != 2 {
		t.Fatalf("expected two metrics, got %d", len(metrics))
	}
	if metrics[0].Status != "completed" || metrics[1].Status != "completed" {
		t.Fatalf("expected completed metrics, got %s / %s", metrics[0].Status, metrics[1].Status)
	}
	if metrics[0].SuccessRate != 100 {
		t.Fatalf("expected success rate 100, got %v", metrics[0].SuccessRate)
	}
}

func TestMessagesRecordAuditTrail(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	ms := srv.createMilestone(t, "audited")
	task := srv.createTask(t, ms.ID, "traced work")
	if res, data := srv.setStatus(t, task.ID, "in_progress"); res.StatusCode != http.StatusOK {
		t.Fatalf("status update %d: %s", res.StatusCode, string(data))
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects/"+srv.ProjectID+"/messages?task_id="+task.ID, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("messages %d: %s", res.StatusCode, string(data))
	}
	var page paginatedMessages
	decodeInto(t, data, &page)
	if len(page.Items) < 2 {
		t.Fatalf("expected creation and transition audit messages, got %d", len(page.Items))
	}
	for _, m := range page.Items {
		if m.Role != "system" || m.Type != "audit" {
			t.Fatalf("unexpected message %+v", m)
		}
	}
}
