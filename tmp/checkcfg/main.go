package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"

	"taskforge/internal/config"
	"taskforge/internal/db"
	"taskforge/internal/engine"
	"taskforge/internal/llm"
	"taskforge/internal/migrate"
	"taskforge/internal/server"
)

// Manual smoke check: boots the API in-process, creates a project with a
// milestone and a task, dispatches the task against the scripted client, and
// prints the resulting report.
func main() {
	workspace := "/tmp/taskforge-check"
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		panic(err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		panic(err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		panic(err)
	}
	ctx := context.Background()
	cfg := config.Default("")
	e := engine.New(conn, cfg)
	p, err := e.CreateProject(ctx, "smoke", "smoke check project")
	if err != nil {
		panic(err)
	}
	h, err := server.New(server.Config{
		Engine: e,
		Client: llm.NewScripted("The task completed successfully."),
	})
	if err != nil {
		panic(err)
	}
	ts := httptest.NewServer(h)
	defer ts.Close()

	base := ts.URL + "/v1/projects/" + p.ID
	var ms struct {
		ID string `json:"id"`
	}
	post(base+"/milestones", map[string]any{"title": "Smoke"}, &ms)
	var task struct {
		ID string `json:"id"`
	}
	post(base+"/tasks", map[string]any{"milestone_id": ms.ID, "title": "Say hello"}, &task)
	var result any
	post(base+"/tasks/"+task.ID+"/dispatch", nil, &result)
	fmt.Printf("dispatch=%v\n", result)
	res, err := http.Get(base + "/report")
	if err != nil {
		panic(err)
	}
	defer res.Body.Close()
	var report any
	_ = json.NewDecoder(res.Body).Decode(&report)
	fmt.Printf("report status=%d %v\n", res.StatusCode, report)
}

func post(url string, body any, out any) {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	res, err := http.Post(url, "application/json", &buf)
	if err != nil {
		panic(err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		var raw any
		_ = json.NewDecoder(res.Body).Decode(&raw)
		panic(fmt.Sprintf("POST %s: status=%d resp=%v", url, res.StatusCode, raw))
	}
	if out != nil {
		_ = json.NewDecoder(res.Body).Decode(out)
	}
}
