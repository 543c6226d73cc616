package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"taskforge/internal/config"
	"taskforge/internal/domain"
	"taskforge/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// webhookDispatcher tails the project message log and forwards entries to
// configured endpoints. Each hook keeps its own cursor so a slow endpoint
// does not stall the others.
type webhookDispatcher struct {
	engine   engine.Engine
	project  string
	webhooks []config.WebhookConfig
	client   *http.Client
	mu       sync.Mutex
	cursors  map[int]int64
}

func startWebhookDispatcher(e engine.Engine) {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return
	}
	projectID := e.Config.Project.ID
	if strings.TrimSpace(projectID) == "" {
		return
	}
	d := &webhookDispatcher{
		engine:   e,
		project:  projectID,
		webhooks: e.Config.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		cursors:  make(map[int]int64),
	}
	go d.run()
}

func (d *webhookDispatcher) run() {
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll()
		<-ticker.C
	}
}

func (d *webhookDispatcher) dispatchAll() {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(idx int, hook config.WebhookConfig) {
	ctx := context.Background()
	cursor := d.cursorFor(idx)
	msgs, err := d.engine.Repo.MessagesAfter(ctx, d.project, cursor, defaultWebhookBatch)
	if err != nil {
		log.Printf("webhook: fetch messages failed: %v", err)
		return
	}
	if len(msgs) == 0 {
		return
	}
	filter := newActionFilter(hook.Events)
	for _, msg := range msgs {
		action := auditAction(msg)
		if !filter.match(action) {
			d.setCursor(idx, msg.ID)
			continue
		}
		if err := d.postMessage(ctx, hook, msg, action); err != nil {
			log.Printf("webhook: deliver to %s failed: %v", hook.URL, err)
			return
		}
		d.setCursor(idx, msg.ID)
	}
}

// cursorFor starts new hooks at the current tail so enabling a webhook does
// not replay the whole project history.
func (d *webhookDispatcher) cursorFor(idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.engine.Repo.LatestMessageID(context.Background(), d.project)
	if err != nil {
		log.Printf("webhook: init cursor failed: %v", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID          int64           `json:"id"`
	Action      string          `json:"action,omitempty"`
	Role        string          `json:"role"`
	Type        string          `json:"type"`
	ProjectID   string          `json:"project_id"`
	MilestoneID string          `json:"milestone_id,omitempty"`
	TaskID      string          `json:"task_id,omitempty"`
	Content     string          `json:"content"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   string          `json:"created_at"`
}

// auditAction extracts the action recorded in an audit row's metadata.
// Non-audit rows fall back to their message type ("text" and friends).
func auditAction(m domain.Message) string {
	if m.MetadataJSON != "" {
		var meta struct {
			Action string `json:"action"`
		}
		if err := json.Unmarshal([]byte(m.MetadataJSON), &meta); err == nil && meta.Action != "" {
			return meta.Action
		}
	}
	return m.Type
}

func (d *webhookDispatcher) postMessage(ctx context.Context, hook config.WebhookConfig, msg domain.Message, action string) error {
	body := webhookEvent{
		ID:        msg.ID,
		Action:    action,
		Role:      msg.Role,
		Type:      msg.Type,
		ProjectID: d.project,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	}
	if msg.MilestoneID != nil {
		body.MilestoneID = *msg.MilestoneID
	}
	if msg.TaskID != nil {
		body.TaskID = *msg.TaskID
	}
	if msg.MetadataJSON != "" && json.Valid([]byte(msg.MetadataJSON)) {
		body.Metadata = json.RawMessage(msg.MetadataJSON)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Taskforge-Event", action)
	req.Header.Set("X-Taskforge-Delivery", fmt.Sprintf("%d", msg.ID))
	req.Header.Set("X-Taskforge-Project", d.project)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Taskforge-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type actionFilter struct {
	all bool
	set map[string]struct{}
}

func newActionFilter(events []string) actionFilter {
	if len(events) == 0 {
		return actionFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return actionFilter{all: true}
	}
	return actionFilter{set: set}
}

func (f actionFilter) match(action string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[action]
	return ok
}
