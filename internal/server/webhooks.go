package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"stagegate/internal/config"
	"stagegate/internal/domain"
	"stagegate/internal/engine"
)

const (
	webhookPollInterval = 2 * time.Second
	webhookTimeout      = 5 * time.Second
	webhookBatchSize    = 100
)

// webhookDispatcher tails the audit trail and pushes new entries to the
// configured endpoints. Each hook keeps its own cursor so a slow or failing
// endpoint never loses events; delivery resumes from the last acknowledged ID.
type webhookDispatcher struct {
	engine  engine.Engine
	project string
	hooks   []config.WebhookConfig

	mu      sync.Mutex
	cursors map[int]int64
}

func startWebhookDispatcher(e engine.Engine) {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return
	}
	project := strings.TrimSpace(e.Config.Project.ID)
	if project == "" {
		return
	}
	d := &webhookDispatcher{
		engine:  e,
		project: project,
		hooks:   e.Config.Webhooks,
		cursors: make(map[int]int64),
	}
	go d.loop()
}

func (d *webhookDispatcher) loop() {
	ticker := time.NewTicker(webhookPollInterval)
	defer ticker.Stop()
	for {
		d.sweep()
		<-ticker.C
	}
}

func (d *webhookDispatcher) sweep() {
	for i, hook := range d.hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.drain(i, hook)
	}
}

// drain delivers pending entries for one hook, stopping at the first failure
// so order is preserved.
func (d *webhookDispatcher) drain(idx int, hook config.WebhookConfig) {
	ctx := context.Background()
	cursor := d.cursor(ctx, idx)
	entries, err := d.engine.Repo.EventsAfter(ctx, webhookBatchSize, cursor, d.project)
	if err != nil {
		log.Printf("webhook: fetch events: %v", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range entries {
		if filter.match(evt.Type) {
			if err := d.deliver(ctx, hook, evt); err != nil {
				log.Printf("webhook: deliver %d to %s: %v", evt.ID, hook.URL, err)
				return
			}
		}
		d.advance(idx, evt.ID)
	}
}

// cursor returns the hook's delivery position. New hooks start at the current
// head of the trail; history is not replayed.
func (d *webhookDispatcher) cursor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.engine.Repo.LatestEventID(ctx, d.project)
	if err != nil {
		log.Printf("webhook: init cursor: %v", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *webhookDispatcher) advance(idx int, id int64) {
	d.mu.Lock()
	d.cursors[idx] = id
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (d *webhookDispatcher) deliver(ctx context.Context, hook config.WebhookConfig, evt domain.AuditEntry) error {
	payload := json.RawMessage("{}")
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage(evt.Payload)
		} else {
			raw = evt.Payload
		}
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Stagegate-Event", evt.Type)
	req.Header.Set("X-Stagegate-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Stagegate-Project", d.project)
	if secret := strings.TrimSpace(hook.Secret); secret != "" {
		req.Header.Set("X-Stagegate-Signature", "sha256="+signBody(secret, data))
	}
	timeout := webhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := &http.Client{Timeout: timeout}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// eventFilter matches audit entry types. A hook with no event list receives
// everything; "paygate.*" style entries match a whole family.
type eventFilter struct {
	all      bool
	exact    map[string]struct{}
	prefixes []string
}

func newEventFilter(types []string) eventFilter {
	f := eventFilter{exact: make(map[string]struct{})}
	for _, t := range types {
		t = strings.TrimSpace(t)
		switch {
		case t == "":
		case strings.HasSuffix(t, ".*"):
			f.prefixes = append(f.prefixes, strings.TrimSuffix(t, "*"))
		default:
			f.exact[t] = struct{}{}
		}
	}
	if len(f.exact) == 0 && len(f.prefixes) == 0 {
		f.all = true
	}
	return f
}

func (f eventFilter) match(t string) bool {
	if f.all {
		return true
	}
	if _, ok := f.exact[t]; ok {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(t, p) {
			return true
		}
	}
	return false
}
