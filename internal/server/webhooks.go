package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"runline/internal/config"
	"runline/internal/domain"
	"runline/internal/eventstore"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// webhookDispatcher tails the global event log and delivers matching events
// to configured consumers. Each hook keeps its own cursor; a failed delivery
// stops that hook's cursor so no event is skipped.
type webhookDispatcher struct {
	store    *eventstore.Store
	webhooks []config.WebhookConfig
	client   *http.Client
	log      zerolog.Logger
	mu       sync.Mutex
	cursors  map[int]int64
}

func startWebhookDispatcher(cfg Config) {
	if cfg.AppConfig == nil || len(cfg.AppConfig.Webhooks) == 0 {
		return
	}
	d := &webhookDispatcher{
		store:    cfg.Store,
		webhooks: cfg.AppConfig.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		log:      cfg.Logger.With().Str("component", "webhooks").Logger(),
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
	events, err := d.store.EventsAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		d.log.Error().Err(err).Msg("fetch events failed")
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(string(evt.Type)) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.log.Error().Err(err).Str("url", hook.URL).Msg("delivery failed")
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

// cursorFor initializes a hook's cursor at the log head: consumers get events
// from dispatcher start, not the full history.
func (d *webhookDispatcher) cursorFor(idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.store.LatestEventID(context.Background())
	if err != nil {
		d.log.Error().Err(err).Msg("init cursor failed")
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
	ID        int64           `json:"id"`
	EventID   string          `json:"event_id"`
	RunID     string          `json:"run_id"`
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	ActorKind string          `json:"actor_kind"`
	ActorID   string          `json:"actor_id"`
	TS        string          `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
}

func (d *webhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage(`{}`)
	if len(evt.Payload) > 0 && json.Valid(evt.Payload) {
		payload = evt.Payload
	}
	body := webhookEvent{
		ID:        evt.ID,
		EventID:   evt.EventID,
		RunID:     evt.RunID,
		Seq:       evt.Seq,
		Type:      string(evt.Type),
		ActorKind: string(evt.ActorKind),
		ActorID:   evt.ActorID,
		TS:        time.UnixMilli(evt.TSMillis).UTC().Format(time.RFC3339),
		Payload:   payload,
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
	req.Header.Set("X-Runline-Event", string(evt.Type))
	req.Header.Set("X-Runline-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Runline-Run", evt.RunID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Runline-Secret", hook.Secret)
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

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
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
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
