package webhooks

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

	"bountyline/internal/config"
	"bountyline/internal/domain"
	"bountyline/internal/logging"
	"bountyline/internal/metrics"
)

const (
	DefaultInterval = 2 * time.Second
	defaultTimeout  = 5 * time.Second
	defaultBatch    = 100
)

// Source is the part of the journal the dispatcher reads.
type Source interface {
	EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

// Dispatcher posts journal events to configured hooks. Each hook keeps its own
// cursor and stops at the first failed delivery until the next tick.
type Dispatcher struct {
	source   Source
	hooks    []config.WebhookConfig
	interval time.Duration
	client   *http.Client
	logger   zerolog.Logger

	mu      sync.Mutex
	cursors map[int]int64
}

func New(source Source, hooks []config.WebhookConfig, interval time.Duration, logger zerolog.Logger) *Dispatcher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Dispatcher{
		source:   source,
		hooks:    hooks,
		interval: interval,
		client:   &http.Client{Timeout: defaultTimeout},
		logger:   logging.Component(logger, "webhooks"),
		cursors:  make(map[int]int64),
	}
}

// Run dispatches until ctx is cancelled. Cursors start at the newest event so
// only events recorded after startup are delivered.
func (d *Dispatcher) Run(ctx context.Context) {
	if d.Init(ctx) == 0 {
		return
	}
	d.Loop(ctx)
}

// Init positions every active hook at the newest journal event and returns
// the number of active hooks.
func (d *Dispatcher) Init(ctx context.Context) int {
	active := 0
	for i, hook := range d.hooks {
		if hook.Active() {
			d.initCursor(ctx, i)
			active++
		}
	}
	return active
}

// Loop dispatches on every tick until ctx is cancelled.
func (d *Dispatcher) Loop(ctx context.Context) {
	d.logger.Info().Int("hooks", len(d.hooks)).Dur("interval", d.interval).Msg("webhook dispatcher started")
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.DispatchOnce(ctx)
		}
	}
}

// DispatchOnce delivers pending events to every active hook.
func (d *Dispatcher) DispatchOnce(ctx context.Context) {
	for i, hook := range d.hooks {
		if !hook.Active() {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		d.dispatch(ctx, i, hook)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursor(idx)
	events, err := d.source.EventsAfter(ctx, cursor, defaultBatch)
	if err != nil {
		d.logger.Warn().Err(err).Msg("fetch events failed")
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.post(ctx, hook, evt); err != nil {
			metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
			d.logger.Warn().Err(err).Str("url", hook.URL).Int64("event_id", evt.ID).Msg("delivery failed")
			return
		}
		metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
		d.setCursor(idx, evt.ID)
	}
}

func (d *Dispatcher) initCursor(ctx context.Context, idx int) {
	cur, err := d.source.LatestEventID(ctx)
	if err != nil {
		d.logger.Warn().Err(err).Msg("init cursor failed")
		cur = 0
	}
	d.setCursor(idx, cur)
}

func (d *Dispatcher) cursor(idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cursors[idx]
}

func (d *Dispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

// Delivery is the JSON body posted to a hook.
type Delivery struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entityKind"`
	EntityID   string          `json:"entityId"`
	ActorID    string          `json:"actorId,omitempty"`
	TS         time.Time       `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (d *Dispatcher) post(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(Delivery{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Bountyline-Event", evt.Type)
	req.Header.Set("X-Bountyline-Delivery", fmt.Sprintf("%d", evt.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Bountyline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter map[string]struct{}

// newEventFilter returns nil, which matches everything, for an empty list.
func newEventFilter(events []string) eventFilter {
	set := eventFilter{}
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

func (f eventFilter) match(evt string) bool {
	if f == nil {
		return true
	}
	_, ok := f[evt]
	return ok
}
