// Package notify turns per-cycle node snapshots into alerts: status
// transitions, reminders for nodes that stay down, fleet membership changes
// and a summary on the first cycle after start.
package notify

import (
	"context"
	"fmt"
	"html"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"fleetwatch/internal/format"
	"fleetwatch/internal/logging"
	"fleetwatch/internal/model"
	"fleetwatch/internal/observability"
)

// Store is the durable per-node status record.
type Store interface {
	Ping(ctx context.Context) error
	Status(ctx context.Context, node string) (string, bool, error)
	SetStatus(ctx context.Context, node, status string) error
	LastNotified(ctx context.Context, node string) (time.Time, bool, error)
	SetLastNotified(ctx context.Context, node string, at time.Time) error
	DownSince(ctx context.Context, node string) (time.Time, bool, error)
	MarkDown(ctx context.Context, node string, at time.Time) (bool, error)
	ClearDown(ctx context.Context, node string) error
	KnownNodes(ctx context.Context) (map[string]string, bool, error)
	SetKnownNodes(ctx context.Context, nodes map[string]string) error
	Forget(ctx context.Context, node string) error
}

// Sender delivers one preformatted (HTML) message.
type Sender interface {
	SendMessage(ctx context.Context, text string) error
}

const (
	KindDown     = "down"
	KindRecovery = "recovered"
	KindReminder = "reminder"
	KindAdded    = "added"
	KindRemoved  = "removed"
	KindSummary  = "summary"
)

// Tracker compares each snapshot with the persisted status records. It is
// driven by the poll loop only; HandleSnapshot is not meant to be called
// concurrently.
type Tracker struct {
	store    Store
	sender   Sender
	reminder time.Duration
	logger   logging.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	summarized atomic.Bool
}

type Option func(*Tracker)

func WithLogger(l logging.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTracker builds a tracker. A reminder interval of zero disables
// reminders. A nil store makes every call a no-op.
func NewTracker(store Store, sender Sender, reminder time.Duration, opts ...Option) *Tracker {
	t := &Tracker{
		store:    store,
		sender:   sender,
		reminder: reminder,
		logger:   logging.Noop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// HandleSnapshot runs the summary, membership, transition and reminder passes
// for one cycle. Store and delivery failures are logged; the returned error is
// always nil so the poll loop never depends on notifications.
func (t *Tracker) HandleSnapshot(ctx context.Context, at time.Time, nodes []model.NodeSnapshot) error {
	if t.store == nil {
		return nil
	}
	if err := t.store.Ping(ctx); err != nil {
		t.logger.Debug(ctx, "status store unavailable, skipping notifications", logging.Err(err))
		return nil
	}
	if at.IsZero() {
		at = t.now()
	}

	tracked := make([]model.NodeSnapshot, 0, len(nodes))
	for _, node := range nodes {
		if node.Key() != "" {
			tracked = append(tracked, node)
		}
	}

	if t.summarized.CompareAndSwap(false, true) {
		t.summary(ctx, at, tracked)
	}
	t.membership(ctx, tracked)
	for _, node := range tracked {
		t.transition(ctx, at, node)
	}
	t.reminders(ctx, at, tracked)
	return nil
}

func (t *Tracker) summary(ctx context.Context, at time.Time, nodes []model.NodeSnapshot) {
	var offline []model.NodeSnapshot
	for _, node := range nodes {
		if !node.Status.Connected() {
			offline = append(offline, node)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📡 <b>Monitoring started</b>\nNodes: %d, online: %d", len(nodes), len(nodes)-len(offline))
	if len(offline) > 0 {
		b.WriteString("\n\n<b>Offline:</b>")
		for _, node := range offline {
			fmt.Fprintf(&b, "\n• %s (%s)", html.EscapeString(node.DisplayName()), html.EscapeString(string(node.Status)))
		}
	}
	t.send(ctx, KindSummary, b.String())

	for _, node := range offline {
		t.setLastNotified(ctx, node.Key(), at)
	}
}

// membership alerts on nodes that joined or left the fleet. A fleet that was
// never stored is persisted silently.
func (t *Tracker) membership(ctx context.Context, nodes []model.NodeSnapshot) {
	current := make(map[string]string, len(nodes))
	for _, node := range nodes {
		current[node.Key()] = node.DisplayName()
	}

	known, ok, err := t.store.KnownNodes(ctx)
	if err != nil {
		t.logger.Warn(ctx, "read known nodes", logging.Err(err))
		return
	}
	if !ok {
		if len(current) > 0 {
			if err := t.store.SetKnownNodes(ctx, current); err != nil {
				t.logger.Warn(ctx, "store known nodes", logging.Err(err))
			}
		}
		return
	}

	var added, removed []string
	for key := range current {
		if _, seen := known[key]; !seen {
			added = append(added, key)
		}
	}
	for key := range known {
		if _, still := current[key]; !still {
			removed = append(removed, key)
		}
	}
	if len(added) == 0 && len(removed) == 0 {
		return
	}
	sort.Strings(added)
	sort.Strings(removed)

	if len(added) > 0 {
		t.send(ctx, KindAdded, listMessage("➕ <b>Nodes added:</b>", added, current))
	}
	if len(removed) > 0 {
		t.send(ctx, KindRemoved, listMessage("➖ <b>Nodes removed:</b>", removed, known))
		for _, key := range removed {
			if err := t.store.Forget(ctx, key); err != nil {
				t.logger.Warn(ctx, "forget removed node", logging.String("node", key), logging.Err(err))
			}
		}
	}

	if err := t.store.SetKnownNodes(ctx, current); err != nil {
		t.logger.Warn(ctx, "store known nodes", logging.Err(err))
	}
}

func listMessage(title string, keys []string, names map[string]string) string {
	var b strings.Builder
	b.WriteString(title)
	for _, key := range keys {
		name := names[key]
		if name == "" || name == key {
			fmt.Fprintf(&b, "\n• %s", html.EscapeString(key))
			continue
		}
		fmt.Fprintf(&b, "\n• %s (id %s)", html.EscapeString(name), html.EscapeString(key))
	}
	return b.String()
}

func (t *Tracker) transition(ctx context.Context, at time.Time, node model.NodeSnapshot) {
	key := node.Key()
	log := t.logger.With(logging.String("node", key))
	current := string(node.Status)
	up := node.Status.Connected()

	previous, seen, err := t.store.Status(ctx, key)
	if err != nil {
		log.Warn(ctx, "read node status", logging.Err(err))
		return
	}

	switch {
	case !seen:
		if !up {
			t.markDown(ctx, log, key, at)
		}
	case model.NodeStatus(previous).Connected() && !up:
		t.markDown(ctx, log, key, at)
		msg := fmt.Sprintf("⚠️ <b>Node down:</b> %s\nStatus: %s", html.EscapeString(node.DisplayName()), html.EscapeString(current))
		if node.Message != "" {
			msg += "\n" + html.EscapeString(node.Message)
		}
		t.send(ctx, KindDown, msg)
		t.setLastNotified(ctx, key, at)
	case !model.NodeStatus(previous).Connected() && up:
		msg := fmt.Sprintf("✅ <b>Node recovered:</b> %s", html.EscapeString(node.DisplayName()))
		since, ok, err := t.store.DownSince(ctx, key)
		if err != nil {
			log.Warn(ctx, "read down_since", logging.Err(err))
		}
		if ok {
			msg += "\nDowntime: " + format.Duration(at.Sub(since))
		}
		t.send(ctx, KindRecovery, msg)
		if err := t.store.ClearDown(ctx, key); err != nil {
			log.Warn(ctx, "clear down_since", logging.Err(err))
		}
	case !up:
		t.markDown(ctx, log, key, at)
	}

	if err := t.store.SetStatus(ctx, key, current); err != nil {
		log.Warn(ctx, "store node status", logging.Err(err))
	}
}

func (t *Tracker) markDown(ctx context.Context, log logging.Logger, key string, at time.Time) {
	if _, err := t.store.MarkDown(ctx, key, at); err != nil {
		log.Warn(ctx, "set down_since", logging.Err(err))
	}
}

// reminders batches every overdue offline node into a single message.
func (t *Tracker) reminders(ctx context.Context, at time.Time, nodes []model.NodeSnapshot) {
	if t.reminder <= 0 {
		return
	}

	type overdue struct {
		node  model.NodeSnapshot
		since time.Time
	}
	var due []overdue
	for _, node := range nodes {
		if node.Status.Connected() {
			continue
		}
		key := node.Key()
		last, ok, err := t.store.LastNotified(ctx, key)
		if err != nil {
			t.logger.Warn(ctx, "read last_notified", logging.String("node", key), logging.Err(err))
			continue
		}
		if ok && at.Sub(last) <= t.reminder {
			continue
		}
		since, _, err := t.store.DownSince(ctx, key)
		if err != nil {
			t.logger.Warn(ctx, "read down_since", logging.String("node", key), logging.Err(err))
		}
		due = append(due, overdue{node: node, since: since})
	}
	if len(due) == 0 {
		return
	}

	var b strings.Builder
	b.WriteString("⏰ <b>Still offline:</b>")
	for _, d := range due {
		fmt.Fprintf(&b, "\n• %s (%s)", html.EscapeString(d.node.DisplayName()), html.EscapeString(string(d.node.Status)))
		if !d.since.IsZero() {
			fmt.Fprintf(&b, " for %s", format.Duration(at.Sub(d.since)))
		}
	}
	t.send(ctx, KindReminder, b.String())

	for _, d := range due {
		t.setLastNotified(ctx, d.node.Key(), at)
	}
}

func (t *Tracker) setLastNotified(ctx context.Context, key string, at time.Time) {
	if err := t.store.SetLastNotified(ctx, key, at); err != nil {
		t.logger.Warn(ctx, "store last_notified", logging.String("node", key), logging.Err(err))
	}
}

func (t *Tracker) send(ctx context.Context, kind, text string) {
	if t.sender == nil {
		return
	}
	err := t.sender.SendMessage(ctx, text)
	t.metrics.ObserveAlert(kind, err)
	if err != nil {
		t.logger.Warn(ctx, "alert delivery failed", logging.String("kind", kind), logging.Err(err))
		return
	}
	t.logger.Info(ctx, "alert sent", logging.String("kind", kind))
}
