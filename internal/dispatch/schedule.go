package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/weftwork/weft/internal/store"
	"github.com/weftwork/weft/pkg/schema"
)

// scheduleParams is the parameter shape of a schedule trigger node.
type scheduleParams struct {
	Cron string `json:"cron"`
}

type scheduleEntry struct {
	tenantID  string
	versionID string
	nodeID    string
	expr      string
	schedule  cron.Schedule
	next      time.Time
}

// ScheduleSource fires schedule triggers of registered versions on their cron
// cadence. Fires are funneled through the dispatcher with a per-tick dedup
// key, so a tick delivered twice (restart, overlapping sweep) collapses to
// one run.
type ScheduleSource struct {
	dispatcher *Dispatcher
	parser     cron.Parser
	logger     *slog.Logger
	interval   time.Duration
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]*scheduleEntry
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewScheduleSource creates a stopped ScheduleSource with a 60s sweep.
func NewScheduleSource(d *Dispatcher, logger *slog.Logger) *ScheduleSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScheduleSource{
		dispatcher: d,
		parser:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:     logger.With("component", "schedule"),
		interval:   60 * time.Second,
		now:        time.Now,
		entries:    make(map[string]*scheduleEntry),
	}
}

// RegisterVersion adds every enabled schedule trigger of the version and
// returns how many were registered. A version with no schedule triggers is a
// no-op.
func (s *ScheduleSource) RegisterVersion(rec *store.VersionRecord) (int, error) {
	registered := 0
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range rec.Definition.Nodes {
		node := &rec.Definition.Nodes[i]
		if node.Type != schema.NodeTypeScheduleTrigger || node.Settings.Disabled {
			continue
		}
		var params scheduleParams
		if err := json.Unmarshal(node.Parameters, &params); err != nil || params.Cron == "" {
			return registered, schema.NewErrorf(schema.ErrCodeValidation,
				"schedule trigger %q has no cron expression", node.ID).WithNode(node.ID)
		}
		schedule, err := s.parser.Parse(params.Cron)
		if err != nil {
			return registered, schema.NewErrorf(schema.ErrCodeValidation,
				"schedule trigger %q: bad cron expression %q", node.ID, params.Cron).
				WithNode(node.ID).WithCause(err)
		}
		s.entries[entryKey(rec.TenantID, rec.ID, node.ID)] = &scheduleEntry{
			tenantID:  rec.TenantID,
			versionID: rec.ID,
			nodeID:    node.ID,
			expr:      params.Cron,
			schedule:  schedule,
			next:      schedule.Next(now),
		}
		registered++
	}
	return registered, nil
}

// Restore registers the schedule triggers of every stored version. Called at
// daemon start so published schedules survive a restart. A version that fails
// to register is logged and skipped; one bad definition must not keep the
// rest from firing.
func (s *ScheduleSource) Restore(ctx context.Context, st store.Store) (int, error) {
	recs, err := st.ListAllVersions(ctx)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeStore, "list versions: %s", err.Error()).WithCause(err)
	}
	total := 0
	for _, rec := range recs {
		n, err := s.RegisterVersion(rec)
		total += n
		if err != nil {
			s.logger.Warn("schedule restore skipped version",
				"tenant_id", rec.TenantID, "version_id", rec.ID, "error", err)
		}
	}
	return total, nil
}

// UnregisterVersion drops all schedule triggers of a version.
func (s *ScheduleSource) UnregisterVersion(tenantID, versionID string) {
	prefix := tenantID + "|" + versionID + "|"
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.entries {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(s.entries, key)
		}
	}
}

// Len reports how many schedule triggers are registered.
func (s *ScheduleSource) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Start launches the sweep loop.
func (s *ScheduleSource) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return schema.NewError(schema.ErrCodeConflict, "schedule source already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("schedule source started")
	return nil
}

func (s *ScheduleSource) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every entry whose next time has passed. Missed ticks (daemon
// down, slow sweep) fire once for the oldest missed time; the dedup key keeps
// a rerun of the same tick from double-firing.
func (s *ScheduleSource) tick(ctx context.Context) {
	now := s.now().UTC()

	s.mu.Lock()
	var due []*scheduleEntry
	for _, entry := range s.entries {
		if !entry.next.After(now) {
			due = append(due, entry)
		}
	}
	s.mu.Unlock()

	for _, entry := range due {
		s.fire(ctx, entry, entry.next)

		s.mu.Lock()
		entry.next = entry.schedule.Next(now)
		s.mu.Unlock()
	}
}

func (s *ScheduleSource) fire(ctx context.Context, entry *scheduleEntry, tick time.Time) {
	input, _ := json.Marshal([]map[string]string{
		{"scheduled_for": tick.Format(time.RFC3339)},
	})
	_, deduped, err := s.dispatcher.EnqueueRun(ctx, EnqueueRequest{
		TenantID:      entry.tenantID,
		VersionID:     entry.versionID,
		TriggerNodeID: entry.nodeID,
		Input:         input,
		DedupKey:      tickDedupKey(entry, tick),
		RequestedBy:   "scheduler",
	})
	switch {
	case err != nil:
		s.logger.Error("scheduled fire failed",
			"tenant_id", entry.tenantID, "version_id", entry.versionID,
			"node_id", entry.nodeID, "error", err)
	case deduped:
		s.logger.Debug("scheduled fire deduplicated",
			"tenant_id", entry.tenantID, "node_id", entry.nodeID, "tick", tick)
	}
}

// Stop halts the sweep loop and waits for it to exit.
func (s *ScheduleSource) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("schedule source stopped")
}

func entryKey(tenantID, versionID, nodeID string) string {
	return tenantID + "|" + versionID + "|" + nodeID
}

func tickDedupKey(entry *scheduleEntry, tick time.Time) string {
	return fmt.Sprintf("%s|%s|%s|%d", entry.tenantID, entry.versionID, entry.nodeID, tick.Unix())
}
