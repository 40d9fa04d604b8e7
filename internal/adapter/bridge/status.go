package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"clawdeck/internal/adapter/gateway"
	"clawdeck/internal/domain"
)

// StatusSnapshot is the combined view served by /api/status and pushed on
// the activity feed on a schedule, so dashboards stay fresh even when no
// state transition fires.
type StatusSnapshot struct {
	Gateway  domain.ConnStatus     `json:"gateway"`
	Sessions []gateway.SessionInfo `json:"sessions"`
	TakenAt  time.Time             `json:"taken_at"`
}

type statusRecorder struct {
	schedule string
	gw       GatewayClient
	exec     ExecService
	bus      domain.EventBus
	logger   *slog.Logger
	cron     *cron.Cron
}

func newStatusRecorder(schedule string, gw GatewayClient, exec ExecService, bus domain.EventBus, logger *slog.Logger) *statusRecorder {
	return &statusRecorder{
		schedule: schedule,
		gw:       gw,
		exec:     exec,
		bus:      bus,
		logger:   logger,
	}
}

func (r *statusRecorder) start() error {
	if r.schedule == "" {
		return nil
	}
	r.cron = cron.New()
	if _, err := r.cron.AddFunc(r.schedule, r.publish); err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

func (r *statusRecorder) stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// current returns a live snapshot. Reads are cheap, so this never serves
// stale cron output.
func (r *statusRecorder) current() StatusSnapshot {
	return r.take()
}

func (r *statusRecorder) take() StatusSnapshot {
	st := r.gw.Status()
	st.Sessions = r.exec.Count()
	return StatusSnapshot{
		Gateway:  st,
		Sessions: r.exec.Snapshot(),
		TakenAt:  time.Now(),
	}
}

// publish runs on the cron schedule and pushes the snapshot onto the feed.
func (r *statusRecorder) publish() {
	snap := r.take()
	payload, err := json.Marshal(snap)
	if err != nil {
		r.logger.Error("marshal status snapshot", "error", err)
		return
	}
	r.bus.Publish(context.Background(), domain.Event{
		Topic:     domain.TopicGatewayStatus,
		Timestamp: snap.TakenAt,
		Payload:   payload,
	})
}
