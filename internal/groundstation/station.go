// Package groundstation wires a MissionLink Engine up to the external
// collaborators spec §3 item 8 calls "external collaborator shims": agent
// metric collection, mission scheduling policy, and whatever else sits
// above the transport. The core only exposes the callback/contract surface
// those collaborators implement; their internal behavior is out of scope
// here, same as the persistence and HTTP observation layers they'd
// typically back.
package groundstation

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/rs/xid"

	"github.com/groundcrew/missionlink/internal/mission"
	"github.com/groundcrew/missionlink/internal/missionlink"
	"github.com/groundcrew/missionlink/internal/wire"
)

// RegisterCallback is invoked when a rover announces itself (op R).
type RegisterCallback interface {
	OnRegister(ctx context.Context, agentID string) error
}

// MetricsCallback is invoked when a rover reports a metrics alert (op M).
// The three identifiers are parsed from the metrics filename grammar by
// mission.ParseMetricsFilename.
type MetricsCallback interface {
	OnMetrics(ctx context.Context, agentID, missionID, taskSeq, iter string) error
}

// MissionRequestCallback is invoked when a rover asks for work (op Q).
// Station only logs an error from it; the returned Mission is discarded and
// no session is opened back to the rover.
type MissionRequestCallback interface {
	OnMissionRequest(ctx context.Context, agentID string) (*mission.Mission, error)
}

// ProgressCallback is invoked when a rover reports task progress (op P).
type ProgressCallback interface {
	OnProgress(ctx context.Context, agentID string, payload []byte) error
}

// TaskCallback is invoked when a rover (or test harness) delivers a
// validated Task payload (op T).
type TaskCallback interface {
	OnTask(ctx context.Context, agentID string, m *mission.Mission) error
}

// Stats is a point-in-time snapshot of session counters, the seam the
// out-of-scope observation HTTP endpoint would poll.
type Stats struct {
	SessionsHandled int64
	SessionsAborted int64
	SessionsFailed  int64
	InvalidMissions int64
}

// Station accepts MissionLink sessions and dispatches each delivered
// Message to whichever collaborator callback matches its op code.
type Station struct {
	Engine *missionlink.Engine
	Log    *slog.Logger

	Register       RegisterCallback
	Metrics        MetricsCallback
	MissionRequest MissionRequestCallback
	Progress       ProgressCallback
	Task           TaskCallback

	sessionsHandled atomic.Int64
	sessionsAborted atomic.Int64
	sessionsFailed  atomic.Int64
	invalidMissions atomic.Int64
}

// New returns a Station ready to Run. Any callback left nil is simply
// skipped for its op code.
func New(engine *missionlink.Engine, log *slog.Logger) *Station {
	if log == nil {
		log = slog.Default()
	}
	return &Station{Engine: engine, Log: log}
}

// Run accepts sessions until ctx is canceled or the Engine is closed,
// handling each one in its own goroutine so a slow or stuck rover never
// blocks acceptance of the next.
func (st *Station) Run(ctx context.Context) error {
	for {
		sess, err := st.Engine.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			st.Log.Warn("groundstation: accept failed", "err", err)
			continue
		}
		go st.handleSession(ctx, sess)
	}
}

// Stats returns the current session counters.
func (st *Station) Stats() Stats {
	return Stats{
		SessionsHandled: st.sessionsHandled.Load(),
		SessionsAborted: st.sessionsAborted.Load(),
		SessionsFailed:  st.sessionsFailed.Load(),
		InvalidMissions: st.invalidMissions.Load(),
	}
}

func (st *Station) handleSession(ctx context.Context, sess *missionlink.Session) {
	corrID := xid.New().String()
	log := st.Log.With("correlation_id", corrID, "peer", sess.Peer().String(), "agent_id", sess.AgentID())

	msg, err := sess.Recv(ctx)
	var aborted *missionlink.TransferAbortedError
	switch {
	case errors.As(err, &aborted):
		st.sessionsAborted.Add(1)
		log.Warn("groundstation: session aborted mid-transfer", "err", err)
	case err != nil:
		st.sessionsFailed.Add(1)
		log.Error("groundstation: recv failed", "err", err)
		return
	default:
		st.sessionsHandled.Add(1)
	}

	st.dispatch(ctx, log, sess.AgentID(), msg)
}

// dispatch routes msg to whichever collaborator callback matches its op
// code. It takes agentID directly rather than a *Session so it can run
// against synthetic messages (tests, replay) without a live session.
func (st *Station) dispatch(ctx context.Context, log *slog.Logger, agentID string, msg *missionlink.Message) {
	switch msg.Op {
	case wire.OpRegister:
		if st.Register == nil {
			return
		}
		if err := st.Register.OnRegister(ctx, agentID); err != nil {
			log.Error("groundstation: OnRegister failed", "err", err)
		}

	case wire.OpTask:
		m, verr := mission.Validate(msg.Payload)
		if verr != nil {
			st.invalidMissions.Add(1)
			log.Warn("groundstation: invalid mission payload", "err", verr)
			return
		}
		for _, w := range m.Warnings {
			log.Warn("groundstation: mission warning", "warning", w)
		}
		if st.Task != nil {
			if err := st.Task.OnTask(ctx, agentID, m); err != nil {
				log.Error("groundstation: OnTask failed", "err", err)
			}
		}

	case wire.OpMetrics:
		missionID, taskSeq, iter, perr := mission.ParseMetricsFilename(msg.Filename)
		if perr != nil {
			log.Warn("groundstation: malformed metrics filename", "filename", msg.Filename, "err", perr)
			return
		}
		if st.Metrics != nil {
			if err := st.Metrics.OnMetrics(ctx, agentID, missionID, taskSeq, iter); err != nil {
				log.Error("groundstation: OnMetrics failed", "err", err)
			}
		}

	case wire.OpRequest:
		if st.MissionRequest == nil {
			return
		}
		if _, err := st.MissionRequest.OnMissionRequest(ctx, agentID); err != nil {
			log.Error("groundstation: OnMissionRequest failed", "err", err)
		}

	case wire.OpProgress:
		if st.Progress == nil {
			return
		}
		if err := st.Progress.OnProgress(ctx, agentID, msg.Payload); err != nil {
			log.Error("groundstation: OnProgress failed", "err", err)
		}

	default:
		log.Debug("groundstation: message with no dispatchable op", "op", string(msg.Op))
	}
}
