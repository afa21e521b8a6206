// Command groundstation is the Mother Ship launcher: it runs the
// MissionLink accept loop, the TelemetryStream file server, and a stub
// observation HTTP endpoint as three parallel long-running tasks on a
// shared process (spec §5).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/groundcrew/missionlink/config"
	"github.com/groundcrew/missionlink/internal/groundstation"
	"github.com/groundcrew/missionlink/internal/mission"
	"github.com/groundcrew/missionlink/internal/missionlink"
	"github.com/groundcrew/missionlink/internal/netkernel"
	"github.com/groundcrew/missionlink/internal/telemetry"
)

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// loggingCollaborators is the default set of groundstation callbacks the
// launcher wires in: they log every event and otherwise do nothing, since
// the scheduling policy and persistence layer those callbacks would drive
// are out of scope here.
type loggingCollaborators struct {
	log *slog.Logger
}

func (c *loggingCollaborators) OnRegister(_ context.Context, agentID string) error {
	c.log.Info("rover registered", "agent_id", agentID)
	return nil
}

func (c *loggingCollaborators) OnMetrics(_ context.Context, agentID, missionID, taskSeq, iter string) error {
	c.log.Info("metrics alert", "agent_id", agentID, "mission_id", missionID, "task_seq", taskSeq, "iter", iter)
	return nil
}

func (c *loggingCollaborators) OnMissionRequest(_ context.Context, agentID string) (*mission.Mission, error) {
	c.log.Info("mission requested, none queued", "agent_id", agentID)
	return nil, nil
}

func (c *loggingCollaborators) OnProgress(_ context.Context, agentID string, payload []byte) error {
	c.log.Info("progress report", "agent_id", agentID, "bytes", len(payload))
	return nil
}

func (c *loggingCollaborators) OnTask(_ context.Context, agentID string, m *mission.Mission) error {
	c.log.Info("task delivered", "agent_id", agentID, "mission_id", m.MissionID, "warnings", m.Warnings)
	return nil
}

func run() error {
	configPath := "./config/example.yaml"
	if v := os.Getenv("GROUNDSTATION_CONFIG"); v != "" {
		configPath = v
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mlAddr, err := net.ResolveUDPAddr("udp", cfg.MLListenAddr)
	if err != nil {
		return fmt.Errorf("resolve ml listen addr: %w", err)
	}
	mlConn, err := net.ListenUDP("udp", mlAddr)
	if err != nil {
		return fmt.Errorf("listen udp %s: %w", cfg.MLListenAddr, err)
	}
	defer mlConn.Close()
	if err := netkernel.TuneUDP(mlConn, cfg.SocketTuning); err != nil && !errors.Is(err, netkernel.ErrUnsupported) {
		log.Warn("socket tuning failed for ml listener", "err", err)
	}

	tsLn, err := net.Listen("tcp", cfg.TSListenAddr)
	if err != nil {
		return fmt.Errorf("listen tcp %s: %w", cfg.TSListenAddr, err)
	}
	defer tsLn.Close()

	engine := missionlink.NewEngine(mlConn, cfg.MissionLinkConfig(), log.With("component", "missionlink"))
	defer engine.Close()

	station := groundstation.New(engine, log.With("component", "groundstation"))
	collab := &loggingCollaborators{log: log}
	station.Register = collab
	station.Metrics = collab
	station.MissionRequest = collab
	station.Progress = collab
	station.Task = collab

	tsServer := telemetry.NewServer(tsLn, cfg.StoreDir, cfg.BufferSize, log.With("component", "telemetry"))

	obsMux := http.NewServeMux()
	obsMux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		stats := station.Stats()
		fmt.Fprintf(w, "sessions_handled=%d sessions_aborted=%d sessions_failed=%d invalid_missions=%d\n",
			stats.SessionsHandled, stats.SessionsAborted, stats.SessionsFailed, stats.InvalidMissions)
	})
	obsServer := &http.Server{Addr: cfg.ObsAddr, Handler: obsMux}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return station.Run(gctx)
	})
	g.Go(func() error {
		errc := make(chan error, 1)
		go func() { errc <- tsServer.Serve() }()
		select {
		case <-gctx.Done():
			_ = tsLn.Close()
			<-errc
			return nil
		case err := <-errc:
			return err
		}
	})
	g.Go(func() error {
		errc := make(chan error, 1)
		go func() { errc <- obsServer.ListenAndServe() }()
		select {
		case <-gctx.Done():
			return obsServer.Close()
		case err := <-errc:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}
	})

	log.Info("groundstation listening", "ml_addr", cfg.MLListenAddr, "ts_addr", cfg.TSListenAddr, "obs_addr", cfg.ObsAddr)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "groundstation: %v\n", err)
		os.Exit(1)
	}
}
