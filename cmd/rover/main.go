// Command rover is the rover-side launcher: it opens a MissionLink session
// to the Mother Ship, sends one inline message or file, and optionally
// pushes a file over TelemetryStream.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/groundcrew/missionlink/config"
	"github.com/groundcrew/missionlink/internal/missionlink"
	"github.com/groundcrew/missionlink/internal/telemetry"
	"github.com/groundcrew/missionlink/internal/wire"
)

func opFromFlag(s string) (byte, error) {
	switch strings.ToLower(s) {
	case "register", "r":
		return wire.OpRegister, nil
	case "task", "t":
		return wire.OpTask, nil
	case "metrics", "m":
		return wire.OpMetrics, nil
	case "request", "q":
		return wire.OpRequest, nil
	case "progress", "p":
		return wire.OpProgress, nil
	case "none", "n", "":
		return wire.OpNone, nil
	default:
		return 0, fmt.Errorf("unknown op %q (want register|task|metrics|request|progress|none)", s)
	}
}

func run() error {
	configPath := flag.String("config", "./config/example.yaml", "path to YAML configuration")
	peerAddr := flag.String("peer", "127.0.0.1:8080", "Mother Ship MissionLink address")
	agentID := flag.String("agent-id", "", "this rover's agent id, carried by the handshake")
	missionID := flag.String("mission-id", "", "mission id this send belongs to, carried by every packet after the handshake")
	op := flag.String("op", "none", "operation: register|task|metrics|request|progress|none")
	message := flag.String("message", "", "inline message payload to send")
	file := flag.String("file", "", "path to a file to send as the message payload")
	tsAddr := flag.String("ts-addr", "", "TelemetryStream address to also push -file to (optional)")
	flag.Parse()

	if *agentID == "" {
		return fmt.Errorf("-agent-id is required")
	}
	opByte, err := opFromFlag(*op)
	if err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	localConn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}
	defer localConn.Close()

	peer, err := net.ResolveUDPAddr("udp", *peerAddr)
	if err != nil {
		return fmt.Errorf("resolve peer addr: %w", err)
	}

	engine := missionlink.NewEngine(localConn, cfg.MissionLinkConfig(), log.With("component", "missionlink"))
	defer engine.Close()

	sess, err := engine.Open(ctx, peer, *agentID)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}

	var result missionlink.SendResult
	if *file != "" {
		f, err := os.Open(*file)
		if err != nil {
			return fmt.Errorf("open %s: %w", *file, err)
		}
		defer f.Close()
		result, err = sess.SendFile(ctx, opByte, *missionID, *file, f)
		if err != nil {
			return fmt.Errorf("send file: %w", err)
		}
	} else {
		result, err = sess.SendMessage(ctx, opByte, *missionID, []byte(*message))
		if err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	if result.Aborted {
		log.Warn("missionlink send aborted: peer stopped responding", "attempts", result.Attempts)
	} else {
		log.Info("missionlink send complete", "attempts", result.Attempts)
	}

	if *tsAddr != "" && *file != "" {
		client := telemetry.NewClient(*tsAddr, cfg.BufferSize)
		if err := client.SendFilePath(*file, telemetry.TerminalProgress{}); err != nil {
			return fmt.Errorf("telemetry push: %w", err)
		}
		log.Info("telemetry push complete", "file", *file, "addr", *tsAddr)
	}

	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rover: %v\n", err)
		os.Exit(1)
	}
}
