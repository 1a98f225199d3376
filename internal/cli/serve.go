package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mconnect/mconnect/internal/arbiter"
	"github.com/mconnect/mconnect/internal/config"
	"github.com/mconnect/mconnect/internal/crypto"
	"github.com/mconnect/mconnect/internal/daemonize"
	"github.com/mconnect/mconnect/internal/database"
	"github.com/mconnect/mconnect/internal/guardrails"
	"github.com/mconnect/mconnect/internal/hub"
	"github.com/mconnect/mconnect/internal/ipc"
	"github.com/mconnect/mconnect/internal/logging"
	"github.com/mconnect/mconnect/internal/pairing"
	"github.com/mconnect/mconnect/internal/process"
	"github.com/mconnect/mconnect/internal/registry"
	"github.com/mconnect/mconnect/internal/scrollback"
	"github.com/mconnect/mconnect/internal/session"
)

// shutdownGrace bounds how long in-flight work may delay daemon exit.
const shutdownGrace = 5 * time.Second

// runServer is the daemon main loop: it owns every component and runs
// until SIGTERM, SIGINT, or an IPC shutdown request.
func runServer(cfg *config.Settings, foreground bool) error {
	var log *slog.Logger
	level := logging.ParseLevel(logLevel)
	if foreground {
		log = logging.NewConsole(level)
	} else {
		var err error
		log, err = logging.New(logging.Options{Level: level, File: cfg.LogFilePath()})
		if err != nil {
			return err
		}
	}

	pid := daemonize.NewPIDFile(cfg.PIDFilePath())
	if existing, err := pid.Alive(); err == nil {
		return fmt.Errorf("daemon already running (PID %d)", existing)
	}
	if err := pid.Write(os.Getpid()); err != nil {
		return err
	}
	defer pid.Remove()

	store, err := database.Open(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer store.Close()

	reg, err := registry.New(store, cfg.HeartbeatTimeout(), log)
	if err != nil {
		return err
	}

	sessCfg := session.Config{
		MaxConcurrentSessions: cfg.MaxConcurrentSessions,
		CleanupAfter:          cfg.CleanupAfter(),
		Scrollback: scrollback.Config{
			MemoryLines:    cfg.MemoryLines,
			MaxTotalLines:  cfg.MaxTotalLines,
			SpillBatchSize: cfg.SpillBatchSize,
		},
		RespawnOnRestore: cfg.RespawnOnRestore,
		Shell:            cfg.Shell,
	}
	var mgr *session.Manager
	procs := process.NewManager(cfg.Shell,
		func(id string, data []byte) { mgr.AppendOutput(id, data) },
		func(id string, err error) { mgr.HandleProcessExit(id, err) },
		log)
	mgr = session.NewManager(sessCfg, store, procs, reg, log)
	if err := mgr.Initialize(); err != nil {
		return err
	}

	cipher := crypto.New(store)
	tokens := pairing.NewTokenStore(store, cipher, log)
	if err := tokens.Load(); err != nil {
		return err
	}
	codes := pairing.NewManager()

	hubCfg := hub.Config{
		HeartbeatInterval: cfg.HeartbeatInterval(),
		HeartbeatTimeout:  cfg.HeartbeatTimeout(),
		ConnRateLimit:     cfg.ConnRateLimit,
		ConnRateWindow:    cfg.ConnRateWindow(),
		Arbiter:           arbiterConfig(cfg),
	}
	h := hub.New(hubCfg, mgr, reg, tokens, codes, store, defaultGuardrails(), log)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)

	ipcSrv := ipc.NewServer(cfg.IPCPath, cfg.Port, mgr, h, reg.Count, func() {
		select {
		case stop <- syscall.SIGTERM:
		default:
		}
	}, log)
	ipcSrv.SetPairFunc(func(sessionID string) string {
		token, err := tokens.Issue(sessionID)
		if err != nil {
			log.Error("issue session token", "session", sessionID, "error", err)
			return ""
		}
		code, err := codes.CreateCode(sessionID, token)
		if err != nil {
			log.Error("mint pairing code", "session", sessionID, "error", err)
			return ""
		}
		return code
	})
	if err := ipcSrv.Listen(); err != nil {
		return err
	}
	defer ipcSrv.Close()

	// All PTY output goes through one fan-out: scrollback has already
	// been appended by the session manager at this point.
	mgr.SetOutputFunc(func(sessionID string, data []byte) {
		h.BroadcastOutput(sessionID, data)
		ipcSrv.HandleOutput(sessionID, data)
	})
	mgr.SetStateChangeFunc(h.HandleSessionState)

	mgr.Start()
	h.Start()
	go ipcSrv.Serve()

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: h.Routes(),
	}
	httpErr := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	log.Info("daemon started",
		"pid", os.Getpid(),
		"port", cfg.Port,
		"ipc", cfg.IPCPath,
		"data", cfg.Home)

	select {
	case sig := <-stop:
		log.Info("shutting down", "signal", sig.String())
	case err := <-httpErr:
		log.Error("http server failed", "error", err)
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	httpSrv.Shutdown(ctx)
	h.Shutdown()
	mgr.Shutdown()
	log.Info("daemon stopped")
	return nil
}

func arbiterConfig(cfg *config.Settings) arbiter.Config {
	return arbiter.Config{
		PCIdleThreshold:   cfg.PCIdleThreshold(),
		MobileGracePeriod: cfg.MobileGracePeriod(),
		ExclusiveTimeout:  cfg.ExclusiveTimeout(),
		ConflictWindow:    time.Duration(cfg.ConflictWindowMs) * time.Millisecond,
		InputRateLimitCps: cfg.InputRateLimitCps,
	}
}

// defaultGuardrails blocks the obviously destructive and holds
// privilege escalation for an attached client's approval.
func defaultGuardrails() guardrails.Policy {
	return guardrails.NewRuleList([]guardrails.Rule{
		{Match: "rm -rf /", Blocked: true, Reason: "destructive command"},
		{Match: "mkfs", Blocked: true, Reason: "destructive command"},
		{Match: "sudo ", RequiresApproval: true, Reason: "privilege escalation"},
	})
}
