package main

import (
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"cvpn/internal/application"
	"cvpn/internal/config"
	"cvpn/internal/crypto"
	"cvpn/internal/domain"
	"cvpn/internal/infrastructure/resolver"
	"cvpn/pkg/logger"
)

const statusInterval = 30 * time.Second

func main() {
	configPath := "config.json"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		os.Stderr.WriteString("cvpn: " + err.Error() + "\n")
		os.Exit(1)
	}

	log, err := logger.Setup(cfg.Logging.Level, cfg.Logging.File, cfg.Logging.Format)
	if err != nil {
		os.Stderr.WriteString("cvpn: " + err.Error() + "\n")
		os.Exit(1)
	}

	role, err := cfg.Role()
	if err != nil {
		log.Error("Bad configuration", "error", err)
		os.Exit(1)
	}

	cipher := crypto.Load(cfg.Encryption.LibraryPath, cfg.Encryption.Algorithm,
		[]byte(cfg.Encryption.Key), byte(cfg.Tunnel.XORKey), log)

	var (
		local  *application.LocalServer
		remote *application.RemoteServer
	)

	if role == domain.RoleBoth || role == domain.RoleRemote {
		remote, err = application.NewRemoteServer(cfg, cipher, resolver.New(), log)
		if err != nil {
			log.Error("Remote endpoint startup failed", "error", err)
			os.Exit(1)
		}
	}
	if role == domain.RoleBoth || role == domain.RoleLocal {
		local, err = application.NewLocalServer(cfg, cipher, log)
		if err != nil {
			log.Error("Local endpoint startup failed", "error", err)
			os.Exit(1)
		}
	}

	// The handler itself only flips the flag; acceptor loops observe
	// it within one tick and unwind.
	var shutdown atomic.Bool
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Info("Signal received, shutting down", "signal", sig.String())
		shutdown.Store(true)
	}()

	go statusLoop(&shutdown, local, remote, log)

	var g errgroup.Group
	if remote != nil {
		g.Go(func() error { return remote.Run(&shutdown) })
	}
	if local != nil {
		g.Go(func() error { return local.Run(&shutdown) })
	}

	if err := g.Wait(); err != nil {
		log.Error("Server stopped unexpectedly", "error", err)
		os.Exit(1)
	}
	log.Info("Shutdown complete")
}

func statusLoop(shutdown *atomic.Bool, local *application.LocalServer, remote *application.RemoteServer, log *slog.Logger) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for range ticker.C {
		if shutdown.Load() {
			return
		}
		args := make([]any, 0, 4)
		if local != nil {
			args = append(args, "proxy_clients", local.Status().Active)
		}
		if remote != nil {
			args = append(args, "tunnel_sessions", remote.Status().Active)
		}
		log.Info("Status", args...)
	}
}
