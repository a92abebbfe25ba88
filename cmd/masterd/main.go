package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/proepkes/SpeedDate-sub000/internal/announce"
	"github.com/proepkes/SpeedDate-sub000/internal/api"
	"github.com/proepkes/SpeedDate-sub000/internal/config"
	"github.com/proepkes/SpeedDate-sub000/internal/lobbies"
	"github.com/proepkes/SpeedDate-sub000/internal/network/wsnet"
	"github.com/proepkes/SpeedDate-sub000/internal/rooms"
	"github.com/proepkes/SpeedDate-sub000/internal/spawners"
)

func newZap(logPath string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	if logPath != "" {
		cfg.OutputPaths = append(cfg.OutputPaths, logPath)
	}
	return cfg.Build()
}

func main() {
	var configPath, logPath, listenAddr string

	root := &cobra.Command{
		Use:   "masterd",
		Short: "Run the game master node",
		RunE: func(cmd *cobra.Command, args []string) error {
			zapLog, err := newZap(logPath)
			if err != nil {
				return err
			}
			defer zapLog.Sync()
			log := zapr.NewLogger(zapLog)

			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if listenAddr != "" {
				cfg.Server.ListenAddr = listenAddr
			}
			return run(log, cfg)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "Path to config file")
	root.Flags().StringVar(&logPath, "log-path", "", "Write logs to this file")
	root.Flags().StringVar(&listenAddr, "listen", "", "Listen address override")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(log logr.Logger, cfg config.Config) error {
	hub := wsnet.NewHub(log)

	orch, err := spawners.NewOrchestrator(log, cfg.Spawners)
	if err != nil {
		return fmt.Errorf("creating orchestrator: %w", err)
	}
	roomReg := rooms.NewRegistry(log, cfg.Rooms)
	lobbyReg := lobbies.NewRegistry(log, cfg.Lobbies, orch, roomReg)

	orch.Attach(hub)
	roomReg.Attach(hub)
	lobbyReg.Attach(hub)

	announce.New(log, cfg.Announce.WebhookURL).Watch(roomReg)

	orch.Start()
	defer orch.Stop()
	roomReg.Start()
	defer roomReg.Stop()
	lobbyReg.Start()
	defer lobbyReg.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", hub.ServeWS)
	setupStatusRoutes(mux, hub, orch, roomReg, lobbyReg)

	srv := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming over the WebSocket endpoint
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("master listening", "addr", cfg.Server.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	hub.Shutdown()
	return srv.Shutdown(ctx)
}

func setupStatusRoutes(mux *http.ServeMux, hub *wsnet.Hub, orch *spawners.Orchestrator, roomReg *rooms.Registry, lobbyReg *lobbies.Registry) {
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, api.MasterStatus{
			Peers:    hub.PeerCount(),
			Spawners: spawnerStatuses(orch),
			Rooms:    roomStatuses(roomReg),
			Lobbies:  lobbyStatuses(lobbyReg),
		})
	})

	mux.HandleFunc("GET /rooms", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, roomStatuses(roomReg))
	})

	mux.HandleFunc("GET /lobbies", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, lobbyStatuses(lobbyReg))
	})

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func spawnerStatuses(orch *spawners.Orchestrator) []api.SpawnerStatus {
	list := orch.Spawners()
	out := make([]api.SpawnerStatus, 0, len(list))
	for _, s := range list {
		options := s.Options()
		out = append(out, api.SpawnerStatus{
			ID:           s.ID(),
			Region:       s.Region(),
			MachineIP:    options.MachineIP,
			MaxProcesses: options.MaxProcesses,
			FreeSlots:    s.FreeSlots(),
			QueueLength:  s.QueueLen(),
		})
	}
	return out
}

func roomStatuses(reg *rooms.Registry) []api.RoomStatus {
	games := reg.PublicGames()
	out := make([]api.RoomStatus, 0, len(games))
	for _, g := range games {
		out = append(out, api.RoomStatus{
			ID:         g.ID,
			Name:       g.Name,
			Address:    g.Address,
			MaxPlayers: g.MaxPlayers,
			Players:    g.OnlinePlayers,
			Passworded: g.IsPasswordProtected,
		})
	}
	return out
}

func lobbyStatuses(reg *lobbies.Registry) []api.LobbyStatus {
	games := reg.PublicGames()
	out := make([]api.LobbyStatus, 0, len(games))
	for _, g := range games {
		out = append(out, api.LobbyStatus{
			ID:         g.ID,
			Name:       g.Name,
			FactoryID:  g.FactoryID,
			State:      g.State.String(),
			Players:    g.OnlinePlayers,
			MaxPlayers: g.MaxPlayers,
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
