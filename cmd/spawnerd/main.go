package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/proepkes/SpeedDate-sub000/internal/network/wsnet"
	"github.com/proepkes/SpeedDate-sub000/internal/node"
	"github.com/proepkes/SpeedDate-sub000/internal/spawners"
)

func main() {
	var (
		masterURL    string
		exePath      string
		region       string
		machineIP    string
		maxProcesses int
		logPath      string
	)

	root := &cobra.Command{
		Use:   "spawnerd",
		Short: "Run a spawner node that hosts game-server processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			zapCfg := zap.NewProductionConfig()
			zapCfg.OutputPaths = []string{"stderr"}
			if logPath != "" {
				zapCfg.OutputPaths = append(zapCfg.OutputPaths, logPath)
			}
			zapLog, err := zapCfg.Build()
			if err != nil {
				return err
			}
			defer zapLog.Sync()
			log := zapr.NewLogger(zapLog)

			if exePath == "" {
				return fmt.Errorf("--exe is required")
			}

			conn, err := wsnet.Dial(masterURL, log)
			if err != nil {
				return fmt.Errorf("connecting to master: %w", err)
			}
			defer conn.Close()

			ctrl := node.NewController(log, conn, node.NewExecLauncher(exePath), spawners.Options{
				MachineIP:    machineIP,
				MaxProcesses: maxProcesses,
				Region:       region,
			}, masterURL, 15*time.Second)

			if err := ctrl.Register(); err != nil {
				return err
			}

			closed := make(chan struct{})
			conn.OnClose(func() { close(closed) })

			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

			for {
				select {
				case <-ticker.C:
					ctrl.ReportCount()
				case <-closed:
					log.Info("master connection lost, terminating game servers")
					ctrl.KillAll()
					return fmt.Errorf("master connection lost")
				case sig := <-sigCh:
					log.Info("shutting down", "signal", sig.String())
					ctrl.KillAll()
					return nil
				}
			}
		},
	}
	root.Flags().StringVar(&masterURL, "master", "ws://127.0.0.1:8080/ws", "Master WebSocket URL")
	root.Flags().StringVar(&exePath, "exe", "", "Game server executable to launch")
	root.Flags().StringVar(&region, "region", "", "Region label for this node")
	root.Flags().StringVar(&machineIP, "machine-ip", "127.0.0.1", "Public IP of this machine")
	root.Flags().IntVar(&maxProcesses, "max-processes", 0, "Max concurrent game servers (0 = unlimited)")
	root.Flags().StringVar(&logPath, "log-path", "", "Write logs to this file")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
