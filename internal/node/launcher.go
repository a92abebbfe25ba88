package node

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// LaunchConfig describes one game-server process to start.
type LaunchConfig struct {
	SpawnID    int
	Code       string
	MasterURL  string
	CustomArgs string
	Properties map[string]string
}

// Process is a handle on a launched game server.
type Process interface {
	Wait() error
	Kill() error
}

// Launcher starts game-server processes.
type Launcher interface {
	Launch(ctx context.Context, cfg LaunchConfig) (Process, error)
}

// ExecLauncher launches the configured executable with the spawn
// identity passed as flags, so the process can register itself back at
// the master.
type ExecLauncher struct {
	ExePath string
}

func NewExecLauncher(exePath string) *ExecLauncher {
	return &ExecLauncher{ExePath: exePath}
}

func (e *ExecLauncher) Launch(ctx context.Context, cfg LaunchConfig) (Process, error) {
	if e.ExePath == "" {
		return nil, fmt.Errorf("no game server executable configured")
	}

	args := []string{
		"-spawnId", strconv.Itoa(cfg.SpawnID),
		"-spawnCode", cfg.Code,
		"-masterUrl", cfg.MasterURL,
	}
	if cfg.CustomArgs != "" {
		args = append(args, strings.Fields(cfg.CustomArgs)...)
	}

	cmd := exec.CommandContext(ctx, e.ExePath, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	for k, v := range cfg.Properties {
		cmd.Env = append(cmd.Env, fmt.Sprintf("SPAWN_%s=%s", strings.ToUpper(k), v))
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting game server: %w", err)
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}
