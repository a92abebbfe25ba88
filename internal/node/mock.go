package node

import (
	"context"
	"sync"
)

// MockLauncher implements Launcher for testing.
type MockLauncher struct {
	mu        sync.Mutex
	LaunchFn  func(ctx context.Context, cfg LaunchConfig) (Process, error)
	LaunchErr error
	Launched  []LaunchConfig
}

func NewMockLauncher() *MockLauncher {
	return &MockLauncher{}
}

func (m *MockLauncher) Launch(ctx context.Context, cfg LaunchConfig) (Process, error) {
	m.mu.Lock()
	m.Launched = append(m.Launched, cfg)
	m.mu.Unlock()
	if m.LaunchFn != nil {
		return m.LaunchFn(ctx, cfg)
	}
	if m.LaunchErr != nil {
		return nil, m.LaunchErr
	}
	return NewMockProcess(), nil
}

func (m *MockLauncher) LaunchedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Launched)
}

// MockProcess is a Process that exits when killed or released.
type MockProcess struct {
	done     chan struct{}
	exitOnce sync.Once
	killed   bool
	mu       sync.Mutex
}

func NewMockProcess() *MockProcess {
	return &MockProcess{done: make(chan struct{})}
}

func (p *MockProcess) Wait() error {
	<-p.done
	return nil
}

func (p *MockProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.Exit()
	return nil
}

// Exit simulates the process terminating on its own.
func (p *MockProcess) Exit() {
	p.exitOnce.Do(func() { close(p.done) })
}

func (p *MockProcess) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}
