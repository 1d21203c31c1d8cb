package schain

import (
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// LivelinessMonitor marks one potentially long-running operation; the
// monitoring agent warns when it outlives its expiry.
type LivelinessMonitor struct {
	id       uint64
	class    string
	function string
	start    time.Time
	expiry   time.Time
}

// MonitoringAgent watches registered liveliness monitors from a background
// thread and reports operations stuck past their expiry.
type MonitoringAgent struct {
	schain *Schain
	logger hclog.Logger

	mu       sync.Mutex
	monitors map[uint64]*LivelinessMonitor
	nextID   uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMonitoringAgent creates the agent.
func NewMonitoringAgent(s *Schain) *MonitoringAgent {
	return &MonitoringAgent{
		schain:   s,
		logger:   s.logger.Named("monitoring"),
		monitors: make(map[uint64]*LivelinessMonitor),
		stopCh:   make(chan struct{}),
	}
}

// Register starts watching an operation.
func (a *MonitoringAgent) Register(class, function string, expiry time.Duration) *LivelinessMonitor {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	m := &LivelinessMonitor{
		id:       a.nextID,
		class:    class,
		function: function,
		start:    time.Now(),
		expiry:   time.Now().Add(expiry),
	}
	a.monitors[m.id] = m
	return m
}

// Unregister stops watching an operation.
func (a *MonitoringAgent) Unregister(m *LivelinessMonitor) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.monitors, m.id)
}

// Start launches the monitoring loop.
func (a *MonitoringAgent) Start() {
	a.wg.Add(1)
	go a.monitoringLoop()
}

// Stop terminates the monitoring loop.
func (a *MonitoringAgent) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.wg.Wait()
}

func (a *MonitoringAgent) monitoringLoop() {
	defer a.wg.Done()
	interval := time.Duration(a.schain.conf.MonitoringIntervalMs) * time.Millisecond
	for {
		select {
		case <-a.stopCh:
			return
		case <-time.After(interval):
			a.monitor()
		}
	}
}

func (a *MonitoringAgent) monitor() {
	a.mu.Lock()
	var stuck []*LivelinessMonitor
	now := time.Now()
	for _, m := range a.monitors {
		if now.After(m.expiry) {
			stuck = append(stuck, m)
		}
	}
	a.mu.Unlock()

	for _, m := range stuck {
		a.logger.Warn("operation has been stuck",
			"class", m.class, "function", m.function,
			"for", time.Since(m.start).String())
	}
}
