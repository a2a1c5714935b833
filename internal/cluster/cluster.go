package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/agleyzer/blackoutplayer/internal/timeline"
	"github.com/hashicorp/raft"
)

// ErrNotLeader is returned when a follower tries to publish a decision.
// Only the leader's viewer decides for the session.
var ErrNotLeader = errors.New("not the cluster leader")

// Manager runs one Raft node of a co-viewing session.
type Manager struct {
	config    Config
	session   string
	raft      *raft.Raft
	fsm       *DecisionFSM
	transport *raft.NetworkTransport
	logger    *slog.Logger
	mu        sync.RWMutex
	shutdown  bool
}

// NewManager creates a new cluster manager for session.
func NewManager(config Config, session string, logger *slog.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Manager{
		config:  config,
		session: session,
		fsm:     NewDecisionFSM(logger),
		logger:  logger,
	}, nil
}

// Start joins the session's Raft group. Decisions live in memory only, for
// as long as the session runs.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.raft != nil {
		return fmt.Errorf("cluster already started")
	}

	addr, err := net.ResolveTCPAddr("tcp", m.config.BindAddr)
	if err != nil {
		return fmt.Errorf("resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(m.config.BindAddr, addr, 3, 10*time.Second, nil)
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}

	store := raft.NewInmemStore()
	r, err := raft.NewRaft(m.raftConfig(), m.fsm, store, store, raft.NewInmemSnapshotStore(), transport)
	if err != nil {
		transport.Close()
		return fmt.Errorf("create raft: %w", err)
	}
	m.raft = r
	m.transport = transport

	// Every node bootstraps the same voter set; all but the first attempt
	// report ErrCantBootstrap.
	if err := r.BootstrapCluster(m.voters()).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
		m.logger.Error("failed to bootstrap cluster", "error", err)
	}

	m.logger.Info("co-viewing node started",
		"node_id", m.config.RaftID,
		"bind", m.config.BindAddr,
		"peers", len(m.config.Peers),
		"session", m.session)

	return nil
}

// raftConfig derives the Raft settings. Server IDs are bind addresses so
// that every node computes the same bootstrap configuration from Peers.
func (m *Manager) raftConfig() *raft.Config {
	c := raft.DefaultConfig()
	c.LocalID = raft.ServerID(m.config.BindAddr)
	c.HeartbeatTimeout = m.config.HeartbeatTimeout
	c.ElectionTimeout = m.config.ElectionTimeout
	c.LeaderLeaseTimeout = m.config.HeartbeatTimeout
	c.SnapshotInterval = m.config.SnapshotInterval
	c.SnapshotThreshold = m.config.SnapshotThreshold
	c.Logger = newRaftLogger(m.config.LogOutput, m.config.Verbose)
	return c
}

func (m *Manager) voters() raft.Configuration {
	servers := make([]raft.Server, len(m.config.Peers))
	for i, peer := range m.config.Peers {
		servers[i] = raft.Server{
			ID:       raft.ServerID(peer),
			Address:  raft.ServerAddress(peer),
			Suffrage: raft.Voter,
		}
	}
	return raft.Configuration{Servers: servers}
}

// OnRemoteDecision registers fn for decisions of this session made by
// other nodes. Register before Start to receive decisions replayed from the
// log.
func (m *Manager) OnRemoteDecision(fn func(index int, d timeline.Decision)) (unsubscribe func()) {
	return m.fsm.Subscribe(func(rec DecisionRecord) {
		if rec.Session != m.session || rec.Node == m.config.RaftID {
			return
		}
		fn(rec.Index, rec.Decision)
	})
}

// PublishDecision appends a decision for this session to the Raft log.
func (m *Manager) PublishDecision(ctx context.Context, index int, d timeline.Decision) error {
	return m.apply(ctx, Command{
		Type: CommandResolve,
		Data: ResolveCommand{Record: DecisionRecord{
			Session:  m.session,
			Index:    index,
			Decision: d,
			Node:     m.config.RaftID,
		}},
	})
}

// Clear drops every decision of this session.
func (m *Manager) Clear(ctx context.Context) error {
	return m.apply(ctx, Command{
		Type: CommandClear,
		Data: ClearCommand{Session: m.session},
	})
}

func (m *Manager) apply(ctx context.Context, cmd Command) error {
	m.mu.RLock()
	if m.shutdown {
		m.mu.RUnlock()
		return fmt.Errorf("cluster is shut down")
	}
	r := m.raft
	m.mu.RUnlock()

	if r == nil {
		return fmt.Errorf("cluster not started")
	}
	if r.State() != raft.Leader {
		return ErrNotLeader
	}

	data, err := EncodeCommand(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}

	timeout := m.config.ApplyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	future := r.Apply(data, timeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) {
			return ErrNotLeader
		}
		return fmt.Errorf("apply command: %w", err)
	}
	if resp, ok := future.Response().(error); ok && resp != nil {
		return fmt.Errorf("apply command: %w", resp)
	}

	return nil
}

// Decisions returns the replicated decisions of this session.
func (m *Manager) Decisions() []DecisionRecord {
	return m.fsm.Decisions(m.session)
}

// GetState returns the current FSM state.
func (m *Manager) GetState() ClusterState {
	return m.fsm.GetState()
}

// IsLeader returns true if this node is the Raft leader.
func (m *Manager) IsLeader() bool {
	m.mu.RLock()
	r := m.raft
	m.mu.RUnlock()

	if r == nil {
		return false
	}

	return r.State() == raft.Leader
}

// LeaderAddr returns the address of the current Raft leader.
func (m *Manager) LeaderAddr() string {
	m.mu.RLock()
	r := m.raft
	m.mu.RUnlock()

	if r == nil {
		return ""
	}

	leaderAddr, _ := r.LeaderWithID()
	return string(leaderAddr)
}

// State returns the current Raft state.
func (m *Manager) State() string {
	m.mu.RLock()
	r := m.raft
	m.mu.RUnlock()

	if r == nil {
		return "NotStarted"
	}

	switch r.State() {
	case raft.Follower:
		return "Follower"
	case raft.Candidate:
		return "Candidate"
	case raft.Leader:
		return "Leader"
	case raft.Shutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// Peers returns the list of peer addresses.
func (m *Manager) Peers() []string {
	return m.config.Peers
}

// NodeID returns this node's Raft ID.
func (m *Manager) NodeID() string {
	return m.config.RaftID
}

// Shutdown leaves the Raft group and closes the transport. It is safe to
// call more than once.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return nil
	}
	m.shutdown = true

	var errs []error
	if m.raft != nil {
		if err := m.raft.Shutdown().Error(); err != nil {
			errs = append(errs, fmt.Errorf("shutdown raft: %w", err))
		}
	}
	if m.transport != nil {
		if err := m.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		m.logger.Error("co-viewing node shutdown failed", "error", err)
		return err
	}

	m.logger.Info("co-viewing node stopped")
	return nil
}

// WaitForLeader blocks until a leader is elected or context is canceled.
func (m *Manager) WaitForLeader(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if m.LeaderAddr() != "" {
				return nil
			}
		}
	}
}
