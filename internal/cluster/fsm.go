// Package cluster replicates blackout decisions between co-viewing players
// over Raft. A choice made on the leader is appended to the log and applied
// by every node, so all viewers of a session resolve the same gates.
package cluster

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/agleyzer/blackoutplayer/internal/timeline"
	"github.com/hashicorp/raft"
)

func init() {
	// Register types for gob encoding/decoding
	gob.Register(ResolveCommand{})
	gob.Register(ClearCommand{})
}

// DecisionRecord is one replicated blackout decision.
type DecisionRecord struct {
	// Session identifies the playback session, usually the blackout manifest URL.
	Session  string
	Index    int
	Decision timeline.Decision
	// Node is the Raft ID of the node that made the decision.
	Node string
}

// ClusterState is the replicated decision log, folded per session and segment.
type ClusterState struct {
	// Decisions maps session to segment index to the latest decision.
	Decisions map[string]map[int]DecisionRecord
	// Sequence counts applied decisions.
	Sequence uint64
}

// CommandType identifies the type of Raft command.
type CommandType uint8

const (
	// CommandResolve records a decision for one segment.
	CommandResolve CommandType = 1
	// CommandClear drops every decision of a session.
	CommandClear CommandType = 2
)

// Command represents a Raft log command.
type Command struct {
	Type CommandType
	Data any
}

// ResolveCommand records a decision.
type ResolveCommand struct {
	Record DecisionRecord
}

// ClearCommand drops a session's decisions.
type ClearCommand struct {
	Session string
}

// DecisionFSM implements raft.FSM over the decision log.
type DecisionFSM struct {
	mu     sync.RWMutex
	state  ClusterState
	logger *slog.Logger

	subMu       sync.RWMutex
	subscribers map[int]func(DecisionRecord)
	nextSub     int
}

// NewDecisionFSM creates an empty DecisionFSM.
func NewDecisionFSM(logger *slog.Logger) *DecisionFSM {
	return &DecisionFSM{
		state:       ClusterState{Decisions: make(map[string]map[int]DecisionRecord)},
		logger:      logger,
		subscribers: make(map[int]func(DecisionRecord)),
	}
}

// Subscribe registers fn for every applied decision, including those
// replayed from the log or restored from a snapshot. fn runs on Raft's FSM
// goroutine.
func (f *DecisionFSM) Subscribe(fn func(DecisionRecord)) (unsubscribe func()) {
	f.subMu.Lock()
	defer f.subMu.Unlock()

	id := f.nextSub
	f.nextSub++
	f.subscribers[id] = fn

	return func() {
		f.subMu.Lock()
		defer f.subMu.Unlock()
		delete(f.subscribers, id)
	}
}

// Apply applies a Raft log entry to the FSM.
func (f *DecisionFSM) Apply(log *raft.Log) any {
	var cmd Command
	if err := gob.NewDecoder(bytes.NewReader(log.Data)).Decode(&cmd); err != nil {
		f.logger.Error("failed to decode command", "error", err)
		return fmt.Errorf("decode command: %w", err)
	}

	switch cmd.Type {
	case CommandResolve:
		rc, ok := cmd.Data.(ResolveCommand)
		if !ok {
			return fmt.Errorf("invalid resolve command data")
		}
		f.applyResolve(rc.Record)
		f.notify(rc.Record)
		return nil
	case CommandClear:
		cc, ok := cmd.Data.(ClearCommand)
		if !ok {
			return fmt.Errorf("invalid clear command data")
		}
		f.applyClear(cc.Session)
		return nil
	default:
		f.logger.Error("unknown command type", "type", cmd.Type)
		return fmt.Errorf("unknown command type: %d", cmd.Type)
	}
}

func (f *DecisionFSM) applyResolve(rec DecisionRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()

	session := f.state.Decisions[rec.Session]
	if session == nil {
		session = make(map[int]DecisionRecord)
		f.state.Decisions[rec.Session] = session
	}
	session[rec.Index] = rec
	f.state.Sequence++

	f.logger.Debug("applied decision",
		"session", rec.Session,
		"index", rec.Index,
		"decision", rec.Decision,
		"node", rec.Node,
		"sequence", f.state.Sequence)
}

func (f *DecisionFSM) applyClear(session string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.state.Decisions, session)
	f.logger.Info("cleared session decisions", "session", session)
}

func (f *DecisionFSM) notify(rec DecisionRecord) {
	f.subMu.RLock()
	fns := make([]func(DecisionRecord), 0, len(f.subscribers))
	for _, fn := range f.subscribers {
		fns = append(fns, fn)
	}
	f.subMu.RUnlock()

	for _, fn := range fns {
		fn(rec)
	}
}

// Snapshot returns an FSMSnapshot for creating a point-in-time snapshot.
func (f *DecisionFSM) Snapshot() (raft.FSMSnapshot, error) {
	return &fsmSnapshot{state: f.GetState()}, nil
}

// Restore restores the FSM state from a snapshot and replays the restored
// decisions to subscribers.
func (f *DecisionFSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()

	var state ClusterState
	if err := gob.NewDecoder(snapshot).Decode(&state); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if state.Decisions == nil {
		state.Decisions = make(map[string]map[int]DecisionRecord)
	}

	f.mu.Lock()
	f.state = state
	f.mu.Unlock()

	var restored int
	for _, session := range state.Decisions {
		for _, rec := range sortedRecords(session) {
			f.notify(rec)
			restored++
		}
	}

	f.logger.Info("restored FSM state from snapshot", "decisions", restored, "sequence", state.Sequence)
	return nil
}

// GetState returns a deep copy of the current FSM state.
func (f *DecisionFSM) GetState() ClusterState {
	f.mu.RLock()
	defer f.mu.RUnlock()

	stateCopy := ClusterState{
		Decisions: make(map[string]map[int]DecisionRecord, len(f.state.Decisions)),
		Sequence:  f.state.Sequence,
	}
	for session, recs := range f.state.Decisions {
		m := make(map[int]DecisionRecord, len(recs))
		for i, rec := range recs {
			m[i] = rec
		}
		stateCopy.Decisions[session] = m
	}
	return stateCopy
}

// Decisions returns the decisions of session ordered by segment index.
func (f *DecisionFSM) Decisions(session string) []DecisionRecord {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return sortedRecords(f.state.Decisions[session])
}

func sortedRecords(m map[int]DecisionRecord) []DecisionRecord {
	out := make([]DecisionRecord, 0, len(m))
	for _, rec := range m {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// fsmSnapshot implements raft.FSMSnapshot.
type fsmSnapshot struct {
	state ClusterState
}

// Persist writes the snapshot to the given sink.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s.state); err != nil {
		sink.Cancel()
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if _, err := sink.Write(buf.Bytes()); err != nil {
		sink.Cancel()
		return fmt.Errorf("write snapshot: %w", err)
	}

	return sink.Close()
}

// Release releases any resources held by the snapshot.
func (s *fsmSnapshot) Release() {}

// EncodeCommand encodes a command for Raft submission.
func EncodeCommand(cmd Command) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cmd); err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	return buf.Bytes(), nil
}
