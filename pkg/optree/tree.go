// Package optree maintains the hierarchical execution record of one
// agent session: the session node, its turns, the operations inside
// each turn, and the log lines and accounting attached to them. Child
// session snapshots are grafted under the operation that spawned them,
// so a delegation tree serializes as one nested document.
package optree

import (
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/harun/nyra/internal/tracing"
	"github.com/harun/nyra/pkg/accounting"
)

// OpKind classifies an operation node.
type OpKind string

const (
	OpLLM    OpKind = "llm"
	OpTool   OpKind = "tool"
	OpSystem OpKind = "system"
)

// Status values for sessions, turns, and ops. An end status is written
// once; later writes are ignored.
const (
	StatusRunning = "running"
	StatusOK      = "ok"
	StatusFailed  = "failed"
)

// LogLine is one log record anchored to an operation.
type LogLine struct {
	Timestamp time.Time `json:"timestamp"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
}

// Op is one operation inside a turn.
type Op struct {
	ID         string             `json:"id"`
	Kind       OpKind             `json:"kind"`
	Label      string             `json:"label"`
	Status     string             `json:"status"`
	StartedAt  time.Time          `json:"startedAt"`
	EndedAt    time.Time          `json:"endedAt,omitzero"`
	Error      string             `json:"error,omitempty"`
	Logs       []LogLine          `json:"logs,omitempty"`
	Accounting []accounting.Entry `json:"accounting,omitempty"`
	Children   []*Session         `json:"children,omitempty"`
}

// Turn groups the operations of one loop iteration. Turn 0 holds
// session initialization.
type Turn struct {
	Number    int       `json:"number"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt,omitzero"`
	Assistant string    `json:"assistant,omitempty"`
	Ops       []*Op     `json:"ops"`
}

// Totals aggregates the whole subtree of a session.
type Totals struct {
	Tokens    accounting.TokenUsage `json:"tokens"`
	CostUSD   float64               `json:"costUsd"`
	ToolsRun  int                   `json:"toolsRun"`
	AgentsRun int                   `json:"agentsRun"`
}

// Session is the root node of one agent session's record.
type Session struct {
	Agent        string        `json:"agent"`
	Trace        tracing.Trace `json:"trace"`
	Status       string        `json:"status"`
	LatestUpdate string        `json:"latestUpdate,omitempty"`
	Summary      string        `json:"summary,omitempty"`
	StartedAt    time.Time     `json:"startedAt"`
	EndedAt      time.Time     `json:"endedAt,omitzero"`
	Turns        []*Turn       `json:"turns"`
	Totals       Totals        `json:"totals"`
}

// Tree is the mutable builder around a Session. All methods are safe
// for concurrent use; tool ops start and end from executor goroutines.
type Tree struct {
	mu      sync.Mutex
	session *Session
	ops     map[string]*Op
	turns   map[int]*Turn
	logSink func(LogLine)
}

// SetLogSink registers an observer for every anchored log line. Best
// effort; the sink must not block. Set before turns begin.
func (t *Tree) SetLogSink(sink func(LogLine)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.logSink = sink
}

// New creates a tree with an open session node and an open turn 0
// containing a system init op.
func New(agent string, trace tracing.Trace) *Tree {
	t := &Tree{
		session: &Session{
			Agent:     agent,
			Trace:     trace,
			Status:    StatusRunning,
			StartedAt: time.Now(),
			Turns:     []*Turn{},
		},
		ops:   make(map[string]*Op),
		turns: make(map[int]*Turn),
	}
	t.BeginTurn(0)
	initID := t.BeginOp(0, OpSystem, "session init")
	t.EndOp(initID, StatusOK, "")
	return t
}

func newOpID() string {
	id, err := gonanoid.New()
	if err != nil {
		// gonanoid only fails when the system entropy source does
		return fmt.Sprintf("op-%d", time.Now().UnixNano())
	}
	return id
}

// BeginTurn opens turn number if it is not already open.
func (t *Tree) BeginTurn(number int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.beginTurnLocked(number)
}

func (t *Tree) beginTurnLocked(number int) *Turn {
	if turn, exists := t.turns[number]; exists {
		return turn
	}
	turn := &Turn{
		Number:    number,
		Status:    StatusRunning,
		StartedAt: time.Now(),
		Ops:       []*Op{},
	}
	t.turns[number] = turn
	t.session.Turns = append(t.session.Turns, turn)
	return turn
}

// EndTurn closes the turn. The first end status wins.
func (t *Tree) EndTurn(number int, status, assistant string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	turn, ok := t.turns[number]
	if !ok || turn.Status != StatusRunning {
		return
	}
	turn.Status = status
	turn.EndedAt = time.Now()
	if assistant != "" {
		turn.Assistant = assistant
	}
}

// BeginOp opens an operation under the given turn and returns its ID.
// The turn is opened implicitly if needed.
func (t *Tree) BeginOp(turn int, kind OpKind, label string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	op := &Op{
		ID:        newOpID(),
		Kind:      kind,
		Label:     label,
		Status:    StatusRunning,
		StartedAt: time.Now(),
	}
	t.ops[op.ID] = op
	tn := t.beginTurnLocked(turn)
	tn.Ops = append(tn.Ops, op)
	return op.ID
}

// EndOp closes an operation. The first end status wins.
func (t *Tree) EndOp(opID, status, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	op, ok := t.ops[opID]
	if !ok || op.Status != StatusRunning {
		return
	}
	op.Status = status
	op.EndedAt = time.Now()
	if errMsg != "" {
		op.Error = errMsg
	}
}

// Log anchors a log line to an operation. Lines for unknown ops are
// dropped rather than failing the caller.
func (t *Tree) Log(opID, severity, message string) {
	line := LogLine{Timestamp: time.Now(), Severity: severity, Message: message}

	t.mu.Lock()
	op, ok := t.ops[opID]
	if ok {
		op.Logs = append(op.Logs, line)
	}
	sink := t.logSink
	t.mu.Unlock()

	if ok && sink != nil {
		sink(line)
	}
}

// LastOpID returns the most recently begun op of the given kind in the
// turn, used to anchor late log lines. Empty when none exists.
func (t *Tree) LastOpID(turn int, kind OpKind) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	tn, ok := t.turns[turn]
	if !ok {
		return ""
	}
	for i := len(tn.Ops) - 1; i >= 0; i-- {
		if tn.Ops[i].Kind == kind {
			return tn.Ops[i].ID
		}
	}
	return ""
}

// Account attaches an accounting entry to an operation.
func (t *Tree) Account(opID string, e accounting.Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	op, ok := t.ops[opID]
	if !ok {
		return
	}
	op.Accounting = append(op.Accounting, e)
}

// AttachChild grafts a completed child session under the op that
// spawned it.
func (t *Tree) AttachChild(opID string, child *Session) {
	if child == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	op, ok := t.ops[opID]
	if !ok {
		return
	}
	op.Children = append(op.Children, child)
}

// SetLatestUpdate records the agent's most recent progress message.
func (t *Tree) SetLatestUpdate(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.session.LatestUpdate = message
}

// Finalize closes the session node. The first final status wins.
func (t *Tree) Finalize(status, summary string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session.Status != StatusRunning {
		return
	}
	t.session.Status = status
	t.session.Summary = summary
	t.session.EndedAt = time.Now()
	for _, turn := range t.session.Turns {
		if turn.Status == StatusRunning {
			turn.Status = status
			turn.EndedAt = t.session.EndedAt
		}
	}
}

// Snapshot returns a deep copy of the session with totals folded from
// the attached accounting, including all grafted children.
func (t *Tree) Snapshot() *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := copySession(t.session)
	snap.Totals = foldTotals(snap)
	return snap
}

func copySession(s *Session) *Session {
	out := *s
	out.Turns = make([]*Turn, len(s.Turns))
	for i, turn := range s.Turns {
		tc := *turn
		tc.Ops = make([]*Op, len(turn.Ops))
		for j, op := range turn.Ops {
			oc := *op
			oc.Logs = append([]LogLine(nil), op.Logs...)
			oc.Accounting = append([]accounting.Entry(nil), op.Accounting...)
			oc.Children = make([]*Session, len(op.Children))
			for k, child := range op.Children {
				oc.Children[k] = copySession(child)
			}
			tc.Ops[j] = &oc
		}
		out.Turns[i] = &tc
	}
	return &out
}

func foldTotals(s *Session) Totals {
	var totals Totals
	for _, turn := range s.Turns {
		for _, op := range turn.Ops {
			for _, e := range op.Accounting {
				switch e.Kind {
				case accounting.KindLLM:
					totals.Tokens = totals.Tokens.Add(e.Tokens)
					totals.CostUSD += e.CostUSD
				case accounting.KindTool:
					totals.ToolsRun++
				}
			}
			for _, child := range op.Children {
				totals.AgentsRun++
				child.Totals = foldTotals(child)
				totals.Tokens = totals.Tokens.Add(child.Totals.Tokens)
				totals.CostUSD += child.Totals.CostUSD
				totals.ToolsRun += child.Totals.ToolsRun
				totals.AgentsRun += child.Totals.AgentsRun
			}
		}
	}
	return totals
}
