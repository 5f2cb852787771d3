package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TxnIDKey is the context key for the session transaction ID
	TxnIDKey ContextKey = "txn_id"
	// OriginTxnIDKey is the context key for the root transaction ID of the tree
	OriginTxnIDKey ContextKey = "origin_txn_id"
	// ParentTxnIDKey is the context key for the immediate parent transaction ID
	ParentTxnIDKey ContextKey = "parent_txn_id"
	// CallPathKey is the context key for the delegation call path
	CallPathKey ContextKey = "call_path"
	// SessionKeyKey is the context key for session key
	SessionKeyKey ContextKey = "session_key"
)

// Trace identifies one agent session inside a delegation tree. A root
// session has OriginTxnID == TxnID and an empty ParentTxnID; a child
// session keeps the root's origin, records its spawner as parent, and
// extends the call path with its own name.
type Trace struct {
	TxnID       string `json:"txnId"`
	OriginTxnID string `json:"originTxnId"`
	ParentTxnID string `json:"parentTxnId,omitempty"`
	CallPath    string `json:"callPath"`
}

// NewTxnID generates a new transaction ID.
func NewTxnID() string {
	return uuid.New().String()
}

// NewTrace builds a root trace for an agent. Missing fields are
// defaulted: TxnID to a fresh UUID, OriginTxnID to TxnID, CallPath to
// the agent name.
func NewTrace(agentName string) Trace {
	id := NewTxnID()
	return Trace{
		TxnID:       id,
		OriginTxnID: id,
		CallPath:    agentName,
	}
}

// Normalize fills the derivable fields of a partially specified trace.
func (t Trace) Normalize(agentName string) Trace {
	if t.TxnID == "" {
		t.TxnID = NewTxnID()
	}
	if t.OriginTxnID == "" {
		t.OriginTxnID = t.TxnID
	}
	if t.CallPath == "" {
		t.CallPath = agentName
	}
	return t
}

// Child derives the trace for a delegated session named childName. The
// child gets a fresh TxnID, inherits the origin, points its parent at
// this trace, and appends its name to the call path.
func (t Trace) Child(childName string) Trace {
	return Trace{
		TxnID:       NewTxnID(),
		OriginTxnID: t.OriginTxnID,
		ParentTxnID: t.TxnID,
		CallPath:    t.CallPath + "->" + childName,
	}
}

// IsRoot reports whether this trace is the root of its delegation tree.
func (t Trace) IsRoot() bool {
	return t.ParentTxnID == ""
}

// WithTrace stores all trace identifiers on the context.
func WithTrace(ctx context.Context, t Trace) context.Context {
	ctx = context.WithValue(ctx, TxnIDKey, t.TxnID)
	ctx = context.WithValue(ctx, OriginTxnIDKey, t.OriginTxnID)
	ctx = context.WithValue(ctx, ParentTxnIDKey, t.ParentTxnID)
	return context.WithValue(ctx, CallPathKey, t.CallPath)
}

// WithSessionKey adds a session key to the context
func WithSessionKey(ctx context.Context, sessionKey string) context.Context {
	return context.WithValue(ctx, SessionKeyKey, sessionKey)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTxnID retrieves the transaction ID from the context
func GetTxnID(ctx context.Context) string {
	return stringValue(ctx, TxnIDKey)
}

// GetOriginTxnID retrieves the origin transaction ID from the context
func GetOriginTxnID(ctx context.Context) string {
	return stringValue(ctx, OriginTxnIDKey)
}

// GetParentTxnID retrieves the parent transaction ID from the context
func GetParentTxnID(ctx context.Context) string {
	return stringValue(ctx, ParentTxnIDKey)
}

// GetCallPath retrieves the delegation call path from the context
func GetCallPath(ctx context.Context) string {
	return stringValue(ctx, CallPathKey)
}

// GetSessionKey retrieves the session key from the context
func GetSessionKey(ctx context.Context) string {
	return stringValue(ctx, SessionKeyKey)
}

// FromContext extracts the trace identifiers from the context.
func FromContext(ctx context.Context) Trace {
	return Trace{
		TxnID:       GetTxnID(ctx),
		OriginTxnID: GetOriginTxnID(ctx),
		ParentTxnID: GetParentTxnID(ctx),
		CallPath:    GetCallPath(ctx),
	}
}
