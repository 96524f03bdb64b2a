// Package wire implements the control-plane's framed TCP envelope codec
// (spec.md §4.3/§6.1): UTF-8, LF-terminated JSON lines, each carrying a
// `kind`, optional `requestId`, and kind-specific fields.
//
// Generalizes the teacher's internal/rpc line-delimited JSON protocol
// (internal/rpc/server.go's handleConnection, internal/rpc/protocol.go's
// Request/Response) from a single request/response pair to the gateway's
// multi-kind envelope set.
package wire

import "encoding/json"

// Kind enumerates every envelope kind the protocol exchanges.
type Kind string

const (
	KindAuth             Kind = "auth"
	KindAuthOK           Kind = "auth.ok"
	KindAuthFail         Kind = "auth.fail"
	KindCommand          Kind = "command"
	KindCommandResult    Kind = "command.result"
	KindCommandError     Kind = "command.error"
	KindPtyInput         Kind = "pty.input"
	KindPtyResize        Kind = "pty.resize"
	KindPtySignal        Kind = "pty.signal"
	KindPtyOutput        Kind = "pty.output"
	KindPtyEvent         Kind = "pty.event"
	KindPtyExit          Kind = "pty.exit"
	KindStreamEvent      Kind = "stream.event"
)

// Envelope is the wire shape every line carries. Fields are populated
// according to Kind; unused fields are omitted on marshal.
type Envelope struct {
	Kind      Kind            `json:"kind"`
	RequestID string          `json:"requestId,omitempty"`

	// auth
	Token  string `json:"token,omitempty"`
	Reason string `json:"reason,omitempty"`

	// command / command.result / command.error
	Type    string          `json:"type,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Message string          `json:"message,omitempty"`
	// ErrorCode classifies a command.error envelope (spec.md §7):
	// not-found, conflict, state, validation, auth, capacity, upstream.
	ErrorCode string `json:"errorCode,omitempty"`

	// pty.*
	SessionID   string          `json:"sessionId,omitempty"`
	DataBase64  string          `json:"dataBase64,omitempty"`
	Cols        int             `json:"cols,omitempty"`
	Rows        int             `json:"rows,omitempty"`
	SignalKind  string          `json:"signalKind,omitempty"`
	OutputCursor int64          `json:"outputCursor,omitempty"`
	ChunkBase64 string          `json:"chunkBase64,omitempty"`
	Event       json.RawMessage `json:"event,omitempty"`
	ExitCode    int             `json:"code,omitempty"`
	ExitSignal  string          `json:"signal,omitempty"`

	// stream.event
	SubscriptionID string `json:"subscriptionId,omitempty"`
	Cursor         int64  `json:"cursor,omitempty"`
}
