package ws

import (
	"encoding/json"
	"time"

	"flowcollab/backend/internal/ot/flowop"
	"flowcollab/backend/internal/session"
)

// client -> server
const (
	MsgJoin            = "join"
	MsgLeave           = "leave"
	MsgOpSubmit        = "op_submit"
	MsgCursorUpdate    = "cursor_update"
	MsgSelectionUpdate = "selection_update"
	MsgHeartbeat       = "heartbeat"
	MsgGetActiveUsers  = "get_active_users"
	MsgGetHistory      = "get_history"
	MsgResync          = "resync"
	MsgSaveSnapshot    = "save_snapshot"
)

// server -> client replies; broadcast events keep their event type.
const (
	MsgWelcome       = "welcome"
	MsgJoined        = "joined"
	MsgLeft          = "left"
	MsgOpAck         = "op_ack"
	MsgHeartbeatAck  = "heartbeat_ack"
	MsgActiveUsers   = "active_users"
	MsgHistory       = "history"
	MsgResyncState   = "resync_state"
	MsgSnapshotSaved = "snapshot_saved"
	MsgError         = "error"
)

type ClientMessage struct {
	Type string `json:"type"`
	// RequestID is echoed in the reply so clients can match responses.
	RequestID   string             `json:"requestId,omitempty"`
	FlowID      string             `json:"flowId"`
	DisplayName string             `json:"displayName,omitempty"`
	Avatar      string             `json:"avatar,omitempty"`
	Operation   *flowop.Operation  `json:"operation,omitempty"`
	Cursor      *session.Cursor    `json:"cursor,omitempty"`
	Selection   *session.Selection `json:"selection,omitempty"`
	Limit       int                `json:"limit,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ServerMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	FlowID    string          `json:"flowId,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	Sequence  uint64          `json:"sequence,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     *ErrorBody      `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// OpAck confirms a submitted operation to its author.
type OpAck struct {
	Sequence       uint64           `json:"sequence"`
	WasTransformed bool             `json:"wasTransformed"`
	Noop           bool             `json:"noop"`
	Operation      flowop.Operation `json:"operation"`
	// ApplyError is set when the store rejected the operation. The sequence
	// stays assigned.
	ApplyError string `json:"applyError,omitempty"`
}
