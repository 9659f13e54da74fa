package collab

import (
	"time"

	"flowcollab/backend/internal/ot/flowop"
)

const EventTypeOpApplied = "OP_APPLIED"

// DocOpEvent is written to the operation topic for every logged entry, so the
// versioning component can replay a flow in sequence order.
type DocOpEvent struct {
	EventType    string           `json:"eventType"` // always "OP_APPLIED"
	DocID        string           `json:"docId"`
	OperationID  string           `json:"operationId"`
	Sequence     uint64           `json:"sequence"`
	AuthorID     string           `json:"authorId"`
	BaseSequence uint64           `json:"baseSequence"`
	Transformed  bool             `json:"transformed"`
	Operation    flowop.Operation `json:"operation"`
	AppliedAt    time.Time        `json:"appliedAt"`
}
