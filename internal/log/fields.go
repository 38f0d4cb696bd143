package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID = "session_id"
	FieldRequestID = "request_id"
	FieldUserID    = "user_id"
	FieldHost      = "host"
	FieldDeviceID  = "device_id"
	FieldTreeID    = "tree_id"
	FieldNodeID    = "node_id"
	FieldEdgeID    = "edge_id"
	FieldResultID  = "result_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldSequence  = "sequence"
	FieldQueue     = "queue_depth"

	// Media fields
	FieldSegment  = "segment"
	FieldDuration = "duration_s"
	FieldMethod   = "method"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Path / URL fields
	FieldPath = "path"
	FieldURL  = "url"
)
