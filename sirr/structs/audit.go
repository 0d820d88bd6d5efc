package structs

// Audit actions recorded for data-plane operations.
const (
	AuditActionCreate = "secret.create"
	AuditActionRead   = "secret.read"
	AuditActionBurned = "secret.burned"
	AuditActionPatch  = "secret.patch"
	AuditActionDelete = "secret.delete"
	AuditActionList   = "secret.list"
	AuditActionPrune  = "secret.prune"
)

const (
	// AuditDefaultLimit is the number of events returned when the caller
	// does not ask for a limit.
	AuditDefaultLimit = 100

	// AuditMaxLimit caps any requested limit.
	AuditMaxLimit = 1000
)

// AuditEvent is one append-only entry in the audit log. Events are keyed by
// a monotonic sequence so enumeration is insertion-ordered.
type AuditEvent struct {
	Timestamp int64  `json:"timestamp"`
	Action    string `json:"action"`
	Key       string `json:"key,omitempty"`
	IP        string `json:"ip"`
	Success   bool   `json:"success"`
	Detail    string `json:"detail,omitempty"`
}

// AuditQuery filters audit enumeration. Since and Until are inclusive Unix
// seconds; a zero Limit means AuditDefaultLimit. RedactKeys replaces key
// names with a short SHA-256 digest on read.
type AuditQuery struct {
	Since      *int64
	Until      *int64
	Action     string
	Limit      int
	RedactKeys bool
}
