package domain

import "time"

// StatusInFlight marks a ledger record whose request has not finished yet.
const StatusInFlight = 0

// IdempotencyRecord is the ledger entry for one client-issued mutating request.
type IdempotencyRecord struct {
	Key          string
	RequestHash  string
	StatusCode   int
	ResponseBody []byte
	CreatedAt    time.Time
}

func (r IdempotencyRecord) InFlight() bool {
	return r.StatusCode == StatusInFlight
}

// Expired reports whether the record is older than the retention window at now.
func (r IdempotencyRecord) Expired(now time.Time, retention time.Duration) bool {
	return retention > 0 && !r.CreatedAt.Add(retention).After(now)
}

type CheckState string

const (
	CheckNew       CheckState = "new"
	CheckInFlight  CheckState = "in_flight"
	CheckCompleted CheckState = "completed"
)

// IdempotencyCheck is the ledger's verdict for a key/hash pair.
type IdempotencyCheck struct {
	State      CheckState
	StatusCode int
	Body       []byte
}

// ConflictStatus is returned for a key reused with a different request hash.
const ConflictStatus = 409

// ConflictBody is the stored-outcome body replayed for a reused key.
var ConflictBody = []byte(`{"error":"idempotency key reused with a different request","code":"idempotency_conflict"}`)

// Conflict is the check result every ledger backend returns on hash mismatch.
func Conflict() IdempotencyCheck {
	return IdempotencyCheck{
		State:      CheckCompleted,
		StatusCode: ConflictStatus,
		Body:       append([]byte(nil), ConflictBody...),
	}
}

// Verdict classifies an existing, unexpired record for a request with requestHash.
func (r IdempotencyRecord) Verdict(requestHash string) IdempotencyCheck {
	if r.RequestHash != requestHash {
		return Conflict()
	}
	if r.InFlight() {
		return IdempotencyCheck{State: CheckInFlight}
	}
	return IdempotencyCheck{
		State:      CheckCompleted,
		StatusCode: r.StatusCode,
		Body:       r.ResponseBody,
	}
}
