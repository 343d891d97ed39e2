package domain

// Caller identifies who is making a request. The active order is never taken
// from the client; it is resolved from the session.
type Caller struct {
	SessionToken string
}
