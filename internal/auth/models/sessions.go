package models

import "time"

// SessionLifetime bounds both the cookie Max-Age and the claim expiry.
const SessionLifetime = 7 * 24 * time.Hour

// Claim is the identity embedded in a signed session token. Once verified
// it is authoritative for the rest of the request.
type Claim struct {
	SubjectID string
	Handle    string
	Email     string
	Color     string
	IssuedAt  time.Time
}

// SessionResponse echoes the claim back to the client.
type SessionResponse struct {
	ID       string    `json:"id"`
	Handle   string    `json:"handle"`
	Email    string    `json:"email"`
	Color    string    `json:"color"`
	IssuedAt time.Time `json:"issued_at"`
}

// ToResponse converts a claim into its client representation.
func (c *Claim) ToResponse() SessionResponse {
	return SessionResponse{
		ID:       c.SubjectID,
		Handle:   c.Handle,
		Email:    c.Email,
		Color:    c.Color,
		IssuedAt: c.IssuedAt,
	}
}
