package models

import (
	"time"

	"github.com/google/uuid"
)

// User is the stored account. PasswordHash never leaves the server.
type User struct {
	ID           uuid.UUID
	Handle       string
	Email        string
	PasswordHash string
	Color        string
	CreatedAt    time.Time
}

// Claim builds the session claim for u, issued at the given time.
func (u *User) Claim(issuedAt time.Time) Claim {
	return Claim{
		SubjectID: u.ID.String(),
		Handle:    u.Handle,
		Email:     u.Email,
		Color:     u.Color,
		IssuedAt:  issuedAt,
	}
}

// SigninRequest is the body of POST /api/v1/signin.
type SigninRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignupRequest is the body of POST /api/v1/signup.
type SignupRequest struct {
	Handle   string `json:"handle"`
	Email    string `json:"email"`
	Password string `json:"password"`
}
