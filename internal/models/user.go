package models

import "time"

// User is an account that hires agents and owns conversations.
type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Sanitize returns a copy of the user without the password hash.
func (u User) Sanitize() User {
	u.PasswordHash = ""
	return u
}
