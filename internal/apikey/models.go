package apikey

import "time"

// User is the owner of one or more API keys. The tier selects rate limits.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Tier      string    `json:"tier"`
	CreatedAt time.Time `json:"created_at"`
}

// Key is an API key row joined with its owner's tier.
type Key struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Name      string     `json:"name"`
	KeyHash   string     `json:"-"`
	KeyPrefix string     `json:"key_prefix"`
	IsActive  bool       `json:"is_active"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	Tier      string     `json:"tier"`
}

// CreateUserInput holds the fields required to create a user.
type CreateUserInput struct {
	Email string `json:"email"`
	Tier  string `json:"tier"`
}

// CreateKeyInput holds the fields required to store a new key.
type CreateKeyInput struct {
	UserID    string     `json:"user_id"`
	Name      string     `json:"name"`
	KeyHash   string     `json:"-"`
	KeyPrefix string     `json:"key_prefix"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// ListParams controls cursor-based pagination for listing a user's keys.
type ListParams struct {
	Cursor string `json:"cursor"`
	Limit  int    `json:"limit"`
}
