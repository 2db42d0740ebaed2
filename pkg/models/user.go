package models

import "time"

// User represents an authenticated caller: the subject identity plus the
// account every project, thread, and run it touches is scoped to. The
// control plane never resolves users itself; they arrive from upstream
// middleware or from the auth service's JWT/API-key validation.
type User struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id,omitempty"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Account returns the account id the user's operations are scoped to,
// defaulting to the user's own id for self-owned accounts.
func (u *User) Account() string {
	if u.AccountID != "" {
		return u.AccountID
	}
	return u.ID
}
