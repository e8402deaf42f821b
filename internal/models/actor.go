package models

type Role string

const (
	RoleCashier Role = "cashier"
	RoleCounter Role = "counter"
	RoleManager Role = "manager"
	RoleAdmin   Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleCashier, RoleCounter, RoleManager, RoleAdmin:
		return true
	}
	return false
}

// Actor is the authenticated caller of an operation. TerminalID is set for
// requests coming from a point-of-sale terminal.
type Actor struct {
	ID         string `json:"id"`
	Role       Role   `json:"role"`
	TerminalID string `json:"terminal_id,omitempty"`
}

func (a Actor) HasRole(roles ...Role) bool {
	for _, r := range roles {
		if a.Role == r {
			return true
		}
	}
	return false
}
