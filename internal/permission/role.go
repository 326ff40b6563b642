package permission

import "fmt"

// Role is a per-vault access level. The hierarchy is strict:
// viewer < editor < admin < owner.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

var roleRanks = map[Role]int{
	RoleViewer: 1,
	RoleEditor: 2,
	RoleAdmin:  3,
	RoleOwner:  4,
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := roleRanks[r]
	return ok
}

// Rank returns the numeric rank of the role (viewer:1 … owner:4), 0 if unknown.
func (r Role) Rank() int {
	return roleRanks[r]
}

// AtLeast reports whether r ranks at or above min.
func (r Role) AtLeast(min Role) bool {
	return r.Rank() >= min.Rank() && r.Valid()
}

// CanWrite reports whether the role may mutate vault content.
func (r Role) CanWrite() bool {
	return r.AtLeast(RoleEditor)
}

// ParseRole validates a role string.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
	return r, nil
}
