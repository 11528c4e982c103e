package auth

// Role is a user privilege level with a strict linear order.
type Role string

const (
	RoleReadonly Role = "readonly"
	RoleUser     Role = "user"
	RoleAdmin    Role = "admin"
)

var roleRanks = map[Role]int{
	RoleReadonly: 0,
	RoleUser:     1,
	RoleAdmin:    2,
}

// Valid reports whether the role is one of the known levels.
func (r Role) Valid() bool {
	_, ok := roleRanks[r]
	return ok
}

// AtLeast reports whether r grants at least the privileges of needed.
// Unknown roles rank below readonly.
func (r Role) AtLeast(needed Role) bool {
	return roleRanks[r] >= roleRanks[needed] && r.Valid()
}
