package domain

// Role is the coarse permission class carried in an access token. The engine
// only distinguishes regular account holders from backend automation and the
// operators who may drive it by hand.
type Role string

const (
	RoleAccount Role = "account" // policy owners and liquidity providers
	RoleBackend Role = "backend" // scheduler / automation identity
	RoleAdmin   Role = "admin"   // back-office operators
)

// IsBackend reports whether the role may drive backend-only transitions
// (expiration, manual sweeps, reconciliation controls).
func (r Role) IsBackend() bool {
	return r == RoleBackend || r == RoleAdmin
}
