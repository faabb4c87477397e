package rbac

type Role string
type Capability string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

const (
	CapabilityNone          Capability = "none"
	CapabilityAuthenticated Capability = "authenticated"
	CapabilityAdmin         Capability = "admin"
)

// Can reports whether an authenticated principal holding role may exercise
// capability. Whether a principal is present at all is the caller's concern.
func Can(role Role, capability Capability) bool {
	switch capability {
	case CapabilityNone:
		return true
	case CapabilityAuthenticated:
		return role == RoleUser || role == RoleAdmin
	case CapabilityAdmin:
		return role == RoleAdmin
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleUser, RoleAdmin:
		return Role(role)
	default:
		return RoleUser
	}
}
