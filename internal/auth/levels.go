package auth

import "fmt"

// UserType is the privilege class of an authenticated principal.
// Ordinal order is privilege order: Anon < User < Operator < Admin.
type UserType int

const (
	Anon UserType = iota
	User
	Operator
	Admin
)

func (t UserType) String() string {
	switch t {
	case Anon:
		return "anonymous"
	case User:
		return "user"
	case Operator:
		return "operator"
	case Admin:
		return "administrator"
	default:
		return "unknown"
	}
}

// ParseUserType converts a configured role name ("administrator") into a UserType.
func ParseUserType(s string) (UserType, error) {
	switch s {
	case "administrator":
		return Admin, nil
	case "operator":
		return Operator, nil
	case "user":
		return User, nil
	default:
		return Anon, fmt.Errorf("unknown user type %q", s)
	}
}

// SecurityLevel is the minimum privilege ordinal an operation requires.
// Several ONVIF access classes share an ordinal, so they alias.
type SecurityLevel int

const (
	PreAuth             SecurityLevel = 0
	ReadSystem          SecurityLevel = 1
	ReadMedia           SecurityLevel = 1
	Actuate             SecurityLevel = 2
	ReadSystemSensitive SecurityLevel = 2
	WriteSystem         SecurityLevel = 3
	ReadSystemSecret    SecurityLevel = 3
	Unrecoverable       SecurityLevel = 3
)

// HasAccess reports whether a user of the given type may invoke an
// operation gated at the given level.
func HasAccess(user UserType, lvl SecurityLevel) bool {
	return int(user) >= int(lvl)
}

// UserAccount is one entry of the static system-users list. Loaded once
// from configuration and immutable for the process lifetime.
type UserAccount struct {
	Login    string
	Password string
	Type     UserType
}

// UserTypeByLogin resolves a login against the system-users list.
// Unknown logins fall back to Anon.
func UserTypeByLogin(login string, users []UserAccount) UserType {
	for _, u := range users {
		if u.Login == login {
			return u.Type
		}
	}
	return Anon
}
