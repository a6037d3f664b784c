package realtime

import (
	"errors"
	"strings"
)

type Role string

const (
	RoleDriver Role = "driver"
	RoleRider  Role = "rider"
)

// Identity is the authenticated principal behind one connection.
type Identity struct {
	UserID string
	Role   Role
}

var ErrUnauthorized = errors.New("unauthorized")

// TokenVerifier maps a bearer token to an identity. Real identity lives in
// an external auth service; the hub only consumes the result.
type TokenVerifier interface {
	Verify(token string) (Identity, error)
}

// StaticVerifier accepts tokens of the form "role:user-id:secret". It stands
// in for the external identity service in local and test setups.
type StaticVerifier struct {
	Secret string
}

func (v StaticVerifier) Verify(token string) (Identity, error) {
	parts := strings.SplitN(token, ":", 3)
	if len(parts) != 3 || parts[2] != v.Secret {
		return Identity{}, ErrUnauthorized
	}
	role := Role(parts[0])
	if role != RoleDriver && role != RoleRider {
		return Identity{}, ErrUnauthorized
	}
	if parts[1] == "" {
		return Identity{}, ErrUnauthorized
	}
	return Identity{UserID: parts[1], Role: role}, nil
}
