package auth

import "github.com/golang-jwt/jwt/v5"

// RoleAdmin is the only role the admin API accepts.
const RoleAdmin = "admin"

// AdminTokenPayload captures the data available when minting a JWT.
type AdminTokenPayload struct {
	// Subject identifies the operator; it is logged with every admin action.
	Subject string
	Role    string
	JTI     string
}

// AdminClaims represents the typed JWT presented to the admin API.
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func (c *AdminClaims) IsAdmin() bool {
	return c != nil && c.Role == RoleAdmin
}
