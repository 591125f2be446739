package models

import "time"

// Session is the server-side record of an issued refresh token, keyed by its
// jti. It exists so a refresh token can be revoked before its natural expiry;
// signature verification alone cannot express "this token was logged out".
type Session struct {
	JTI       string    `json:"jti"`
	UserID    string    `json:"user_id"`
	TenantID  string    `json:"tenant_id"`
	IPAddress string    `json:"ip_address,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
