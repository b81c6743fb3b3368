package utils

import (
	"fmt"

	"github.com/google/uuid"
)

// GenerateSessionID generates a unique realtime session ID
func GenerateSessionID() string {
	return fmt.Sprintf("session_%s", uuid.NewString())
}

// GenerateAuditID generates a unique audit entry ID
func GenerateAuditID() string {
	return fmt.Sprintf("audit_%s", uuid.NewString())
}

// GenerateRollbackToken generates a single-use rollback token
func GenerateRollbackToken() string {
	return uuid.NewString()
}

// GenerateUserID generates a unique user ID
func GenerateUserID() string {
	return fmt.Sprintf("user_%s", uuid.NewString())
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	return fmt.Sprintf("req_%s", uuid.NewString())
}
