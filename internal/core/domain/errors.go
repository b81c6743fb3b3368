package domain

import "errors"

var (
	ErrResourceNotFound   = errors.New("resource not found")
	ErrUserNotFound       = errors.New("user not found")
	ErrAuditEntryNotFound = errors.New("audit entry not found")
	ErrVersionConflict    = errors.New("resource version conflict")
	ErrDuplicateEntry     = errors.New("permission entry already exists")
	ErrLastOwner          = errors.New("cannot remove the last owner")
	ErrTokenAlreadyUsed   = errors.New("rollback token already used")
	ErrRoomNotFound       = errors.New("room not found")
)
