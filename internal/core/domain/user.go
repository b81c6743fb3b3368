package domain

import "time"

type UserID string

type User struct {
	ID             UserID
	Username       string
	Email          string
	PrivateProfile bool
	Verified       bool
	Federated      bool
	CreatedAt      time.Time
}
