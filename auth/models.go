package auth

import (
	"time"

	"safeswap/lifecycle"
)

type Role = lifecycle.Role

const (
	RoleUser  = lifecycle.RoleUser
	RoleAdmin = lifecycle.RoleAdmin
)

// KYCStatus tracks identity verification of a user.
type KYCStatus string

const (
	KYCNone     KYCStatus = "none"
	KYCPending  KYCStatus = "pending"
	KYCApproved KYCStatus = "approved"
	KYCRejected KYCStatus = "rejected"
)

// User is the domain representation of an authenticated user.
// It mirrors the users table and should not include JSON annotations so it
// can be reused by different presentation layers.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
	KYCStatus    KYCStatus
	KYCNote      string
	KYCReviewer  *string
	KYCReviewed  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Actor is the identity the lifecycle services authorize against.
func (u User) Actor() lifecycle.Actor {
	return lifecycle.Actor{ID: u.ID, Role: u.Role}
}

// RegisterRequest contains user registration data supplied by callers.
// Admin accounts are provisioned out of band.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// KYCDecision is an admin's verdict on a pending submission.
type KYCDecision string

const (
	KYCDecisionApprove KYCDecision = "approve"
	KYCDecisionReject  KYCDecision = "reject"
)
