package domain

import "time"

// Unlimited marks an account that is never charged.
const Unlimited int64 = -1

// CreditAccount holds a user's remaining credits and rate-limit window.
type CreditAccount struct {
	UserID          int64
	Balance         int64
	Reserved        int64
	Committed       int64
	Blocked         bool
	WindowStart     time.Time
	WindowCount     int
	PrevWindowCount int
	UpdatedAt       time.Time
}

// IsUnlimited reports whether the account bypasses balance checks.
func (a CreditAccount) IsUnlimited() bool {
	return a.Balance == Unlimited
}

// Available is the balance not held by outstanding reservations.
func (a CreditAccount) Available() int64 {
	if a.IsUnlimited() {
		return Unlimited
	}
	return a.Balance - a.Reserved
}

// CacheEntry maps a fingerprint to a resendable delivered-file reference.
type CacheEntry struct {
	Fingerprint string
	FileRef     string
	LastAccess  time.Time
	CreatedAt   time.Time
}
