package model

import "time"

// CachedSession is the minimal signed-in-user snapshot kept locally so the
// app stays usable offline. It only drives display; it never authorizes a
// remote write.
type CachedSession struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	AvatarRef   string    `json:"avatarRef,omitempty"`
	CachedAt    time.Time `json:"cachedAt"`
}

// Expired reports whether the snapshot is older than ttl at the given time.
func (s CachedSession) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.CachedAt) > ttl
}

// Credentials is the explicit capability handed to the upload worker for one
// attempt. The worker fails fast with an auth error when it is invalid
// instead of burning retries against a guaranteed-to-fail token.
type Credentials struct {
	UserID    string
	Token     string
	ExpiresAt time.Time
}

// Valid reports whether the credentials can plausibly authorize an upload at
// the given time. A zero ExpiresAt means the token does not expire.
func (c Credentials) Valid(now time.Time) bool {
	if c.UserID == "" || c.Token == "" {
		return false
	}
	if !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt) {
		return false
	}
	return true
}
