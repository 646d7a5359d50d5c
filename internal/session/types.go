package session

import "time"

// CreateRequest describes a device connection being registered.
type CreateRequest struct {
	UserID         string
	PersonalityKey string
	Provider       string
	VoiceID        string
}

// ListResponse is the admin view of the registry.
type ListResponse struct {
	Active   int        `json:"active"`
	Sessions []*Session `json:"sessions"`
	AsOf     time.Time  `json:"as_of"`
}
