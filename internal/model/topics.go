package model

import "time"

// Bus keys that are not addressed by a region resource key.
const (
	TopicRegistryUpdated     = "BeaconRegistry:updated"
	TopicProfileUpdated      = "Profile:updated"
	TopicUserChanged         = "User:changed"
	TopicLocationSignificant = "Location:significant"
	TopicAppForeground       = "App:foreground"
	TopicNetworkRestored     = "Network:restored"
)

// RecoUpdatedTopic is published after a recommendation client for category refreshes.
func RecoUpdatedTopic(category string) string {
	return "Reco:" + category + ":updated"
}

// ProfileUpdate is the payload of TopicProfileUpdated.
type ProfileUpdate struct {
	Tag   string `json:"tag"`
	Value string `json:"value"`
}

// UserChange is the payload of TopicUserChanged. An empty id is the anonymous user.
type UserChange struct {
	Previous string `json:"previous"`
	Current  string `json:"current"`
}

// PendingNotification is an action surfaced as a background notification and waiting
// for the user to tap it.
type PendingNotification struct {
	ID        string    `json:"id"`
	Action    Action    `json:"action"`
	Alert     string    `json:"alert"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the notification can no longer fire.
func (p PendingNotification) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}
