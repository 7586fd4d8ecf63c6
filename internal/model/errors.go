package model

import "errors"

// Error taxonomy shared by the engine packages. Callers match with errors.Is.
var (
	// ErrUnknownRegion marks a signal or lookup for a region id with no record. Never fatal.
	ErrUnknownRegion = errors.New("unknown region")
	// ErrUnknownItem marks a lookup for an item id with no record.
	ErrUnknownItem = errors.New("unknown item")
	// ErrInvalidArgument marks empty or malformed identifiers passed to mutating calls.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrUnknownNotification marks a click for a notification id with no pending record.
	ErrUnknownNotification = errors.New("unknown notification")
	// ErrNotificationExpired marks a click that arrived after the notification TTL.
	ErrNotificationExpired = errors.New("notification expired")
)
