package domain

import (
	"github.com/google/uuid"
)

// UserID is the logical participant identity. It is stable across devices
// and owned by the external identity provider, so it stays opaque here.
type UserID string

// DeviceID identifies one live connection of a user (tab, phone, PWA install).
type DeviceID string

// CallID correlates every signaling message belonging to one call attempt.
// Generated by the caller when the call is placed.
type CallID string

type Role string

const (
	RoleClient Role = "client"
	RoleAdmin  Role = "admin"
)

func NewCallID() CallID {
	return CallID(uuid.NewString())
}

func NewDeviceID() DeviceID {
	return DeviceID(uuid.NewString())
}

func (id UserID) String() string   { return string(id) }
func (id DeviceID) String() string { return string(id) }
func (id CallID) String() string   { return string(id) }
