package models

import (
	"time"
)

// ConsumerPresence is the heartbeat a running consumer instance publishes.
type ConsumerPresence struct {
	ConsumerID string         `json:"consumer_id"`
	Hostname   string         `json:"hostname"`
	Transport  string         `json:"transport"`
	Status     PresenceStatus `json:"status"`
	Processed  int64          `json:"processed"`
	StartedAt  time.Time      `json:"started_at"`
	LastSeen   time.Time      `json:"last_seen"`
}

type PresenceStatus string

const (
	PresenceIdle     PresenceStatus = "idle"
	PresenceBusy     PresenceStatus = "busy"
	PresenceDraining PresenceStatus = "draining"
)
