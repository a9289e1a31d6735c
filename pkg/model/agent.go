package model

import "time"

// Agent is a registered actor participating in a project. Names are unique
// per project; auto-generated as Adjective+Noun when omitted at
// registration. Agents are never deleted — only touched.
type Agent struct {
	Name            string    `json:"name"`
	ProjectKey      string    `json:"project_key"`
	Program         string    `json:"program,omitempty"`
	Model           string    `json:"model,omitempty"`
	TaskDescription string    `json:"task_description,omitempty"`
	RegisteredAt    time.Time `json:"registered_at"`
	LastActiveAt    time.Time `json:"last_active_at"`
}

// Presence buckets an agent's liveness from LastActiveAt, mirroring the
// teacher's online/idle/offline thresholds (2 / 10 minutes).
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceIdle    Presence = "idle"
	PresenceOffline Presence = "offline"
)

// ComputePresence buckets an agent by how long ago it was last active.
func ComputePresence(lastActive time.Time, now time.Time) Presence {
	since := now.Sub(lastActive)
	switch {
	case since < 2*time.Minute:
		return PresenceOnline
	case since < 10*time.Minute:
		return PresenceIdle
	default:
		return PresenceOffline
	}
}
