package model

// WebSocket message types
const (
	WSMessageTypeProgress = "progress"
	WSMessageTypeSnapshot = "snapshot"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// ProgressNotification is the payload published on job:{id}:progress
type ProgressNotification struct {
	JobID           string    `json:"job_id"`
	Status          JobStatus `json:"status"`
	ProgressPercent int       `json:"progress_percent"`
}

// WSSnapshotMessage is sent once when a subscriber connects
type WSSnapshotMessage struct {
	Type string `json:"type"`
	Job  *Job   `json:"job"`
}
