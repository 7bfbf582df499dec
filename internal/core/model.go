package core

import "time"

// StreamInfo is what the source platform reports about a channel.
type StreamInfo struct {
	Live      bool
	Login     string
	Title     string
	Game      string // category name
	GameID    string
	Tags      []string
	Viewers   int
	StartedAt time.Time // zero when offline
}

// Part describes one destination broadcast within a session.
type Part struct {
	Number      int       `json:"number"`
	SessionID   string    `json:"session_id"`
	EndpointID  string    `json:"endpoint_id,omitempty"`
	BroadcastID string    `json:"broadcast_id,omitempty"`
	Address     string    `json:"address,omitempty"` // ingest address
	Key         string    `json:"-"`                 // stream key
	CreatedAt   time.Time `json:"created_at"`
	RolloverAt  time.Time `json:"rollover_at"` // zero when scheduled rollover is disabled
	Title       string    `json:"title"`
}

// RolloverDue reports whether a scheduled rollover time has been reached.
func (p *Part) RolloverDue(now time.Time) bool {
	return p != nil && !p.RolloverAt.IsZero() && !now.Before(p.RolloverAt)
}

// Visibility values accepted by the destination.
const (
	VisibilityPublic   = "public"
	VisibilityUnlisted = "unlisted"
	VisibilityPrivate  = "private"
)

// ValidVisibility reports whether v is one of the destination's values.
func ValidVisibility(v string) bool {
	switch v {
	case VisibilityPublic, VisibilityUnlisted, VisibilityPrivate:
		return true
	}
	return false
}

// Session is one contiguous live period of the source, as recorded in
// the ledger.
type Session struct {
	ID          string    `json:"id"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"` // zero while live
	Title       string    `json:"title"`
	Game        string    `json:"game"`
	PeakViewers int       `json:"peak_viewers"`
}

// PartRecord is a part as kept in the ledger, with its outcome.
type PartRecord struct {
	Part
	FinalizedAt    time.Time `json:"finalized_at"`
	FinalizeError  string    `json:"finalize_error,omitempty"`
	Attempts       int       `json:"attempts"`
	FailedAttempts int       `json:"failed_attempts"`
}

// Attempt is one finished run of the fetch and transcode legs.
type Attempt struct {
	SessionID     string    `json:"session_id"`
	Part          int       `json:"part"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	Success       bool      `json:"success"`
	Stopped       bool      `json:"stopped"`
	FetchExit     int       `json:"fetch_exit"`
	TranscodeExit int       `json:"transcode_exit"`
}

// Notification kinds.
const (
	NotifySessionStart = "session_start"
	NotifySessionEnd   = "session_end"
	NotifyPartRollover = "part_rollover"
	NotifyLongCooldown = "long_cooldown"
	NotifyError        = "error"
)

// Notification is a status message for operators.
type Notification struct {
	Kind string    `json:"kind"`
	Text string    `json:"text"`
	Time time.Time `json:"time"`
}
