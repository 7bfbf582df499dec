package relay

import "time"

// State is the orchestrator's position in the session lifecycle.
type State int

const (
	Offline State = iota
	LiveNoPipe
	LivePiping
	CooldownShort
	CooldownLong
)

func (s State) String() string {
	switch s {
	case Offline:
		return "offline"
	case LiveNoPipe:
		return "live_no_pipe"
	case LivePiping:
		return "live_piping"
	case CooldownShort:
		return "cooldown_short"
	case CooldownLong:
		return "cooldown_long"
	default:
		return "unknown"
	}
}

// Live reports whether a session is open in this state.
func (s State) Live() bool { return s != Offline }

// Status is the snapshot the orchestrator publishes after every step.
// Readers get a copy and must not expect it to be current.
type Status struct {
	State         string    `json:"state"`
	SessionID     string    `json:"session_id,omitempty"`
	SessionStart  time.Time `json:"session_start,omitempty"`
	Title         string    `json:"title,omitempty"`
	Game          string    `json:"game,omitempty"`
	Viewers       int       `json:"viewers"`
	PeakViewers   int       `json:"peak_viewers"`
	Part          int       `json:"part"`
	BroadcastID   string    `json:"broadcast_id,omitempty"`
	RolloverAt    time.Time `json:"rollover_at,omitempty"`
	Failures      int       `json:"failures"`
	PipeActive    bool      `json:"pipe_active"`
	FetchPID      int       `json:"fetch_pid,omitempty"`
	TranscodePID  int       `json:"transcode_pid,omitempty"`
	PipeStarted   time.Time `json:"pipe_started,omitempty"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`

	Sessions       uint64 `json:"sessions_total"`
	Parts          uint64 `json:"parts_total"`
	Attempts       uint64 `json:"attempts_total"`
	FailedAttempts uint64 `json:"failed_attempts_total"`
	LongCooldowns  uint64 `json:"long_cooldowns_total"`
}
