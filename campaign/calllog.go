package campaign

import "time"

// CallDirection is the direction of a telephony call.
type CallDirection string

const (
	DirectionOutbound CallDirection = "outbound"
	DirectionInbound  CallDirection = "inbound"
)

// CallStatus mirrors the vendor-reported lifecycle of one dial attempt.
type CallStatus string

const (
	CallQueued     CallStatus = "queued"
	CallInitiated  CallStatus = "initiated"
	CallRinging    CallStatus = "ringing"
	CallInProgress CallStatus = "in-progress"
	CallCompleted  CallStatus = "completed"
	CallFailed     CallStatus = "failed"
	CallNoAnswer   CallStatus = "no-answer"
	CallBusy       CallStatus = "busy"
	CallCancelled  CallStatus = "cancelled"
)

// Terminal reports whether the vendor will send no further status
// transitions for this call.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallCompleted, CallFailed, CallNoAnswer, CallBusy, CallCancelled:
		return true
	default:
		return false
	}
}

// BeyondQueued reports whether status represents the vendor having
// acknowledged the call (ringing or later), the trigger for upgrading a
// pre-dial lease to an active lease per spec.md §4.D step 6.
func (s CallStatus) BeyondQueued() bool {
	switch s {
	case CallRinging, CallInProgress, CallCompleted, CallFailed, CallNoAnswer, CallBusy, CallCancelled:
		return true
	default:
		return false
	}
}

// Cost is the per-call cost breakdown.
type Cost struct {
	TelephonyCents int64
	AICents        int64
	TotalCents     int64
}

// CallLog is one record per dial attempt.
type CallLog struct {
	ID                string
	Direction         CallDirection
	FromNumber        string
	ToNumber          string
	UserID            string
	AgentID           string
	CampaignID        string
	ContactID         string
	VendorCallID      string
	Status            CallStatus
	StartedAt         time.Time
	EndedAt           time.Time
	DurationSeconds   int64
	Transcript        string
	DetectedVoicemail bool
	RetryOf           string
	Cost              Cost
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// FailureCategory classifies a terminal call-log status for the retry
// policy table in spec.md §4.J.
type FailureCategory string

const (
	FailureNoAnswer      FailureCategory = "no-answer"
	FailureBusy          FailureCategory = "busy"
	FailureVoicemail     FailureCategory = "voicemail"
	FailureNetworkError  FailureCategory = "network_error"
	FailureInvalidNumber FailureCategory = "invalid_number"
	FailureCompleted     FailureCategory = "completed"
)

// Categorize maps a terminal call status (plus the detected-voicemail flag)
// to the failure category the retry policy keys off of.
func Categorize(status CallStatus, detectedVoicemail bool) FailureCategory {
	if detectedVoicemail {
		return FailureVoicemail
	}
	switch status {
	case CallNoAnswer:
		return FailureNoAnswer
	case CallBusy:
		return FailureBusy
	case CallCompleted:
		return FailureCompleted
	default:
		return FailureNetworkError
	}
}
