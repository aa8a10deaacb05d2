// Package telephony declares the boundary between the dispatch core and the
// outbound call vendor. Per spec.md §1's Non-goals, the vendor integration
// itself (a concrete telephony provider's SDK/webhook signature) is out of
// scope; only the interface the dispatch pipeline calls through, and the
// event shape it expects back, are defined here.
package telephony

import "context"

// DialRequest carries what an Initiator needs to place one outbound call.
type DialRequest struct {
	CampaignID string
	ContactID  string
	CallID     string
	PhoneE164  string
	CallerID   string
}

// DialResult is returned immediately by Initiate; it reflects whether the
// vendor accepted the dial request, not the eventual call outcome (which
// arrives later as a VendorEvent).
type DialResult struct {
	Accepted bool
	Reason   string
}

// Initiator places outbound calls with the vendor. Implementations live
// outside this module; dispatch depends only on this interface.
type Initiator interface {
	Initiate(ctx context.Context, req DialRequest) (DialResult, error)
}

// EventType enumerates the vendor webhook/event kinds the dispatch
// pipeline's HandleVendorEvent step reacts to, per spec.md §4.D.
type EventType string

const (
	EventRinging   EventType = "ringing"
	EventAnswered  EventType = "answered"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventNoAnswer  EventType = "no-answer"
	EventBusy      EventType = "busy"
	EventVoicemail EventType = "voicemail"
)

// VendorEvent is the normalized shape dispatch.HandleVendorEvent consumes,
// regardless of which concrete vendor produced it.
type VendorEvent struct {
	CampaignID        string
	CallID            string
	Type              EventType
	DetectedVoicemail bool
	DurationSeconds   int64
	CostCents         int64
}
