package campaign

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCampaignStateTransitions(t *testing.T) {
	cases := []struct {
		from, to CampaignState
		ok       bool
	}{
		{StateDraft, StateActive, true},
		{StateActive, StatePaused, true},
		{StatePaused, StateActive, true},
		{StateActive, StateCompleted, true},
		{StateActive, StateCancelled, true},
		{StatePaused, StateCancelled, true},
		{StateDraft, StatePaused, false},
		{StateDraft, StateCompleted, false},
		{StateCompleted, StateActive, false},
		{StateCancelled, StateActive, false},
		{StatePaused, StateCompleted, false},
	}
	for _, c := range cases {
		err := c.from.Transition(c.to)
		if c.ok {
			require.NoError(t, err, "%s -> %s", c.from, c.to)
		} else {
			require.Error(t, err, "%s -> %s", c.from, c.to)
		}
	}
}

func TestSameStateTransitionIsIdempotent(t *testing.T) {
	for _, s := range []CampaignState{StateDraft, StateActive, StatePaused, StateCompleted, StateCancelled} {
		require.NoError(t, s.Transition(s))
	}
}

func TestTerminalStates(t *testing.T) {
	require.True(t, StateCompleted.Terminal())
	require.True(t, StateCancelled.Terminal())
	require.False(t, StateActive.Terminal())
	require.False(t, StatePaused.Terminal())
	require.False(t, StateDraft.Terminal())
}

func TestContactStatusTerminalAndRetryable(t *testing.T) {
	require.True(t, ContactCompleted.Terminal())
	require.True(t, ContactFailed.Terminal())
	require.True(t, ContactSkipped.Terminal())
	require.False(t, ContactNoAnswer.Terminal())
	require.False(t, ContactInProgress.Terminal())

	require.True(t, ContactNoAnswer.Retryable())
	require.True(t, ContactBusy.Retryable())
	require.True(t, ContactVoicemail.Retryable())
	require.False(t, ContactCompleted.Retryable())
	require.False(t, ContactFailed.Retryable())
}

func TestValidE164(t *testing.T) {
	for _, valid := range []string{"+14155550101", "+442071838750", "+861012345678"} {
		require.True(t, ValidE164(valid), valid)
	}
	for _, invalid := range []string{"14155550101", "+0415555", "+1 415 555 0101", "", "+"} {
		require.False(t, ValidE164(invalid), invalid)
	}
}

func TestContactValidate(t *testing.T) {
	c := &Contact{PhoneNumber: "+14155550101", CampaignID: "camp-1"}
	require.NoError(t, c.Validate())

	require.Error(t, (&Contact{PhoneNumber: "bogus", CampaignID: "camp-1"}).Validate())
	require.Error(t, (&Contact{PhoneNumber: "+14155550101"}).Validate())
}

func TestTotalsAllTerminal(t *testing.T) {
	require.False(t, Totals{}.AllTerminal())
	require.False(t, Totals{TotalContacts: 3, Completed: 2}.AllTerminal())
	require.True(t, Totals{TotalContacts: 3, Completed: 2, Failed: 1}.AllTerminal())
}
