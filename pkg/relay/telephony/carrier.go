package telephony

import (
	"fmt"

	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// callUpdater is the single Twilio API method TwilioCarrier needs, narrowed
// from *openapi.DefaultApiService so tests can substitute a fake instead of
// hitting Twilio's network API.
type callUpdater interface {
	UpdateCall(sid string, params *openapi.UpdateCallParams) (*openapi.ApiV2010Call, error)
}

// TwilioCarrier ends the PSTN leg of a call via Twilio's REST API, grounded
// on lookatitude-beluga-ai's pkg/messaging/providers/twilio client
// construction idiom (twilio.ClientParams{Username, Password} +
// twilio.NewRestClientWithParams), satisfying callmanager.CarrierTerminator.
// spec.md §4.17 keeps outbound dial placement and webhook routes out of
// scope; ending an in-progress call is the one REST call CallManager's
// cleanup path actually needs.
type TwilioCarrier struct {
	api callUpdater
}

// NewTwilioCarrier builds a TwilioCarrier from account credentials.
func NewTwilioCarrier(accountSID, authToken string) *TwilioCarrier {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &TwilioCarrier{api: client.Api}
}

// TerminateCall sets the call's status to "completed", hanging up the PSTN
// leg. Matches call_manager.py's cleanup_call step 0 ("terminate Twilio call
// via REST, skipped if no CallSid").
func (c *TwilioCarrier) TerminateCall(callSID string) error {
	params := &openapi.UpdateCallParams{}
	params.SetStatus("completed")

	if _, err := c.api.UpdateCall(callSID, params); err != nil {
		return fmt.Errorf("telephony: terminate call %s: %w", callSID, err)
	}
	return nil
}
