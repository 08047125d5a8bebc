package telephony

import (
	"errors"
	"testing"

	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

type fakeCallUpdater struct {
	sid       string
	status    string
	err       error
}

func (f *fakeCallUpdater) UpdateCall(sid string, params *openapi.UpdateCallParams) (*openapi.ApiV2010Call, error) {
	f.sid = sid
	if params.Status != nil {
		f.status = *params.Status
	}
	if f.err != nil {
		return nil, f.err
	}
	return &openapi.ApiV2010Call{}, nil
}

func TestTerminateCallSetsStatusCompleted(t *testing.T) {
	fake := &fakeCallUpdater{}
	carrier := &TwilioCarrier{api: fake}

	if err := carrier.TerminateCall("CA123"); err != nil {
		t.Fatalf("terminate call failed: %v", err)
	}
	if fake.sid != "CA123" {
		t.Fatalf("expected call sid CA123, got %q", fake.sid)
	}
	if fake.status != "completed" {
		t.Fatalf("expected status completed, got %q", fake.status)
	}
}

func TestTerminateCallWrapsAPIError(t *testing.T) {
	fake := &fakeCallUpdater{err: errors.New("twilio: not found")}
	carrier := &TwilioCarrier{api: fake}

	err := carrier.TerminateCall("CA404")
	if err == nil {
		t.Fatal("expected an error when the Twilio API call fails")
	}
}
