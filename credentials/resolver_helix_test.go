package credentials_test

import (
	"context"
	"testing"
	"time"

	"github.com/onnwee/chat-overlay/backend/credentials"
	"github.com/onnwee/chat-overlay/backend/testutil"
	"github.com/onnwee/chat-overlay/backend/twitchapi"
)

type staticTokens struct{ access string }

func (s staticTokens) GetOAuthToken(ctx context.Context, provider string) (string, string, time.Time, string, error) {
	return s.access, "", time.Time{}, "", nil
}

func TestResolveBackfillsProfileFromHelix(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.MockValidateResponse("streamer", "42")
	m.MockUserResponse("42", "streamer", "StreamerTV")

	ts := &twitchapi.TokenSource{ClientID: "cid", ClientSecret: "sec"}
	ts.SetToken("app-token", time.Now().Add(time.Hour))
	helix := &twitchapi.HelixClient{AppTokenSource: ts, ClientID: "cid", BaseURL: m.URL + "/helix"}

	r := &credentials.Resolver{
		Tokens:      staticTokens{access: "tok"},
		Helix:       helix,
		ValidateURL: m.URL + "/oauth2/validate",
	}
	id := r.Resolve(context.Background())
	if !id.Authenticated || id.Login != "streamer" {
		t.Fatalf("identity = %+v", id)
	}
	if id.DisplayName != "StreamerTV" || id.UserID != "42" {
		t.Errorf("profile backfill = %+v", id)
	}
}
