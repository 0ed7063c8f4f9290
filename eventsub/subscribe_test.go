package eventsub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSubscriberRegistersBothTypes(t *testing.T) {
	var types []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer user-tok" {
			t.Errorf("authorization = %q", got)
		}
		if got := r.Header.Get("Client-Id"); got != "cid" {
			t.Errorf("client id = %q", got)
		}
		var body struct {
			Type      string            `json:"type"`
			Version   string            `json:"version"`
			Condition map[string]string `json:"condition"`
			Transport map[string]string `json:"transport"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("body decode: %v", err)
		}
		types = append(types, body.Type)
		if body.Condition["broadcaster_user_id"] != "b-1" || body.Condition["user_id"] != "u-1" {
			t.Errorf("condition = %v", body.Condition)
		}
		if body.Transport["method"] != "websocket" || body.Transport["session_id"] != "sess-9" {
			t.Errorf("transport = %v", body.Transport)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := &Subscriber{
		ClientID:      "cid",
		BroadcasterID: "b-1",
		UserID:        "u-1",
		Token:         func(ctx context.Context) (string, error) { return "user-tok", nil },
		APIURL:        srv.URL,
	}
	if err := s.Subscribe(context.Background(), "sess-9"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if len(types) != 2 || types[0] != TypeChatMessage || types[1] != TypeTranslation {
		t.Errorf("subscription types = %v", types)
	}
}

func TestSubscriberRejectedRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"Forbidden","status":403}`, http.StatusForbidden)
	}))
	defer srv.Close()

	s := &Subscriber{
		ClientID:      "cid",
		BroadcasterID: "b-1",
		UserID:        "u-1",
		Token:         func(ctx context.Context) (string, error) { return "user-tok", nil },
		APIURL:        srv.URL,
	}
	if err := s.Subscribe(context.Background(), "sess-9"); err == nil {
		t.Fatalf("Subscribe() = nil error on 403")
	}
}
