package slack

import (
	"encoding/json"
	"testing"
	"time"
)

func TestCheckpointRoundTrip(t *testing.T) {
	c := &Connector{}
	ck := Checkpoint{
		ChannelIDs:    []string{"C1", "C2"},
		ChannelIndex:  1,
		HistoryCursor: "cursor-abc",
		SeenThreadTS:  map[string]bool{"1700000000.000100": true},
		EnumeratedAll: true,
		MoreWork:      true,
	}

	raw, err := json.Marshal(ck)
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.ValidateCheckpointJSON(string(raw))
	if err != nil {
		t.Fatalf("ValidateCheckpointJSON() error: %v", err)
	}
	gck := got.(Checkpoint)
	if gck.ChannelIndex != 1 || gck.HistoryCursor != "cursor-abc" {
		t.Errorf("checkpoint fields lost: %+v", gck)
	}
	if !gck.SeenThreadTS["1700000000.000100"] {
		t.Error("seen thread timestamps lost")
	}
	if !gck.HasMore() {
		t.Error("HasMore() = false, want true")
	}
}

func TestValidateCheckpointJSONBad(t *testing.T) {
	c := &Connector{}
	if _, err := c.ValidateCheckpointJSON("{not json"); err == nil {
		t.Error("ValidateCheckpointJSON(garbage) should error")
	}
}

func TestDummyCheckpointHasMore(t *testing.T) {
	c := &Connector{}
	ck := c.BuildDummyCheckpoint()
	if !ck.HasMore() {
		t.Error("dummy checkpoint must have work remaining")
	}
}

func TestLoadCredentialsMissingToken(t *testing.T) {
	c := &Connector{}
	if err := c.LoadCredentials(map[string]any{}); err == nil {
		t.Error("LoadCredentials without token should error")
	}
	if err := c.LoadCredentials(map[string]any{"slack_bot_token": "xoxb-test"}); err != nil {
		t.Errorf("LoadCredentials with token errored: %v", err)
	}
}

func TestDocumentID(t *testing.T) {
	got := documentID("C123", "1700000000.000100")
	want := "slack__C123__1700000000.000100"
	if got != want {
		t.Errorf("documentID() = %q, want %q", got, want)
	}
}

func TestTimestampConversions(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := slackTS(ts); got != "1704067200.000000" {
		t.Errorf("slackTS() = %q, want 1704067200.000000", got)
	}
	back := tsTime("1704067200.000100")
	if !back.Equal(ts) {
		t.Errorf("tsTime() = %v, want %v", back, ts)
	}
}

func TestPermalink(t *testing.T) {
	c := &Connector{cfg: Config{WorkspaceURL: "https://acme.slack.com/"}}
	got := c.permalink("C123", "1700000000.000100")
	want := "https://acme.slack.com/archives/C123/p1700000000000100"
	if got != want {
		t.Errorf("permalink() = %q, want %q", got, want)
	}

	// No workspace URL configured: no permalink.
	c2 := &Connector{}
	if got := c2.permalink("C123", "1.2"); got != "" {
		t.Errorf("permalink() without workspace = %q, want empty", got)
	}
}
