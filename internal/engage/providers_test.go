package engage

import (
	"testing"
	"time"
)

func TestGridAdapterNormalize(t *testing.T) {
	payload := []byte(`[
		{"email":"a@x.com","event":"delivered","sg_event_id":"ev-1","sg_message_id":"<m1@x>","timestamp":1700000000,"recipient_id":"rec-1"},
		{"email":"a@x.com","event":"bounce","sg_event_id":"ev-2","timestamp":1700000060,"type":"bounce","campaign_id":"camp-1"},
		{"email":"a@x.com","event":"bounce","sg_event_id":"ev-3","timestamp":1700000060,"type":"blocked"},
		{"email":"a@x.com","event":"dropped","sg_event_id":"ev-4","timestamp":1700000060},
		{"email":"a@x.com","event":"spamreport","sg_event_id":"ev-5","timestamp":1700000060},
		{"email":"a@x.com","event":"group_unsubscribe","sg_event_id":"ev-6","timestamp":1700000060},
		{"email":"a@x.com","event":"processed","sg_event_id":"ev-7","timestamp":1700000060}
	]`)

	events, err := GridAdapter{}.Normalize(payload)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if len(events) != 7 {
		t.Fatalf("Normalize() = %d events, want 7", len(events))
	}

	first := events[0]
	if first.Type != EventDelivered || first.Provider != "grid" {
		t.Errorf("event 0 = %+v", first)
	}
	if first.RecipientID != "rec-1" || first.ProviderMsgID != "<m1@x>" || first.ProviderEventID != "ev-1" {
		t.Errorf("event 0 identifiers = %+v", first)
	}
	if !first.OccurredAt.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("event 0 occurred_at = %v", first.OccurredAt)
	}

	if events[1].Type != EventBounce || !events[1].HardBounce {
		t.Errorf("bounce event = %+v, want hard bounce", events[1])
	}
	if events[1].CampaignID != "camp-1" {
		t.Errorf("bounce campaign_id = %q", events[1].CampaignID)
	}
	if events[2].Type != EventBounce || events[2].HardBounce {
		t.Errorf("blocked event = %+v, want soft bounce", events[2])
	}
	if events[3].Type != EventBounce || !events[3].HardBounce {
		t.Errorf("dropped event = %+v, want hard bounce", events[3])
	}
	if events[4].Type != EventComplaint {
		t.Errorf("spamreport type = %s", events[4].Type)
	}
	if events[5].Type != EventUnsubscribe {
		t.Errorf("group_unsubscribe type = %s", events[5].Type)
	}
	// Untracked provider types pass through empty for the processor to drop
	if events[6].Type != "" {
		t.Errorf("processed type = %s, want empty", events[6].Type)
	}
}

func TestGridAdapterMalformed(t *testing.T) {
	if _, err := (GridAdapter{}).Normalize([]byte(`{"not":"an array"}`)); err == nil {
		t.Error("Normalize() of non-array payload should fail")
	}
}

func TestPostalAdapterNormalize(t *testing.T) {
	payload := []byte(`{
		"event-data": {
			"id": "pev-1",
			"event": "failed",
			"timestamp": 1700000000.25,
			"recipient": "a@x.com",
			"severity": "permanent",
			"message": {"headers": {"message-id": "m1@x"}},
			"user-variables": {"campaign_id": "camp-1", "recipient_id": "rec-1"}
		}
	}`)

	events, err := PostalAdapter{}.Normalize(payload)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Normalize() = %d events, want 1", len(events))
	}

	ev := events[0]
	if ev.Type != EventBounce || !ev.HardBounce {
		t.Errorf("failed/permanent = %+v, want hard bounce", ev)
	}
	if ev.ProviderEventID != "pev-1" || ev.RecipientID != "rec-1" || ev.CampaignID != "camp-1" {
		t.Errorf("identifiers = %+v", ev)
	}
	// Header message-id gets angle brackets to match stored provider ids
	if ev.ProviderMsgID != "<m1@x>" {
		t.Errorf("provider_msg_id = %q, want <m1@x>", ev.ProviderMsgID)
	}
	if ev.OccurredAt.Unix() != 1700000000 {
		t.Errorf("occurred_at = %v", ev.OccurredAt)
	}
}

func TestPostalAdapterSoftBounce(t *testing.T) {
	payload := []byte(`{
		"event-data": {
			"id": "pev-2",
			"event": "failed",
			"timestamp": 1700000000,
			"recipient": "a@x.com",
			"severity": "temporary"
		}
	}`)

	events, err := PostalAdapter{}.Normalize(payload)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if events[0].HardBounce {
		t.Error("temporary severity normalized as hard bounce")
	}
	// No message-id header: must not produce "<>"
	if events[0].ProviderMsgID != "" {
		t.Errorf("provider_msg_id = %q, want empty", events[0].ProviderMsgID)
	}
}

func TestSynthesizeEventID(t *testing.T) {
	at := time.Date(2026, 8, 28, 10, 15, 42, 0, time.UTC)

	a := SynthesizeEventID("rec-1", EventOpen, at)
	// Same minute collapses to the same id
	b := SynthesizeEventID("rec-1", EventOpen, at.Add(10*time.Second))
	if a != b {
		t.Errorf("ids within one minute differ: %s vs %s", a, b)
	}

	// A later revisit counts again
	c := SynthesizeEventID("rec-1", EventOpen, at.Add(2*time.Minute))
	if a == c {
		t.Error("ids across minutes collide")
	}

	// Different event types never collide
	if SynthesizeEventID("rec-1", EventClick, at) == a {
		t.Error("open and click ids collide")
	}
}
