package events_test

import (
	"errors"
	"testing"

	"github.com/cantinaos/cantina/pkg/events"
)

func TestRegistry_CanonicalResolvesLegacyAliases(t *testing.T) {
	t.Parallel()
	r := events.NewRegistry()

	cases := []struct {
		legacy events.Topic
		want   events.Topic
	}{
		{"/music/track_playing", events.TopicMusicPlaybackStarted},
		{"/music/playback_started", events.TopicMusicPlaybackStarted},
		{"/dj/track_ending_soon", events.TopicTrackEndingSoon},
	}
	for _, tc := range cases {
		canon, ok := r.Canonical(tc.legacy)
		if !ok {
			t.Errorf("Canonical(%s): not registered", tc.legacy)
			continue
		}
		if canon != tc.want {
			t.Errorf("Canonical(%s) = %s, want %s", tc.legacy, canon, tc.want)
		}
	}
}

func TestRegistry_CanonicalUnknownTopic(t *testing.T) {
	t.Parallel()
	r := events.NewRegistry()
	if _, ok := r.Canonical("/nope/never"); ok {
		t.Error("unknown topic reported as registered")
	}
}

func TestRegistry_PrepareRejectsWrongPayloadType(t *testing.T) {
	t.Parallel()
	r := events.NewRegistry()

	err := r.Prepare(events.TopicMusicCommand, &events.DJCommandPayload{Skip: true})
	if err == nil {
		t.Fatal("expected type mismatch error, got nil")
	}
	var verr *events.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %T, want *ValidationError", err)
	}
	if verr.Topic != events.TopicMusicCommand {
		t.Errorf("error topic = %s, want %s", verr.Topic, events.TopicMusicCommand)
	}
}

func TestRegistry_PrepareRunsValidation(t *testing.T) {
	t.Parallel()
	r := events.NewRegistry()

	err := r.Prepare(events.TopicMusicCommand, &events.MusicCommandPayload{Action: "rewind"})
	if err == nil {
		t.Fatal("expected validation error for unknown action, got nil")
	}
}

func TestRegistry_PrepareNormalizesVendorStatus(t *testing.T) {
	t.Parallel()
	r := events.NewRegistry()

	p := &events.ServiceStatusPayload{Service: "music_player", Status: "online"}
	if err := r.Prepare(events.TopicServiceStatus, p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Status != events.StatusRunning {
		t.Errorf("status = %q, want RUNNING", p.Status)
	}
}

func TestRegistry_DecodeJSONRewritesFieldAliases(t *testing.T) {
	t.Parallel()
	r := events.NewRegistry()

	// "command" is the legacy spelling of "input" on the raw-input topic.
	data := []byte(`{"command": "play 2", "source": "dashboard"}`)
	p, err := r.DecodeJSON(events.TopicRawInput, data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	raw, ok := p.(*events.RawInputPayload)
	if !ok {
		t.Fatalf("payload type %T, want *RawInputPayload", p)
	}
	if raw.Input != "play 2" {
		t.Errorf("input = %q, want %q", raw.Input, "play 2")
	}
}

func TestRegistry_DecodeJSONCanonicalFieldWins(t *testing.T) {
	t.Parallel()
	r := events.NewRegistry()

	data := []byte(`{"command": "old", "input": "new", "source": "cli"}`)
	p, err := r.DecodeJSON(events.TopicRawInput, data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := p.(*events.RawInputPayload).Input; got != "new" {
		t.Errorf("input = %q, want the canonical field to win", got)
	}
}

func TestRegistry_DecodeJSONRejectsInvalid(t *testing.T) {
	t.Parallel()
	r := events.NewRegistry()

	_, err := r.DecodeJSON(events.TopicRawInput, []byte(`{"input": "", "source": "cli"}`))
	if err == nil {
		t.Fatal("expected validation error for empty input, got nil")
	}
}

func TestRegistry_TopicsSortedAndComplete(t *testing.T) {
	t.Parallel()
	r := events.NewRegistry()
	topics := r.Topics()
	if len(topics) == 0 {
		t.Fatal("no topics registered")
	}
	for i := 1; i < len(topics); i++ {
		if topics[i-1] >= topics[i] {
			t.Fatalf("topics not sorted: %s before %s", topics[i-1], topics[i])
		}
	}
	// Spot-check a few core topics.
	seen := make(map[events.Topic]bool, len(topics))
	for _, tp := range topics {
		seen[tp] = true
	}
	for _, want := range []events.Topic{
		events.TopicServiceStatus,
		events.TopicMusicCommand,
		events.TopicPlanExecute,
		events.TopicSynthesizeRequest,
	} {
		if !seen[want] {
			t.Errorf("topic %s missing from catalog", want)
		}
	}
}

func TestRegistry_ExportsAreSubsetOfTopics(t *testing.T) {
	t.Parallel()
	r := events.NewRegistry()
	exports := r.Exports()
	if len(exports) == 0 {
		t.Fatal("no exported topics")
	}
	for _, tp := range exports {
		spec, ok := r.Lookup(tp)
		if !ok {
			t.Errorf("exported topic %s not registered", tp)
			continue
		}
		if !spec.Export {
			t.Errorf("topic %s returned by Exports but not marked Export", tp)
		}
	}
	// Internal command topics must never reach the dashboard.
	for _, tp := range exports {
		if tp == events.TopicMusicCommand || tp == events.TopicPlanExecute {
			t.Errorf("internal topic %s must not be exported", tp)
		}
	}
}

func TestRegistry_HighFrequencyMarking(t *testing.T) {
	t.Parallel()
	r := events.NewRegistry()
	spec, ok := r.Lookup(events.TopicTranscriptInterim)
	if !ok {
		t.Fatal("interim transcript topic not registered")
	}
	if !spec.HighFrequency {
		t.Error("interim transcripts should be high-frequency")
	}
	spec, _ = r.Lookup(events.TopicTranscriptFinal)
	if spec.HighFrequency {
		t.Error("final transcripts should use the normal queue bound")
	}
}

func TestNewEnvelope_Stamps(t *testing.T) {
	t.Parallel()
	env := events.NewEnvelope(events.TopicUnduckRequested, &events.UnduckPayload{})
	if env.EventID == "" {
		t.Error("event id not stamped")
	}
	if env.Timestamp <= 0 {
		t.Error("timestamp not stamped")
	}
	env2 := events.NewEnvelope(events.TopicUnduckRequested, &events.UnduckPayload{})
	if env.EventID == env2.EventID {
		t.Error("event ids must be unique per publish")
	}
}
