// Package events defines the typed event contract for the CantinaOS bus:
// topic names, one payload schema per topic, the envelope stamped on every
// publish, timeline plan types, and the central topic registry.
//
// Topics are hierarchical, slash-delimited, case-sensitive strings grouped
// by owning namespace:
//
//   - /system/*  : mode transitions, service status, shutdown, debug
//   - /cli/*     : raw command input, responses, acknowledgements
//   - /music/*   : playback commands and the started/ended/ending contract
//   - /dj/*      : DJ mode control and the commentary loop
//   - /speech/*  : synthesis requests, cache state, playback completion
//   - /timeline/*: plan submission and plan lifecycle
//   - /audio/*   : ducking requests and effective-volume application
//   - /voice/*   : transcripts bridged in from the STT adapter
//
// The registry is the single place topic names live; services must not
// publish to ad-hoc literals. Legacy topic names from earlier revisions are
// registered as aliases and rewritten to their canonical form on both
// publish and subscribe.
package events

// Topic identifies a class of events on the bus.
type Topic string

// System namespace.
const (
	TopicModeRequest           Topic = "/system/mode/request"
	TopicModeTransitionStarted Topic = "/system/mode/transition_started"
	TopicModeChanged           Topic = "/system/mode/changed"
	TopicModeTransitionFailed  Topic = "/system/mode/transition_failed"
	TopicServiceStatus         Topic = "/system/service/status"
	TopicShutdownRequested     Topic = "/system/shutdown/requested"
	TopicDebugLevel            Topic = "/system/debug/level"
	TopicStatusRequest         Topic = "/system/status/request"
)

// CLI namespace. Dashboard commands arrive on the same raw-input topic with
// Source set to "dashboard".
const (
	TopicRawInput    Topic = "/cli/raw_input"
	TopicCLIResponse Topic = "/cli/response"
	TopicCommandAck  Topic = "/cli/command_ack"
)

// Music namespace.
const (
	TopicMusicCommand         Topic = "/music/command"
	TopicMusicPlaybackStarted Topic = "/music/playback/started"
	TopicMusicPlaybackEnded   Topic = "/music/playback/ended"
	TopicTrackEndingSoon      Topic = "/music/track_ending_soon"
	TopicMusicVolumeApply     Topic = "/music/volume/apply"
	TopicCrossfadeRequest     Topic = "/music/crossfade/request"
	TopicCrossfadeComplete    Topic = "/music/crossfade/complete"
)

// DJ namespace.
const (
	TopicDJCommand          Topic = "/dj/command"
	TopicDJQueueUpdated     Topic = "/dj/queue/updated"
	TopicCommentaryRequest  Topic = "/dj/commentary/request"
	TopicCommentaryResponse Topic = "/dj/commentary/response"
	TopicCommentarySkipped  Topic = "/dj/commentary/skipped"
)

// Speech namespace.
const (
	TopicSynthesizeRequest Topic = "/speech/synthesize/request"
	TopicSpeechCacheReady  Topic = "/speech/cache/ready"
	TopicSpeechCacheError  Topic = "/speech/cache/error"
	TopicPlayCachedSpeech  Topic = "/speech/play/request"
	TopicSpeechStarted     Topic = "/speech/playback/started"
	TopicSpeechCompleted   Topic = "/speech/playback/completed"
)

// Timeline namespace.
const (
	TopicPlanExecute   Topic = "/timeline/plan/execute"
	TopicPlanCancel    Topic = "/timeline/plan/cancel"
	TopicPlanStarted   Topic = "/timeline/plan/started"
	TopicPlanCompleted Topic = "/timeline/plan/completed"
	TopicPlanFailed    Topic = "/timeline/plan/failed"
	TopicPlanCancelled Topic = "/timeline/plan/cancelled"
)

// Audio coordination namespace.
const (
	TopicDuckRequested   Topic = "/audio/duck/requested"
	TopicUnduckRequested Topic = "/audio/unduck/requested"
)

// Voice namespace. Interim transcripts are high-frequency and use the small
// per-handler queue bound.
const (
	TopicTranscriptFinal   Topic = "/voice/transcript/final"
	TopicTranscriptInterim Topic = "/voice/transcript/interim"
)

// legacyAliases maps retired topic names to their canonical replacements.
// The registry rewrites these on publish and subscribe so older adapters
// keep working without services ever seeing the legacy names.
var legacyAliases = map[Topic]Topic{
	"/music/track_playing":    TopicMusicPlaybackStarted,
	"/music/playback_started": TopicMusicPlaybackStarted,
	"/dj/track_ending_soon":   TopicTrackEndingSoon,
}
