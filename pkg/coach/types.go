// Package coach defines the shared data model of the voxcoach pipeline:
// coaching modes, chat messages, transcription results, and the structured
// reply produced by the coaching engine.
//
// The types here are wire-level — they are serialised as-is between the
// capture client, the HTTP API, and the Postgres store — so field names and
// JSON tags are part of the external contract and must stay stable.
package coach

import "time"

// Mode selects how thorough the coaching reply is for a batch of input.
// A mode change is prospective: it applies to batches flushed after the
// change, never to text that was already sent.
type Mode string

const (
	// ModeCoach continues the conversation naturally after corrections.
	ModeCoach Mode = "coach"

	// ModeStrict is thorough: repeated and minor mistakes are included.
	ModeStrict Mode = "strict"

	// ModeCorrect returns corrections only, with no conversational reply.
	ModeCorrect Mode = "correct"
)

// IsValid reports whether m is a recognised coaching mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeCoach, ModeStrict, ModeCorrect:
		return true
	}
	return false
}

// Role identifies who authored a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one entry in a session's ordered conversation log.
// Messages are append-only; their order is insertion order and is never
// rewritten.
type ChatMessage struct {
	// ID is a client-generated unique identifier for the message.
	ID string `json:"id"`

	// Role is "user" for transcribed speech, "assistant" for coach replies.
	Role Role `json:"role"`

	// Text is the message content. For assistant messages this is the
	// conversational reply (or a visible error string when the coaching
	// call failed).
	Text string `json:"text"`

	// Timestamp records when the message was appended.
	Timestamp time.Time `json:"timestamp"`

	// AudioRef optionally points at the stored audio that produced a user
	// message (e.g. a transcript ID). Empty for assistant messages.
	AudioRef string `json:"audio_ref,omitempty"`
}

// Transcript is the result of transcribing one utterance. Immutable once
// created; owned by the transcript history.
type Transcript struct {
	// ID is the server-assigned transcript identifier.
	ID int64 `json:"id"`

	// RawText is the cleaned transcription (fillers removed, punctuation
	// normalised by the STT backend).
	RawText string `json:"raw_text"`

	// LiteralText is the verbatim transcription, fillers included.
	LiteralText string `json:"literal_text"`

	// CreatedAt is when the transcript row was created.
	CreatedAt time.Time `json:"created_at,omitzero"`

	// Source labels where the audio came from (e.g. "mic", "ws").
	Source string `json:"source,omitempty"`
}

// Mistake describes one correction in a coaching reply.
type Mistake struct {
	// Frm is the original wording. The abbreviated key is historical and
	// load-bearing: stored replies use it.
	Frm string `json:"frm"`

	// To is the corrected wording.
	To string `json:"to"`

	// Why explains the correction in one short sentence.
	Why string `json:"why"`
}

// Pronunciation is a pronunciation tip for a single word.
type Pronunciation struct {
	Word string `json:"word"`
	IPA  string `json:"ipa"`
	Cue  string `json:"cue"`
}

// TeachResult is the structured output of one coaching call. When the model
// output could not be parsed as the expected JSON shape, RawError is true and
// Reply carries the raw model text — callers must degrade to showing it
// rather than failing.
type TeachResult struct {
	CorrectedNatural string          `json:"corrected_natural"`
	CorrectedLiteral string          `json:"corrected_literal"`
	Mistakes         []Mistake       `json:"mistakes"`
	Pronunciation    []Pronunciation `json:"pronunciation"`
	Reply            string          `json:"reply"`
	FollowUpQuestion string          `json:"follow_up_question"`

	// RawError marks a reply that did not match the JSON schema.
	RawError bool `json:"raw_error,omitempty"`

	// RawOutput preserves the unparsed model output for debugging.
	RawOutput string `json:"raw_output,omitempty"`
}

// DisplayText returns the text an assistant chat message should carry for
// this result: the conversational reply when present, otherwise the natural
// correction, otherwise the raw output.
func (t TeachResult) DisplayText() string {
	if t.Reply != "" {
		return t.Reply
	}
	if t.CorrectedNatural != "" {
		return t.CorrectedNatural
	}
	return t.RawOutput
}

// ReplyRecord is one persisted coaching exchange, as returned by the history
// listing.
type ReplyRecord struct {
	ID        int64       `json:"id"`
	CreatedAt time.Time   `json:"created_at"`
	ChatKey   string      `json:"chat_key"`
	Mode      Mode        `json:"mode"`
	InputText string      `json:"input_text"`
	Output    TeachResult `json:"output"`
}

// ModeInfo describes one coaching mode for API listings.
type ModeInfo struct {
	Name        Mode   `json:"name"`
	Description string `json:"description"`
}

// Modes returns the supported coaching modes with user-facing descriptions.
func Modes() []ModeInfo {
	return []ModeInfo{
		{Name: ModeCoach, Description: "Continue the conversation naturally. Keep it friendly, practical, and engage with follow-up questions."},
		{Name: ModeStrict, Description: "Be thorough and include all mistakes. Provide IPA pronunciation for any word that might be mispronounced."},
		{Name: ModeCorrect, Description: "Show corrections only—no conversation or follow-up questions. Best for quick grammar fixes."},
	}
}
