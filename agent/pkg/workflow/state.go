package workflow

import (
	"strings"
	"time"
)

// Ambiguity is one clarification topic raised by the analyzer. Value is
// nil until the user resolves it; resolving never removes the entry, so
// the history of clarifications stays available as context.
type Ambiguity struct {
	Topic string  `json:"topic"`
	Value *string `json:"value"`
}

// Resolved reports whether the user has supplied a value for this entry.
func (a Ambiguity) Resolved() bool {
	return a.Value != nil
}

// TranscriptEntry is one observability record of what a stage did.
// The transcript is append-only and never consulted for routing.
type TranscriptEntry struct {
	Stage   Stage     `json:"stage"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// State is the serializable record threaded through every stage of a
// session's workflow. It is owned exclusively by the engine for the
// duration of a run and persisted through the checkpoint store between
// runs, so every field must survive a JSON round-trip.
type State struct {
	SessionID     string `json:"session_id"`
	Database      string `json:"database"`
	OriginalInput string `json:"original_input"`
	WorkingQuery  string `json:"working_query,omitempty"`

	Intent      Intent      `json:"intent,omitempty"`
	Ambiguities []Ambiguity `json:"ambiguities,omitempty"`

	DiscoveredFields []int64      `json:"discovered_fields,omitempty"`
	SQL              string       `json:"sql,omitempty"`
	ExecutionResult  *QueryResult `json:"execution_result,omitempty"`
	AttemptCount     int          `json:"attempt_count"`
	Answer           string       `json:"answer,omitempty"`

	Transcript []TranscriptEntry `json:"transcript,omitempty"`

	// Cursor names the next stage to execute. SuspendedAt records the
	// stage that raised the pending clarification, empty when none is
	// pending; resume re-enters exactly that stage.
	Cursor      Stage `json:"cursor"`
	SuspendedAt Stage `json:"suspended_at,omitempty"`
}

// NewState constructs the state for a session's first message.
func NewState(sessionID, database, input string) *State {
	return &State{
		SessionID:     sessionID,
		Database:      database,
		OriginalInput: input,
		Cursor:        StageClassifyIntent,
	}
}

// Reset prepares the state for a fresh question on an already-finished
// session. Identity and transcript carry over; everything derived from
// the previous question is dropped.
func (s *State) Reset(input string) {
	s.OriginalInput = input
	s.WorkingQuery = ""
	s.Intent = ""
	s.Ambiguities = nil
	s.DiscoveredFields = nil
	s.SQL = ""
	s.ExecutionResult = nil
	s.AttemptCount = 0
	s.Answer = ""
	s.Cursor = StageClassifyIntent
	s.SuspendedAt = ""
}

// Terminal reports whether the state has reached the end of its run.
func (s *State) Terminal() bool {
	return s.Cursor == StageTerminal
}

// FirstUnresolved returns the first ambiguity entry still awaiting a
// value, or nil when none remain. Entries are iterated in the order the
// analyzer raised them.
func (s *State) FirstUnresolved() *Ambiguity {
	for i := range s.Ambiguities {
		if !s.Ambiguities[i].Resolved() {
			return &s.Ambiguities[i]
		}
	}
	return nil
}

// AddAmbiguity appends a new unresolved topic. Topics already present,
// resolved or not, are never re-added.
func (s *State) AddAmbiguity(topic string) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return
	}
	for _, a := range s.Ambiguities {
		if a.Topic == topic {
			return
		}
	}
	s.Ambiguities = append(s.Ambiguities, Ambiguity{Topic: topic})
}

// ResolveNext assigns value to the first unresolved ambiguity and
// returns its topic. The boolean is false when nothing was pending.
func (s *State) ResolveNext(value string) (string, bool) {
	a := s.FirstUnresolved()
	if a == nil {
		return "", false
	}
	v := value
	a.Value = &v
	return a.Topic, true
}

// Clarifications returns the resolved topic/value pairs.
func (s *State) Clarifications() map[string]string {
	out := make(map[string]string, len(s.Ambiguities))
	for _, a := range s.Ambiguities {
		if a.Resolved() {
			out[a.Topic] = *a.Value
		}
	}
	return out
}

// ClarifiedQuery renders the working query together with the resolved
// clarifications, in the order they were raised, as the query text
// handed to SQL generation.
func (s *State) ClarifiedQuery() string {
	query := s.WorkingQuery
	if query == "" {
		query = s.OriginalInput
	}
	var sb strings.Builder
	sb.WriteString(query)
	for _, a := range s.Ambiguities {
		if a.Resolved() {
			sb.WriteString("\n- " + a.Topic + ": " + *a.Value)
		}
	}
	return sb.String()
}

// AppendTranscript records one (stage, content) observability pair.
func (s *State) AppendTranscript(stage Stage, content string, at time.Time) {
	s.Transcript = append(s.Transcript, TranscriptEntry{Stage: stage, Content: content, At: at.UTC()})
}
