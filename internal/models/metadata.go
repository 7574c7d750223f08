package models

import (
	"encoding/json"
	"log/slog"
)

// Scheduler's own view of what happened last, kept separate from Post.Status
// so operators can tell a post published by the scheduler apart from one
// published by hand.
const (
	SchedulerStatusScheduled = "scheduled"
	SchedulerStatusPublished = "published"
	SchedulerStatusFailed    = "failed"
	SchedulerStatusSkipped   = "skipped"
)

// SchedulerMetadata is the scheduler bookkeeping sub-document stored under
// the "scheduler" key of a post's metadata column. ScheduledFor is a
// snapshot taken when the job was armed; the posts row stays authoritative.
type SchedulerMetadata struct {
	JobID           string  `json:"jobId,omitempty"`
	ScheduledFor    *string `json:"scheduledFor"`
	LastScheduledAt string  `json:"lastScheduledAt,omitempty"`
	LastRunAt       string  `json:"lastRunAt,omitempty"`
	LastRecoveryAt  string  `json:"lastRecoveryAt,omitempty"`
	LastStatus      string  `json:"lastStatus,omitempty"`
	LastError       *string `json:"lastError"`
}

// PostMetadata is the open-ended metadata document on a post. Only the
// scheduler section is typed; any other keys are carried through untouched
// so a read-modify-write of the scheduler section never drops them.
type PostMetadata struct {
	Scheduler *SchedulerMetadata
	extra     map[string]json.RawMessage
}

// ParsePostMetadata decodes a metadata column value. The document is
// best-effort bookkeeping: anything unparseable is reset to empty rather
// than surfaced as an error.
func ParsePostMetadata(raw string) *PostMetadata {
	m := &PostMetadata{extra: make(map[string]json.RawMessage)}
	if raw == "" {
		return m
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		slog.Warn("failed to parse post metadata, resetting", "error", err.Error())
		return m
	}

	for key, value := range doc {
		if key == "scheduler" {
			var sm SchedulerMetadata
			if err := json.Unmarshal(value, &sm); err != nil {
				slog.Warn("failed to parse scheduler metadata, resetting", "error", err.Error())
				continue
			}
			m.Scheduler = &sm
			continue
		}
		m.extra[key] = value
	}
	return m
}

// Encode serializes the document back to the metadata column format.
func (m *PostMetadata) Encode() (string, error) {
	doc := make(map[string]json.RawMessage, len(m.extra)+1)
	for key, value := range m.extra {
		doc[key] = value
	}
	if m.Scheduler != nil {
		b, err := json.Marshal(m.Scheduler)
		if err != nil {
			return "", err
		}
		doc["scheduler"] = b
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
