package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePostMetadataEmpty(t *testing.T) {
	m := ParsePostMetadata("")
	assert.Nil(t, m.Scheduler)

	encoded, err := m.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, "{}", encoded)
}

func TestParsePostMetadataGarbageResets(t *testing.T) {
	m := ParsePostMetadata("{not json")
	assert.Nil(t, m.Scheduler)

	encoded, err := m.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, "{}", encoded)
}

func TestParsePostMetadataSchedulerSection(t *testing.T) {
	raw := `{"scheduler":{"jobId":"post-5","scheduledFor":"2026-09-01T10:00:00Z","lastStatus":"scheduled","lastError":null}}`

	m := ParsePostMetadata(raw)

	require.NotNil(t, m.Scheduler)
	assert.Equal(t, "post-5", m.Scheduler.JobID)
	require.NotNil(t, m.Scheduler.ScheduledFor)
	assert.Equal(t, "2026-09-01T10:00:00Z", *m.Scheduler.ScheduledFor)
	assert.Equal(t, SchedulerStatusScheduled, m.Scheduler.LastStatus)
	assert.Nil(t, m.Scheduler.LastError)
}

func TestEncodePreservesUnknownKeys(t *testing.T) {
	raw := `{"campaign":{"name":"launch","budget":250},"scheduler":{"jobId":"post-5","scheduledFor":null,"lastError":null}}`

	m := ParsePostMetadata(raw)
	m.Scheduler.LastStatus = SchedulerStatusPublished

	encoded, err := m.Encode()
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(encoded), &doc))
	assert.Contains(t, doc, "campaign", "a scheduler write must not drop foreign keys")
	assert.JSONEq(t, `{"name":"launch","budget":250}`, string(doc["campaign"]))

	var sm SchedulerMetadata
	require.NoError(t, json.Unmarshal(doc["scheduler"], &sm))
	assert.Equal(t, SchedulerStatusPublished, sm.LastStatus)
}

func TestParsePostMetadataBadSchedulerSectionDropped(t *testing.T) {
	raw := `{"scheduler":"not an object","other":1}`

	m := ParsePostMetadata(raw)

	assert.Nil(t, m.Scheduler)
	encoded, err := m.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"other":1}`, encoded)
}
