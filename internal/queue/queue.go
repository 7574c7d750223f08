package queue

import "encoding/json"

// TaskTypePublishPost is the only task type the worker handles: attempt to
// publish one post no earlier than its scheduled time.
const TaskTypePublishPost = "post:publish"

// QueueName is the dedicated asynq queue for scheduled publications.
const QueueName = "scheduled-posts"

// PublishPostPayload is the whole job payload. The queue is never
// authoritative for post state; it only carries a pointer back to the row.
type PublishPostPayload struct {
	PostID int64 `json:"post_id"`
}

// UnmarshalPayload decodes a task payload produced by Add.
func UnmarshalPayload(data []byte, payload *PublishPostPayload) error {
	return json.Unmarshal(data, payload)
}
