package transfer

type PostCreation struct {
	Content      string   `json:"content"`
	MediaURLs    []string `json:"media_urls"`
	Platforms    []string `json:"platforms"`
	Status       string   `json:"status"`
	ScheduledFor string   `json:"scheduled_for"`
}

// PostUpdate carries partial changes; nil pointers leave fields untouched.
type PostUpdate struct {
	Content      *string  `json:"content"`
	MediaURLs    []string `json:"media_urls"`
	Platforms    []string `json:"platforms"`
	Status       *string  `json:"status"`
	ScheduledFor *string  `json:"scheduled_for"`
}
