package types

// Status is the pipeline position of a task or of one speaker track.
type Status string

const (
	StatusRecorded    Status = "recorded"
	StatusTranscoding Status = "transcoding"
	StatusTranscoded  Status = "transcoded"
	StatusUploading   Status = "uploading"
	StatusUploaded    Status = "uploaded"
	StatusCreated     Status = "created"
	StatusPolling     Status = "polling"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

var statusOrder = map[Status]int{
	StatusRecorded:    0,
	StatusTranscoding: 1,
	StatusTranscoded:  2,
	StatusUploading:   3,
	StatusUploaded:    4,
	StatusCreated:     5,
	StatusPolling:     6,
	StatusCompleted:   7,
}

// Rank returns the position of s in the progression. Failed and unknown
// values rank as -1.
func (s Status) Rank() int {
	if r, ok := statusOrder[s]; ok {
		return r
	}
	return -1
}

func (s Status) Valid() bool {
	return s == StatusFailed || s.Rank() >= 0
}

// Terminal reports whether no further stage will run without a retry.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}
