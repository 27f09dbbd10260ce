package aggregator

import "meeting-pipeline-go/internal/types"

type Stats struct {
	Total        int                  `json:"total"`
	ByStatus     map[types.Status]int `json:"by_status"`
	ByMode       map[types.Mode]int   `json:"by_mode"`
	FailedByStep map[types.Status]int `json:"failed_by_step"`
	// TrackFailures counts failed speaker tracks of separated tasks.
	TrackFailures  int     `json:"track_failures"`
	CompletionRate float64 `json:"completion_rate"`
	// EmptyTranscripts counts completed tasks with nothing recognised.
	EmptyTranscripts int `json:"empty_transcripts"`
}

func Summarize(tasks []types.Task) Stats {
	st := Stats{
		ByStatus:     map[types.Status]int{},
		ByMode:       map[types.Mode]int{},
		FailedByStep: map[types.Status]int{},
	}
	completed := 0
	for _, t := range tasks {
		st.Total++
		st.ByStatus[t.Status]++
		st.ByMode[t.Mode]++
		if t.Status == types.StatusFailed {
			step := t.FailedStep
			if step == "" {
				step = types.StatusRecorded
			}
			st.FailedByStep[step]++
		}
		if t.Mode == types.ModeSeparated {
			for _, tr := range []types.Track{t.Speaker1, t.Speaker2} {
				if tr.Status == types.StatusFailed {
					st.TrackFailures++
				}
			}
		}
		if t.Status == types.StatusCompleted {
			completed++
			if t.Transcript == "" {
				st.EmptyTranscripts++
			}
		}
	}
	if st.Total > 0 {
		st.CompletionRate = float64(completed) / float64(st.Total)
	}
	return st
}
