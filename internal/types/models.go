package types

import "time"

type Mode string

const (
	ModeMixed     Mode = "mixed"
	ModeSeparated Mode = "separated"
)

// Speaker selects the track a stage works on. Mixed addresses the whole task.
type Speaker int

const (
	Mixed    Speaker = 0
	Speaker1 Speaker = 1
	Speaker2 Speaker = 2
)

// Slot is the file-name stem used for transcoded output and object keys.
func (s Speaker) Slot() string {
	switch s {
	case Speaker1:
		return "speaker1"
	case Speaker2:
		return "speaker2"
	default:
		return "mixed"
	}
}

// Track holds the per-speaker state of a separated recording.
type Track struct {
	AudioPath    string `json:"audio_path,omitempty"`
	ObjectURL    string `json:"object_url,omitempty"`
	RemoteTaskID string `json:"remote_task_id,omitempty"`
	Transcript   string `json:"transcript,omitempty"`
	Status       Status `json:"status,omitempty"`
	FailedStep   Status `json:"failed_step,omitempty"`
}

// Task is the durable record of one meeting recording moving through the pipeline.
type Task struct {
	ID          string    `json:"id"`
	RecordingID string    `json:"recording_id"`
	Title       string    `json:"title,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Mode        Mode      `json:"mode"`

	// LocalFilePath is the legacy single-path field read by single-track code.
	LocalFilePath string `json:"local_file_path,omitempty"`
	AudioPath     string `json:"audio_path,omitempty"`
	ObjectURL     string `json:"object_url,omitempty"`
	RemoteTaskID  string `json:"remote_task_id,omitempty"`
	Transcript    string `json:"transcript,omitempty"`
	Summary       string `json:"summary,omitempty"`

	Speaker1 Track `json:"speaker1"`
	Speaker2 Track `json:"speaker2"`

	Status     Status `json:"status"`
	FailedStep Status `json:"failed_step,omitempty"`
	LastError  string `json:"last_error,omitempty"`

	RawResponse   string `json:"raw_response,omitempty"`
	TaskKey       string `json:"task_key,omitempty"`
	APIStatus     string `json:"api_status,omitempty"`
	StatusText    string `json:"status_text,omitempty"`
	BizDuration   int64  `json:"biz_duration,omitempty"`
	OutputMP3Path string `json:"output_mp3_path,omitempty"`
}

// TrackRef points at the fields one speaker scope owns inside a Task.
type TrackRef struct {
	AudioPath    *string
	ObjectURL    *string
	RemoteTaskID *string
	Transcript   *string
	Status       *Status
	FailedStep   *Status
}

// Track returns the scoped fields for speaker. Mixed maps onto the whole-task fields.
func (t *Task) Track(s Speaker) TrackRef {
	switch s {
	case Speaker1:
		return trackRef(&t.Speaker1)
	case Speaker2:
		return trackRef(&t.Speaker2)
	default:
		return TrackRef{
			AudioPath:    &t.AudioPath,
			ObjectURL:    &t.ObjectURL,
			RemoteTaskID: &t.RemoteTaskID,
			Transcript:   &t.Transcript,
			Status:       &t.Status,
			FailedStep:   &t.FailedStep,
		}
	}
}

func trackRef(tr *Track) TrackRef {
	return TrackRef{
		AudioPath:    &tr.AudioPath,
		ObjectURL:    &tr.ObjectURL,
		RemoteTaskID: &tr.RemoteTaskID,
		Transcript:   &tr.Transcript,
		Status:       &tr.Status,
		FailedStep:   &tr.FailedStep,
	}
}

// Speakers lists the scopes processed for the task's mode.
func (t *Task) Speakers() []Speaker {
	if t.Mode == ModeSeparated {
		return []Speaker{Speaker1, Speaker2}
	}
	return []Speaker{Mixed}
}

// NewTask builds a freshly recorded task.
func NewTask(id, recordingID string, mode Mode, paths ...string) Task {
	t := Task{
		ID:          id,
		RecordingID: recordingID,
		CreatedAt:   time.Now().UTC(),
		Mode:        mode,
		Status:      StatusRecorded,
	}
	if mode == ModeSeparated {
		if len(paths) > 0 {
			t.Speaker1 = Track{AudioPath: paths[0], Status: StatusRecorded}
		}
		if len(paths) > 1 {
			t.Speaker2 = Track{AudioPath: paths[1], Status: StatusRecorded}
		}
		return t
	}
	if len(paths) > 0 {
		t.LocalFilePath = paths[0]
		t.AudioPath = paths[0]
	}
	return t
}

// Reset clears everything the pipeline derived and returns the task to recorded.
// Source audio paths are kept.
func (t *Task) Reset() {
	t.Status = StatusRecorded
	t.FailedStep = ""
	t.LastError = ""
	t.ObjectURL = ""
	t.RemoteTaskID = ""
	t.Transcript = ""
	t.Summary = ""
	t.RawResponse = ""
	t.TaskKey = ""
	t.APIStatus = ""
	t.StatusText = ""
	t.BizDuration = 0
	t.OutputMP3Path = ""
	for _, tr := range []*Track{&t.Speaker1, &t.Speaker2} {
		tr.ObjectURL = ""
		tr.RemoteTaskID = ""
		tr.Transcript = ""
		tr.FailedStep = ""
		if t.Mode == ModeSeparated {
			tr.Status = StatusRecorded
		} else {
			tr.Status = ""
		}
	}
}
