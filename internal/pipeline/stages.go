package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"meeting-pipeline-go/internal/logger"
	"meeting-pipeline-go/internal/objectstore"
	"meeting-pipeline-go/internal/transcoder"
	"meeting-pipeline-go/internal/transcript"
	"meeting-pipeline-go/internal/transcription"
	"meeting-pipeline-go/internal/types"
)

// StageKind is one of the four pipeline stages.
type StageKind int

const (
	Transcode StageKind = iota
	Upload
	CreateRemoteTask
	Poll
)

func (k StageKind) String() string {
	switch k {
	case Transcode:
		return "transcode"
	case Upload:
		return "upload"
	case CreateRemoteTask:
		return "create_task"
	case Poll:
		return "poll"
	default:
		return fmt.Sprintf("stage(%d)", int(k))
	}
}

// Position is the status a track holds while the stage runs. It is also the
// resume pointer recorded when the stage fails.
func (k StageKind) Position() types.Status {
	switch k {
	case Transcode:
		return types.StatusTranscoding
	case Upload:
		return types.StatusUploading
	case CreateRemoteTask:
		return types.StatusCreated
	default:
		return types.StatusPolling
	}
}

// Completion is the status a track holds after the stage succeeds.
func (k StageKind) Completion() types.Status {
	switch k {
	case Transcode:
		return types.StatusTranscoded
	case Upload:
		return types.StatusUploaded
	case CreateRemoteTask:
		return types.StatusCreated
	default:
		return types.StatusCompleted
	}
}

// Stage is a stage bound to the track it works on.
type Stage struct {
	Kind    StageKind
	Speaker types.Speaker
}

func (s Stage) String() string {
	return s.Kind.String() + "[" + s.Speaker.Slot() + "]"
}

type OutcomeKind int

const (
	Done OutcomeKind = iota
	Pending
	Failed
)

// Outcome is the result of one stage attempt. Apply holds the whole update
// of a successful stage; it touches only the fields of the stage's track.
type Outcome struct {
	Kind    OutcomeKind
	Apply   func(*types.Task)
	Failure *Failure
}

func done(apply func(*types.Task)) Outcome { return Outcome{Kind: Done, Apply: apply} }
func pending() Outcome                     { return Outcome{Kind: Pending} }
func failed(f *Failure) Outcome            { return Outcome{Kind: Failed, Failure: f} }

// RemoteTasks is the speech-task backend as the stages use it.
type RemoteTasks interface {
	CreateTask(ctx context.Context, fileURL string) (string, error)
	GetStatus(ctx context.Context, taskID string) (transcription.TaskInfo, error)
	FetchJSON(ctx context.Context, url string) (any, error)
}

// StageRunner executes one attempt of a stage against a task snapshot.
type StageRunner interface {
	Run(ctx context.Context, st Stage, task types.Task) Outcome
}

// Executor runs stages against the leaf clients.
type Executor struct {
	transcoder transcoder.Transcoder
	objects    objectstore.Store
	remote     RemoteTasks
	prefix     string
	log        *logger.Logger
}

func NewExecutor(tc transcoder.Transcoder, objects objectstore.Store, remote RemoteTasks, prefix string, log *logger.Logger) *Executor {
	if log == nil {
		log = logger.Discard()
	}
	return &Executor{
		transcoder: tc,
		objects:    objects,
		remote:     remote,
		prefix:     prefix,
		log:        log,
	}
}

func (e *Executor) Run(ctx context.Context, st Stage, task types.Task) Outcome {
	switch st.Kind {
	case Transcode:
		return e.transcode(ctx, st.Speaker, task)
	case Upload:
		return e.upload(ctx, st.Speaker, task)
	case CreateRemoteTask:
		return e.createTask(ctx, st.Speaker, task)
	case Poll:
		return e.poll(ctx, st.Speaker, task)
	default:
		return failed(&Failure{Domain: DomainPipeline, Code: CodeMissingInput, Message: "unknown stage " + st.String()})
	}
}

// audioPath falls back to the legacy single-path field for mixed tasks.
func audioPath(task *types.Task, sp types.Speaker) string {
	p := *task.Track(sp).AudioPath
	if p == "" && sp == types.Mixed {
		p = task.LocalFilePath
	}
	return strings.TrimSpace(p)
}

func (e *Executor) transcode(ctx context.Context, sp types.Speaker, task types.Task) Outcome {
	pos := Transcode.Position()
	in := audioPath(&task, sp)
	if in == "" {
		return failed(missingInput(pos, "input file path"))
	}
	info, err := os.Stat(in)
	if err != nil {
		return failed(&Failure{Domain: DomainPipeline, Code: CodeMissingInput, Stage: pos, Message: "cannot access input file " + in, Err: err})
	}
	if info.Size() == 0 {
		return failed(&Failure{Domain: DomainPipeline, Code: CodeMissingInput, Stage: pos, Message: "input file is empty: " + in})
	}

	out := transcoder.OutputPath(in, sp.Slot())
	if err := e.transcoder.Convert(ctx, in, out); err != nil {
		return failed(&Failure{Domain: DomainPipeline, Code: CodeTranscodeFailed, Stage: pos, Message: "transcode failed: " + err.Error(), Err: err})
	}
	return done(func(t *types.Task) {
		*t.Track(sp).AudioPath = out
		if sp == types.Mixed {
			t.LocalFilePath = out
		}
	})
}

func (e *Executor) upload(ctx context.Context, sp types.Speaker, task types.Task) Outcome {
	pos := Upload.Position()
	path := audioPath(&task, sp)
	if path == "" {
		return failed(missingInput(pos, "audio file path"))
	}
	key := objectstore.Key(e.prefix, task.CreatedAt, task.RecordingID, sp)
	url, err := e.objects.Upload(ctx, path, key)
	if err != nil {
		return failed(clientFailure(pos, err))
	}
	e.log.WithField("key", key).WithField("speaker", sp.Slot()).Info("upload success")
	return done(func(t *types.Task) {
		*t.Track(sp).ObjectURL = url
	})
}

func (e *Executor) createTask(ctx context.Context, sp types.Speaker, task types.Task) Outcome {
	pos := CreateRemoteTask.Position()
	url := strings.TrimSpace(*task.Track(sp).ObjectURL)
	if url == "" {
		return failed(missingInput(pos, "object URL"))
	}
	id, err := e.remote.CreateTask(ctx, url)
	if err != nil {
		return failed(clientFailure(pos, err))
	}
	return done(func(t *types.Task) {
		*t.Track(sp).RemoteTaskID = id
	})
}

func (e *Executor) poll(ctx context.Context, sp types.Speaker, task types.Task) Outcome {
	pos := Poll.Position()
	id := strings.TrimSpace(*task.Track(sp).RemoteTaskID)
	if id == "" {
		return failed(missingInput(pos, "remote task id"))
	}
	info, err := e.remote.GetStatus(ctx, id)
	if err != nil {
		return failed(clientFailure(pos, err))
	}

	switch info.State {
	case transcription.StateRunning:
		return pending()
	case transcription.StateFailed:
		statusText := stringField(info.Data, "StatusText")
		msg := statusText
		if msg == "" {
			msg = "Unknown"
		}
		return failed(&Failure{
			Domain:     DomainRemote,
			Code:       CodeRemoteFailed,
			Stage:      pos,
			Message:    "remote task failed: " + msg,
			TaskKey:    stringField(info.Data, "TaskKey"),
			APIStatus:  stringField(info.Data, "TaskStatus"),
			StatusText: statusText,
		})
	}

	result, _ := info.Data["Result"].(map[string]any)
	text, found := e.fetchTranscript(ctx, result)

	var summary string
	var raw string
	if sp == types.Mixed {
		summary = e.fetchSummary(ctx, result)
		if b, err := json.MarshalIndent(info.Data, "", "  "); err == nil {
			raw = string(b)
		}
	}

	return done(func(t *types.Task) {
		if found {
			*t.Track(sp).Transcript = text
		}
		if sp != types.Mixed {
			return
		}
		t.TaskKey = stringField(info.Data, "TaskKey")
		t.APIStatus = stringField(info.Data, "TaskStatus")
		t.StatusText = stringField(info.Data, "StatusText")
		t.BizDuration = intField(info.Data, "BizDuration")
		t.OutputMP3Path = stringField(result, "OutputMp3Path")
		t.RawResponse = raw
		if summary != "" {
			t.Summary = summary
		}
	})
}

// fetchTranscript reads the transcription artifact, dereferencing it when the
// result carries a URL. A failed fetch or an unrecognised artifact falls back
// to the transcript fields inlined in the result. found is false when nothing
// matched.
func (e *Executor) fetchTranscript(ctx context.Context, result map[string]any) (string, bool) {
	if result == nil {
		return "", false
	}
	switch v := result["Transcription"].(type) {
	case string:
		data, err := e.remote.FetchJSON(ctx, v)
		if err != nil {
			e.log.WithError(err).WithField("url", v).Warn("transcription fetch failed, using inline result")
			break
		}
		if text, ok := transcript.Lookup(data); ok {
			return text, true
		}
	case map[string]any:
		if text, ok := transcript.Lookup(v); ok {
			return text, true
		}
	}
	for _, key := range []string{"Paragraphs", "Sentences"} {
		if items, ok := result[key].([]any); ok {
			return transcript.Normalize(map[string]any{key: items}), true
		}
	}
	if s, ok := result["Transcript"].(string); ok {
		return s, true
	}
	return "", false
}

// fetchSummary is best-effort: any failure yields "".
func (e *Executor) fetchSummary(ctx context.Context, result map[string]any) string {
	var doc map[string]any
	switch v := result["Summarization"].(type) {
	case string:
		data, err := e.remote.FetchJSON(ctx, v)
		if err != nil {
			e.log.WithError(err).Warn("summary fetch failed")
			return ""
		}
		doc, _ = data.(map[string]any)
	case map[string]any:
		doc = v
	default:
		return ""
	}
	if inner, ok := doc["Summarization"].(map[string]any); ok {
		doc = inner
	}
	return transcript.Summary(stringField(doc, "ParagraphTitle"), stringField(doc, "ParagraphSummary"))
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func intField(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	default:
		return 0
	}
}
