package pipeline

import "meeting-pipeline-go/internal/types"

var canonical = []StageKind{Transcode, Upload, CreateRemoteTask, Poll}

// Sequence returns the stages to run for one track that left off at from:
// the shortest suffix of the canonical order whose first stage is at or
// after from. recorded, failed and unknown statuses give the full sequence;
// completed gives none.
func Sequence(from types.Status, sp types.Speaker) []Stage {
	start := 0
	if from != types.StatusRecorded && from != types.StatusFailed && from.Rank() >= 0 {
		start = len(canonical)
		for i, k := range canonical {
			if k.Position().Rank() >= from.Rank() {
				start = i
				break
			}
		}
	}
	out := make([]Stage, 0, len(canonical)-start)
	for _, k := range canonical[start:] {
		out = append(out, Stage{Kind: k, Speaker: sp})
	}
	return out
}

// ResumePoint is where a track picks up: its failed step when it failed,
// otherwise the status it stopped in.
func ResumePoint(status, failedStep types.Status) types.Status {
	if status == types.StatusFailed {
		if failedStep != "" {
			return failedStep
		}
		return types.StatusRecorded
	}
	return status
}
