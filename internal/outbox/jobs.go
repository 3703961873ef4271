package outbox

import (
	"github.com/riverqueue/river"

	"github.com/pesio-ai/be-doc-approvals/internal/repository"
)

// Job kinds and queues.
const (
	JobKindTrigger   = "approvals.trigger"
	JobKindSignature = "approvals.signature"

	QueueTriggers   = "triggers"
	QueueSignatures = "signatures"
)

// TriggerArgs publishes one workflow event to the notification subjects.
type TriggerArgs struct {
	// EventID is the JetStream message id; retries reuse it.
	EventID      string   `json:"event_id"`
	EventType    string   `json:"event_type"`
	SubmissionID int64    `json:"submission_id"`
	StageID      int64    `json:"stage_id,omitempty"`
	HistoryID    int64    `json:"history_id,omitempty"`
	ActorID      string   `json:"actor_id,omitempty"`
	Recipients   []string `json:"recipients,omitempty"`
}

// Kind implements river.JobArgs.
func (TriggerArgs) Kind() string {
	return JobKindTrigger
}

// InsertOpts implements river.JobArgsWithInsertOpts.
func (TriggerArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: 5,
		Queue:       QueueTriggers,
	}
}

// SignatureArgs opens e-signature envelopes for a newly entered stage.
type SignatureArgs struct {
	EventID      string `json:"event_id"`
	SubmissionID int64  `json:"submission_id"`
	StageID      int64  `json:"stage_id"`
	RequestedBy  string `json:"requested_by,omitempty"`
}

// Kind implements river.JobArgs.
func (SignatureArgs) Kind() string {
	return JobKindSignature
}

// InsertOpts implements river.JobArgsWithInsertOpts.
func (SignatureArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: 8,
		Queue:       QueueSignatures,
	}
}

// jobArgs maps committed events onto job arguments, one job per event.
func jobArgs(events []repository.OutboxEvent) []river.JobArgs {
	out := make([]river.JobArgs, 0, len(events))
	for _, ev := range events {
		if ev.Kind == repository.EventSignatureRequest {
			out = append(out, SignatureArgs{
				EventID:      ev.ID,
				SubmissionID: ev.SubmissionID,
				StageID:      ev.StageID,
				RequestedBy:  ev.ActorID,
			})
			continue
		}
		out = append(out, TriggerArgs{
			EventID:      ev.ID,
			EventType:    string(ev.Kind),
			SubmissionID: ev.SubmissionID,
			StageID:      ev.StageID,
			HistoryID:    ev.HistoryID,
			ActorID:      ev.ActorID,
			Recipients:   ev.Recipients,
		})
	}
	return out
}
