package thread

import (
	"persona-chat/backend/internal/models"
)

// Selection describes which part of a thread is sent verbatim and which
// checkpoint stands in for everything before it.
type Selection struct {
	// Anchor is the checkpoint substituted for the messages up to and
	// including AnchorIndex. Nil when the whole thread is verbatim.
	Anchor      *models.Checkpoint
	AnchorIndex int

	LastCheckpointIndex     int
	PreviousCheckpointIndex int

	// Window is the verbatim tail of the thread.
	Window []models.Message

	// SinceLastCheckpoint counts messages after the last checkpoint, or the
	// whole thread when there is none.
	SinceLastCheckpoint int
	// NeedsSummary is set once SinceLastCheckpoint exceeds the threshold.
	NeedsSummary bool
}

// LastCheckpoint returns the most recent checkpoint of the thread, if any.
func (s Selection) LastCheckpoint(thread []models.Message) *models.Checkpoint {
	if s.LastCheckpointIndex < 0 || s.LastCheckpointIndex >= len(thread) {
		return nil
	}
	return thread[s.LastCheckpointIndex].Checkpoint()
}

// SinceLast returns the messages after the last checkpoint.
func (s Selection) SinceLast(thread []models.Message) []models.Message {
	return thread[s.LastCheckpointIndex+1:]
}

// SelectCheckpoint picks the anchor for thread (oldest first).
//
// While the tail after the newest checkpoint is at most threshold messages
// long, the second newest checkpoint is used so the model keeps at least
// threshold messages of verbatim context. Once the tail grows past the
// threshold the newest checkpoint takes over.
func SelectCheckpoint(thread []models.Message, threshold int) Selection {
	last, prev := -1, -1
	for i := len(thread) - 1; i >= 0; i-- {
		if thread[i].Checkpoint() == nil {
			continue
		}
		if last < 0 {
			last = i
			continue
		}
		prev = i
		break
	}

	since := len(thread) - (last + 1)
	sel := Selection{
		AnchorIndex:             -1,
		LastCheckpointIndex:     last,
		PreviousCheckpointIndex: prev,
		SinceLastCheckpoint:     since,
		NeedsSummary:            since > threshold,
		Window:                  thread,
	}

	anchor := prev
	if since > threshold {
		anchor = last
	}
	if anchor >= 0 {
		sel.Anchor = thread[anchor].Checkpoint()
		sel.AnchorIndex = anchor
		sel.Window = thread[anchor+1:]
	}
	return sel
}
