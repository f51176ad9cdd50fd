// Package thread reconstructs conversation branches from a chat's message
// tree and decides how much of a branch is replaced by a checkpoint summary.
package thread

import (
	"time"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("persona-chat/backend/internal/thread")

// RootKey is the pseudo parent id of parentless messages in branch listings
const RootKey = "root"

// Config holds the threading constants
type Config struct {
	// CheckpointThreshold is the number of messages after the last
	// checkpoint past which that checkpoint becomes the anchor.
	CheckpointThreshold int
	// PreviewCharCap bounds branch preview text, in runes.
	PreviewCharCap int
	// FetchLimit is the default number of messages walked from a leaf.
	FetchLimit int
	// MaxFetchLimit caps caller supplied limits.
	MaxFetchLimit int
	// SummaryMaxWords is the word budget given to the summarizer.
	SummaryMaxWords int
	// SummaryModel overrides the chat model for summaries when set.
	SummaryModel       string
	ReconstructTimeout time.Duration
	SummaryTimeout     time.Duration
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		CheckpointThreshold: 24,
		PreviewCharCap:      1200,
		FetchLimit:          100,
		MaxFetchLimit:       500,
		SummaryMaxWords:     200,
		ReconstructTimeout:  20 * time.Second,
		SummaryTimeout:      25 * time.Second,
	}
}
