package imageapi

import (
	"context"
	"time"
)

const (
	OperationTextToImage  = "text_to_image"
	OperationImageToImage = "image_to_image"
)

// Timing breaks down where a generation call spent its time.
type Timing struct {
	// Queue is the time before the first upstream attempt started.
	Queue time.Duration
	// Connect and Read belong to the last attempt.
	Connect time.Duration
	Read    time.Duration
	// Upstream spans every attempt including retry delays.
	Upstream time.Duration
	Total    time.Duration
}

// Observation is reported once per generation call, success or failure.
type Observation struct {
	UserID       int64
	Operation    string
	Model        string
	PromptLength int
	ImageSize    string
	ImageCount   int
	Attempts     int
	Success      bool
	ErrorType    string
	ErrorMessage string
	Timing       Timing
}

// Observer receives generation outcomes. It is called on the request path
// and should return quickly.
type Observer interface {
	ObserveGeneration(ctx context.Context, o Observation)
}

type NopObserver struct{}

func (NopObserver) ObserveGeneration(context.Context, Observation) {}
