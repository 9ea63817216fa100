package progress

import "context"

// Sink consumes batches of progress events. Implementations must tolerate
// duplicate delivery and must not block longer than the caller's context.
type Sink interface {
	// Name identifies the sink in logs.
	Name() string
	// Consume handles one batch of events.
	Consume(ctx context.Context, events []Event) error
}
