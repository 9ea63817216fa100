package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
}

func (s *stubSink) Name() string { return "stub" }

func (s *stubSink) Consume(_ context.Context, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), events...))
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	copy(out, s.batches)
	return out
}

func sampleEvent(stage Stage) Event {
	evt := Event{
		TaskID: IDToBytes(uuid.NewString()),
		TS:     time.Now(),
		Stage:  stage,
	}
	if stage == StageLinkDone {
		evt.LinkID = "link-1"
		evt.Processed = 1
		evt.Total = 2
	}
	return evt
}

// TestHubBatchBySize verifies the hub flushes once the batch limit fills.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(HubConfig{
		BufferSize:    8,
		MaxBatch:      2,
		FlushInterval: time.Minute,
	}, sink)
	defer func() { require.NoError(t, hub.Close(context.Background())) }()

	hub.Emit(sampleEvent(StageTaskStart))
	hub.Emit(sampleEvent(StageTaskStart))
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubFlushByInterval verifies small batches still flush on the ticker.
func TestHubFlushByInterval(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(HubConfig{
		BufferSize:    4,
		MaxBatch:      100,
		FlushInterval: 20 * time.Millisecond,
	}, sink)
	defer func() { require.NoError(t, hub.Close(context.Background())) }()

	hub.Emit(sampleEvent(StageTaskStart))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) >= 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubFlushOnClose verifies buffered events are drained during shutdown.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(HubConfig{
		BufferSize:    8,
		MaxBatch:      100,
		FlushInterval: time.Minute,
	}, sink)

	hub.Emit(sampleEvent(StageTaskStart))
	hub.Emit(sampleEvent(StageTaskDone))

	require.NoError(t, hub.Close(context.Background()))
	batches := sink.Batches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 2)
}

// TestHubDropsInvalidEvents verifies validation guards the sink input.
func TestHubDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(HubConfig{FlushInterval: 10 * time.Millisecond}, sink)
	defer func() { require.NoError(t, hub.Close(context.Background())) }()

	hub.Emit(Event{})
	hub.Emit(Event{TaskID: IDToBytes(uuid.NewString())})

	time.Sleep(50 * time.Millisecond)
	require.Empty(t, sink.Batches())
}

// TestEventValidate exercises the payload rules directly.
func TestEventValidate(t *testing.T) {
	t.Parallel()

	valid := sampleEvent(StageLinkDone)
	require.NoError(t, valid.Validate())

	missingLink := valid
	missingLink.LinkID = ""
	require.Error(t, missingLink.Validate())

	overflow := valid
	overflow.Processed = overflow.Total + 1
	require.Error(t, overflow.Validate())

	badStage := valid
	badStage.Stage = "UNKNOWN"
	require.Error(t, badStage.Validate())
}
