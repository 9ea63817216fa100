package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/linksentry/linksentry/internal/progress"
	pubmemory "github.com/linksentry/linksentry/internal/publisher/memory"
)

func TestPublisherSinkPushesEvents(t *testing.T) {
	t.Parallel()

	pub := pubmemory.New()
	sink := NewPublisherSink(pub, "link-progress")
	require.Equal(t, "publisher", sink.Name())

	taskID := uuid.NewString()
	ts := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	batch := []progress.Event{
		{
			TaskID:     progress.IDToBytes(taskID),
			TS:         ts,
			Stage:      progress.StageLinkDone,
			LinkID:     "link-1",
			Processed:  3,
			Total:      10,
			Percent:    30,
			ETASeconds: 14,
			Result:     "OK",
		},
		{
			TaskID: progress.IDToBytes(taskID),
			TS:     ts,
			Stage:  progress.StageTaskDone,
			Result: "completed",
		},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "link-progress", msgs[0].Topic)

	first, ok := msgs[0].Payload.(pushMessage)
	require.True(t, ok)
	require.Equal(t, taskID, first.TaskID)
	require.Equal(t, "LINK_DONE", first.Stage)
	require.Equal(t, "link-1", first.LinkID)
	require.Equal(t, int64(3), first.Processed)
	require.Equal(t, int64(14), first.ETASeconds)
	require.Equal(t, ts.Format(time.RFC3339Nano), first.Timestamp)

	second, ok := msgs[1].Payload.(pushMessage)
	require.True(t, ok)
	require.Equal(t, "TASK_DONE", second.Stage)
	require.Equal(t, "completed", second.Result)
}

type failingPublisher struct{ calls int }

func (p *failingPublisher) Publish(context.Context, string, any) (string, error) {
	p.calls++
	return "", context.DeadlineExceeded
}

func TestPublisherSinkStopsOnFirstError(t *testing.T) {
	t.Parallel()

	pub := &failingPublisher{}
	sink := NewPublisherSink(pub, "link-progress")

	batch := []progress.Event{
		{TaskID: progress.IDToBytes(uuid.NewString()), TS: time.Now(), Stage: progress.StageTaskStart},
		{TaskID: progress.IDToBytes(uuid.NewString()), TS: time.Now(), Stage: progress.StageTaskStart},
	}
	err := sink.Consume(context.Background(), batch)
	require.Error(t, err)
	require.Equal(t, 1, pub.calls)
}
