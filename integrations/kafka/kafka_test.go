package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teampoints/core"
	"teampoints/engine"
)

type fakeFetcher struct {
	mu        sync.Mutex
	msgs      []kafkago.Message
	committed []int64
	cancel    context.CancelFunc
}

func (f *fakeFetcher) FetchMessage(ctx context.Context) (kafkago.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.msgs) == 0 {
		f.cancel()
		return kafkago.Message{}, ctx.Err()
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

func (f *fakeFetcher) CommitMessages(_ context.Context, msgs ...kafkago.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeFetcher) Close() error { return nil }

type recordingProcessor struct {
	calls []string
	parts []core.Participants
}

func (p *recordingProcessor) Process(_ context.Context, action string, participants core.Participants) (engine.ProcessReport, error) {
	p.calls = append(p.calls, action)
	p.parts = append(p.parts, participants)
	if action == "explode" {
		return engine.ProcessReport{}, errors.New("rule failed")
	}
	return engine.ProcessReport{Action: action, Applied: []string{action}}, nil
}

func TestConsumerProcessesAndCommits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := &fakeFetcher{cancel: cancel, msgs: []kafkago.Message{
		{Offset: 1, Value: []byte(`{"actionType":"did_not_key_in_sap_hour","participants":{"offender":["p_bob","p_charlie"]}}`)},
		{Offset: 2, Value: []byte(`not json`)},
		{Offset: 3, Value: []byte(`{"actionType":"explode"}`)},
	}}
	proc := &recordingProcessor{}
	c := newConsumer(f, proc, nil)

	require.NoError(t, c.Run(ctx))
	assert.Equal(t, []string{"did_not_key_in_sap_hour", "explode"}, proc.calls)
	assert.Equal(t, []core.PersonID{"p_bob", "p_charlie"}, proc.parts[0]["offender"])
	assert.Equal(t, []int64{1, 2, 3}, f.committed)

	handled, skipped, failed := c.Stats()
	assert.Equal(t, int64(1), handled)
	assert.Equal(t, int64(1), skipped)
	assert.Equal(t, int64(1), failed)
}

func TestDecodeRequiresAction(t *testing.T) {
	_, err := Decode([]byte(`{"participants":{}}`))
	assert.Error(t, err)
}

type fakeWriter struct{ msgs []kafkago.Message }

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestPublisherKeysByGroup(t *testing.T) {
	w := &fakeWriter{}
	p := newPublisher(w, nil)
	p.OnEvent(context.Background(), core.NewGroupPointsChanged("grp_b", "r", 2, 2, "x"))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "grp_b", string(w.msgs[0].Key))
	var ev core.Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &ev))
	assert.Equal(t, core.EventGroupPointsChanged, ev.Type)
}

func TestNewConsumerValidatesConfig(t *testing.T) {
	_, err := NewConsumer(ConsumerConfig{}, &recordingProcessor{}, nil)
	assert.Error(t, err)
}
