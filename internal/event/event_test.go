package event_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/victornm/quizhub/internal/event"
)

func TestBus_PublishSubscribe(t *testing.T) {
	type (
		inputs struct {
			published   []event.Event
			subscribers []subscriber
		}

		outputs struct {
			received map[string][]event.Event
		}
	)

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"a subscriber only sees the event it subscribed to": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						busEvent("score.updated"),
						busEvent("question.scored"),
					},
					subscribers: []subscriber{
						{
							name:        "s1",
							subscribeTo: []string{"score.updated"},
						},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.ElementsMatch(t, []event.Event{busEvent("score.updated")}, out.received["s1"])
			},
		},

		"every publication of a subscribed event is delivered": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						busEvent("score.updated"),
						busEvent("score.updated"),
					},
					subscribers: []subscriber{
						{
							name:        "s1",
							subscribeTo: []string{"score.updated"},
						},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.ElementsMatch(t, []event.Event{busEvent("score.updated"), busEvent("score.updated")}, out.received["s1"])
			},
		},

		"one event reaches every subscriber": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						busEvent("score.updated"),
					},
					subscribers: []subscriber{
						{
							name:        "s1",
							subscribeTo: []string{"score.updated"},
						},
						{
							name:        "s2",
							subscribeTo: []string{"score.updated"},
						},
						{
							name:        "s3",
							subscribeTo: []string{"score.updated"},
						},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.ElementsMatch(t, []event.Event{busEvent("score.updated")}, out.received["s1"])
				assert.ElementsMatch(t, []event.Event{busEvent("score.updated")}, out.received["s2"])
				assert.ElementsMatch(t, []event.Event{busEvent("score.updated")}, out.received["s3"])
			},
		},

		"overlapping subscriptions each see their own slice": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						busEvent("score.updated"),
						busEvent("question.scored"),
						busEvent("score.updated"),
						busEvent("session.finished"),
					},
					subscribers: []subscriber{
						{
							name:        "s1",
							subscribeTo: []string{"score.updated"},
						},
						{
							name:        "s2",
							subscribeTo: []string{"score.updated", "question.scored"},
						},
						{
							name:        "s3",
							subscribeTo: []string{"session.finished", "question.scored"},
						},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.ElementsMatch(t, []event.Event{busEvent("score.updated"), busEvent("score.updated")}, out.received["s1"])
				assert.ElementsMatch(t, []event.Event{busEvent("score.updated"), busEvent("score.updated"), busEvent("question.scored")}, out.received["s2"])
				assert.ElementsMatch(t, []event.Event{busEvent("question.scored"), busEvent("session.finished")}, out.received["s3"])
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in := tt.arrange()
			mu := sync.Mutex{}
			out := outputs{received: make(map[string][]event.Event)}

			b := event.NewBus()
			for _, s := range in.subscribers {
				s := s
				for _, e := range s.subscribeTo {
					b.Subscribe(e, func(ctx context.Context, e event.Event) error {
						mu.Lock()
						out.received[s.name] = append(out.received[s.name], e)
						mu.Unlock()
						return nil
					})
				}
			}

			for _, e := range in.published {
				b.Publish(context.Background(), e)
			}
			b.Stop()

			tt.assert(t, out)
		})
	}
}

type busEvent string

func (e busEvent) Name() string {
	return string(e)
}

type subscriber struct {
	name        string
	subscribeTo []string
}
