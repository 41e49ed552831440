package collect

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"go.uber.org/zap"
)

// replaySession feeds a visitor's event sequence through a fresh service
// and returns the publisher's view of it.
func replaySession(gaps []int64) (*fakePublisher, error) {
	pub := &fakePublisher{}
	store := NewMemoryStore(time.Hour, zap.NewNop())
	defer store.Close()

	svc := NewService(store, pub, ServiceConfig{
		SessionDuration: testThreshold,
		FlowWithPayload: true,
	}, zap.NewNop())
	ctx := context.Background()

	started := int64(1000)
	sessionID := ""
	for _, gap := range gaps {
		started += gap
		result, err := svc.Collect(ctx, pageviewRequest(started, started), RequestMeta{SessionID: sessionID})
		if err != nil {
			return nil, err
		}
		sessionID = result.SessionID
	}
	return pub, nil
}

func TestProperty_CountersMatchFlowsWithinThreshold(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("gaps within the threshold keep one session and matching counters", prop.ForAll(
		func(gaps []int64) bool {
			pub, err := replaySession(append([]int64{0}, gaps...))
			if err != nil {
				return false
			}

			last := pub.records[len(pub.records)-1]
			if last.User.Sessions != 1 {
				return false
			}
			if last.Session.Events != len(pub.records) {
				return false
			}
			if last.Session.Events != len(last.Session.EventsFlow) {
				return false
			}
			if last.Session.Views != len(last.Session.ViewsFlow) {
				return false
			}

			// Same session id on every record.
			for _, r := range pub.records {
				if r.Session.ID != last.Session.ID {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(10, gen.Int64Range(0, testThreshold.Milliseconds())),
	))

	properties.Property("one oversized gap regenerates exactly once", prop.ForAll(
		func(before, after []int64, over int64) bool {
			gaps := append([]int64{0}, before...)
			gaps = append(gaps, testThreshold.Milliseconds()+over)
			gaps = append(gaps, after...)

			pub, err := replaySession(gaps)
			if err != nil {
				return false
			}

			first := pub.records[0]
			last := pub.records[len(pub.records)-1]

			if last.User.Sessions != 2 {
				return false
			}
			if last.User.ID != first.User.ID {
				return false
			}
			if last.Session.ID == first.Session.ID {
				return false
			}
			// Counters after the break reflect only post-break events.
			return last.Session.Events == len(after)+1
		},
		gen.SliceOfN(4, gen.Int64Range(0, testThreshold.Milliseconds())),
		gen.SliceOfN(4, gen.Int64Range(0, testThreshold.Milliseconds())),
		gen.Int64Range(1, 86400000),
	))

	properties.TestingRun(t)
}
