package correlator

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"github.com/PratikDhanave/rum-correlator/internal/resource"
)

func TestDecide(t *testing.T) {
	t0 := epoch
	base := View{
		Trigger:      t0,
		Deadline:     t0.Add(10 * time.Second),
		LastActivity: t0.Add(time.Second),
		QuietWindow:  200 * time.Millisecond,
	}

	cases := []struct {
		name string
		edit func(v *View)
		want Decision
	}{
		{"quiet elapsed", func(v *View) { v.Now = t0.Add(1200 * time.Millisecond) }, SettleNow},
		{"quiet not elapsed", func(v *View) { v.Now = t0.Add(1100 * time.Millisecond) }, StillPending},
		{"pending resource", func(v *View) { v.Now = t0.Add(5 * time.Second); v.Pending = 1 }, StillPending},
		{"deadline with pending", func(v *View) { v.Now = v.Deadline; v.Pending = 2 }, ForceTimeout},
		{"deadline with fresh activity", func(v *View) { v.Now = v.Deadline; v.LastActivity = v.Deadline }, ForceTimeout},
		{"quiet beats deadline at same instant", func(v *View) { v.Now = v.Deadline }, SettleNow},
		{"settled stays settled", func(v *View) { v.Now = t0; v.Pending = 3; v.Previous = SettleNow }, SettleNow},
		{"timed out stays timed out", func(v *View) { v.Now = v.Deadline.Add(time.Hour); v.Previous = ForceTimeout }, ForceTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := base
			tc.edit(&v)
			assert.Equal(t, tc.want, Decide(v))
		})
	}
}

func TestFinalize(t *testing.T) {
	t0 := epoch
	at := func(ms int) time.Time { return t0.Add(time.Duration(ms) * time.Millisecond) }

	t.Run("latest resource end", func(t *testing.T) {
		out := Finalize(TypeXHR, t0, at(3500), []ResourceRecord{
			{Start: t0, End: at(2000), Status: resource.Loaded},
			{Start: at(2000), End: at(3000), Status: resource.Errored},
		}, SettleNow)
		assert.Equal(t, at(3000), out.End)
		assert.Equal(t, RecordXHR, out.Type)
		assert.False(t, out.TimedOut)
	})

	t.Run("no resources uses last activity", func(t *testing.T) {
		out := Finalize(TypeClick, t0, at(40), nil, SettleNow)
		assert.Equal(t, at(40), out.End)
		assert.Equal(t, RecordClick, out.Type)
	})

	t.Run("timeout", func(t *testing.T) {
		out := Finalize(TypeHardNav, t0, at(10), []ResourceRecord{
			{Start: t0, End: at(60000), Status: resource.Errored, ErrorCode: resource.TimeoutCode},
		}, ForceTimeout)
		assert.True(t, out.TimedOut)
		assert.Equal(t, RecordSPAHard, out.Type)
		assert.Equal(t, at(60000), out.End)
	})
}

func TestClassify(t *testing.T) {
	assert.Equal(t, RecordSPAHard, Classify(TypeHardNav))
	assert.Equal(t, RecordSPA, Classify(TypeSPARoute))
	assert.Equal(t, RecordXHR, Classify(TypeXHR))
	assert.Equal(t, RecordFetch, Classify(TypeFetch))
	assert.Equal(t, RecordClick, Classify(TypeClick))
	assert.Equal(t, RecordClick, Classify(EventType("unknown")))
}

////////////////////////////////////////////////////////////////////////////////
// PROPERTIES
////////////////////////////////////////////////////////////////////////////////

func viewFrom(nowMS, lastMS, deadlineMS int64, quietMS int64, pending int, prev int) View {
	return View{
		Now:          epoch.Add(time.Duration(nowMS) * time.Millisecond),
		Trigger:      epoch,
		Deadline:     epoch.Add(time.Duration(deadlineMS) * time.Millisecond),
		LastActivity: epoch.Add(time.Duration(lastMS) * time.Millisecond),
		QuietWindow:  time.Duration(quietMS) * time.Millisecond,
		Pending:      pending,
		Previous:     Decision(prev),
	}
}

func TestDecideProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("a decision never changes once taken", prop.ForAll(
		func(now, last, deadline, quiet int64, pending, prev int) bool {
			v := viewFrom(now, last, deadline, quiet, pending, prev)
			return Decide(v) == Decision(prev)
		},
		gen.Int64Range(0, 120000),
		gen.Int64Range(0, 120000),
		gen.Int64Range(1, 120000),
		gen.Int64Range(0, 1000),
		gen.IntRange(0, 5),
		gen.IntRange(int(SettleNow), int(ForceTimeout)),
	))

	properties.Property("past the deadline an event is always decided", prop.ForAll(
		func(over, last, deadline, quiet int64, pending int) bool {
			v := viewFrom(deadline+over, last, deadline, quiet, pending, int(StillPending))
			return Decide(v) != StillPending
		},
		gen.Int64Range(0, 60000),
		gen.Int64Range(0, 120000),
		gen.Int64Range(1, 120000),
		gen.Int64Range(0, 1000),
		gen.IntRange(0, 5),
	))

	properties.Property("pending resources never settle", prop.ForAll(
		func(now, last, deadline, quiet int64, pending int) bool {
			v := viewFrom(now, last, deadline, quiet, pending, int(StillPending))
			return Decide(v) != SettleNow
		},
		gen.Int64Range(0, 120000),
		gen.Int64Range(0, 120000),
		gen.Int64Range(1, 120000),
		gen.Int64Range(0, 1000),
		gen.IntRange(1, 5),
	))

	properties.Property("finalized end is never before the trigger", prop.ForAll(
		func(ends []int64, last int64) bool {
			var res []ResourceRecord
			for _, e := range ends {
				res = append(res, ResourceRecord{
					Start:  epoch,
					End:    epoch.Add(time.Duration(e) * time.Millisecond),
					Status: resource.Loaded,
				})
			}
			out := Finalize(TypeClick, epoch, epoch.Add(time.Duration(last)*time.Millisecond), res, SettleNow)
			return !out.End.Before(epoch)
		},
		gen.SliceOf(gen.Int64Range(-5000, 60000)),
		gen.Int64Range(-5000, 60000),
	))

	properties.TestingRun(t)
}
