package eventlog

import (
	"context"
	"strconv"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Each generated int encodes an event: issue = n%3, plugin = n/3 (3 means untagged).
func tagsFor(n int) Tags {
	tags := Tags{"issue": strconv.Itoa(n % 3)}
	if p := n / 3; p < 3 {
		tags["plugin"] = strconv.Itoa(p)
	}
	return tags
}

func TestQueryByTagReturnsExactlyMatchingSubsetInOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("tag query equals filtered append sequence", prop.ForAll(
		func(codes []int) bool {
			log, err := New(NewMemoryStore())
			if err != nil {
				return false
			}
			ctx := context.Background()
			var appended []Event
			for _, code := range codes {
				ev, err := NewEvent("PROP.APPENDED", tagsFor(code), nil)
				if err != nil {
					return false
				}
				stored, err := log.Append(ctx, ev)
				if err != nil {
					return false
				}
				appended = append(appended, stored)
			}
			for _, key := range []string{"issue", "plugin"} {
				for v := 0; v < 3; v++ {
					value := strconv.Itoa(v)
					got, err := log.Query(ctx, ByTag(key, value))
					if err != nil {
						return false
					}
					var want []string
					for _, ev := range appended {
						if ev.Tags[key] == value {
							want = append(want, ev.ID)
						}
					}
					if len(got) != len(want) {
						return false
					}
					for i := range got {
						if got[i].ID != want[i] {
							return false
						}
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 11)),
	))

	properties.TestingRun(t)
}
