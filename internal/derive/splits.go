package derive

import (
	"strings"

	"github.com/felixmachan/stravaFetch/internal/activity"
	"github.com/felixmachan/stravaFetch/internal/streams"
)

const (
	splitQuantumM     = 1000.0
	swimSplitQuantumM = 100.0
)

// SplitSource records whether splits came from the provider or were computed.
type SplitSource string

const (
	SplitsFromProvider SplitSource = "provider"
	SplitsComputed     SplitSource = "computed"
	SplitsNone         SplitSource = "none"
)

// SplitQuantum returns the split distance for a sport type.
func SplitQuantum(sportType string) float64 {
	if strings.Contains(strings.ToLower(sportType), activity.SportSwim) {
		return swimSplitQuantumM
	}
	return splitQuantumM
}

// ComputeSplits walks the distance and time streams and emits a split every
// time cumulative distance crosses the next quantum boundary. A trailing
// segment shorter than one quantum is dropped. Fewer than two samples, or
// streams of different length, yield no splits.
func ComputeSplits(sportType string, distance, time []float64) []activity.Split {
	return computeSplits(sportType, distance, time, nil)
}

func computeSplits(sportType string, distance, time, heartrate []float64) []activity.Split {
	if len(distance) < 2 || len(distance) != len(time) {
		return nil
	}

	quantum := SplitQuantum(sportType)
	boundary := quantum
	prevTime := time[0]
	start := 0

	var splits []activity.Split
	for i := range distance {
		for distance[i] >= boundary {
			split := activity.Split{
				Index:       len(splits) + 1,
				DistanceM:   quantum,
				ElapsedTime: time[i] - prevTime,
				AvgHR:       meanBetween(heartrate, start, i),
			}
			splits = append(splits, split)
			prevTime = time[i]
			start = i
			boundary += quantum
		}
	}
	return splits
}

// meanBetween averages the samples in (from, to], skipping indexes beyond the
// end of a short channel.
func meanBetween(ch []float64, from, to int) *float64 {
	var sum float64
	var n int
	for i := from + 1; i <= to && i < len(ch); i++ {
		if ch[i] > 0 {
			sum += ch[i]
			n++
		}
	}
	if n == 0 {
		return nil
	}
	return activity.Float(sum / float64(n))
}

// SplitsFor returns the provider's splits when it supplied any, otherwise the
// splits computed from the normalized streams.
func SplitsFor(a activity.Activity, n streams.Normalized) ([]activity.Split, SplitSource) {
	if len(a.ProviderSplits) > 0 {
		return a.ProviderSplits, SplitsFromProvider
	}
	splits := computeSplits(a.SportType,
		n.Channel(activity.ChannelDistance),
		n.Channel(activity.ChannelTime),
		n.Channel(activity.ChannelHeartrate))
	if len(splits) == 0 {
		return nil, SplitsNone
	}
	return splits, SplitsComputed
}
