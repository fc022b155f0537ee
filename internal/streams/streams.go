// Package streams aligns the per-sample channels of an activity onto a common
// index.
package streams

import (
	"math"
	"sort"

	"github.com/felixmachan/stravaFetch/internal/activity"
)

// Sample is one channel value at one index. OK is false when the channel is
// absent or too short to reach the index.
type Sample struct {
	Value float64
	OK    bool
}

// Normalized is a StreamSet viewed through a shared per-sample index.
type Normalized struct {
	channels map[string][]float64
	latlng   [][2]float64
	n        int
}

// Normalize builds the shared index. The index length is the longest present
// channel. Ragged input is tolerated; values are never fabricated.
func Normalize(s activity.StreamSet) Normalized {
	n := Normalized{channels: s.Scalars(), latlng: s.LatLng}
	for _, ch := range n.channels {
		if len(ch) > n.n {
			n.n = len(ch)
		}
	}
	if len(n.latlng) > n.n {
		n.n = len(n.latlng)
	}
	return n
}

// Len is the length of the shared index. Zero when no channel is present.
func (n Normalized) Len() int {
	return n.n
}

// Has reports whether channel is present with at least one sample.
func (n Normalized) Has(channel string) bool {
	if channel == activity.ChannelLatLng {
		return len(n.latlng) > 0
	}
	return len(n.channels[channel]) > 0
}

// At returns channel's value at index i. NaN samples are treated as absent.
func (n Normalized) At(channel string, i int) Sample {
	ch := n.channels[channel]
	if i < 0 || i >= len(ch) || math.IsNaN(ch[i]) {
		return Sample{}
	}
	return Sample{Value: ch[i], OK: true}
}

// Channel returns the raw slice for channel, or nil when absent.
func (n Normalized) Channel(channel string) []float64 {
	ch := n.channels[channel]
	if len(ch) == 0 {
		return nil
	}
	return ch
}

// Available lists the present channels in sorted order.
func (n Normalized) Available() []string {
	out := make([]string, 0, len(n.channels)+1)
	for name, ch := range n.channels {
		if len(ch) > 0 {
			out = append(out, name)
		}
	}
	if len(n.latlng) > 0 {
		out = append(out, activity.ChannelLatLng)
	}
	sort.Strings(out)
	return out
}

// Paired returns the indexes where both channels a and b are present,
// along with the two value sequences restricted to those indexes.
func (n Normalized) Paired(a, b string) (xs, ys []float64) {
	for i := 0; i < n.n; i++ {
		va, vb := n.At(a, i), n.At(b, i)
		if va.OK && vb.OK {
			xs = append(xs, va.Value)
			ys = append(ys, vb.Value)
		}
	}
	return xs, ys
}

// Mean returns the mean of the present samples of channel, skipping values
// that fail keep. It reports false when nothing qualified.
func (n Normalized) Mean(channel string, keep func(float64) bool) (float64, bool) {
	var sum float64
	var count int
	for i := 0; i < n.n; i++ {
		s := n.At(channel, i)
		if !s.OK || (keep != nil && !keep(s.Value)) {
			continue
		}
		sum += s.Value
		count++
	}
	if count == 0 {
		return 0, false
	}
	return sum / float64(count), true
}
