package derive

import (
	"fmt"
	"math"

	"github.com/felixmachan/stravaFetch/internal/activity"
	"github.com/felixmachan/stravaFetch/internal/streams"
)

const (
	minPaceSecPerKm     = 120.0
	maxPaceSecPerKm     = 1200.0
	defaultPaceSecPerKm = 360.0
	minBucketSeconds    = 10.0

	emaKeep      = 0.82
	emaBlend     = 0.18
	emaClampLow  = 0.55
	emaClampHigh = 1.6

	minPlotPad  = 8.0
	plotPadFrac = 0.1
)

// PacePoint is one smoothed pace sample, in seconds per km. Plot is the pace
// flipped into the activity's plot domain so faster charts higher.
type PacePoint struct {
	TimeS     float64 `json:"t"`
	DistanceM float64 `json:"d"`
	Pace      float64 `json:"pace"`
	Plot      float64 `json:"plot"`
}

// PowerPoint is one raw watts sample.
type PowerPoint struct {
	TimeS float64 `json:"t"`
	Watts float64 `json:"watts"`
}

// Domain is a closed interval of pace values used for charting.
type Domain struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// SeedPace is the activity's overall pace, the starting point for smoothing.
func SeedPace(distanceM float64, movingTimeS int64) float64 {
	if distanceM <= 0 || movingTimeS <= 0 {
		return defaultPaceSecPerKm
	}
	return clamp(float64(movingTimeS)/(distanceM/1000), minPaceSecPerKm, maxPaceSecPerKm)
}

// SmoothPace turns raw distance/time samples into a spike-free pace series.
// Samples are grouped into buckets of at least ten seconds. A bucket's pace
// is discarded unless it lies within the plausible range, then it is held to
// a band around the running average before being blended in.
func SmoothPace(n streams.Normalized, seed float64) []PacePoint {
	t, d := n.Paired(activity.ChannelTime, activity.ChannelDistance)
	if len(t) < 2 {
		return nil
	}

	ema := clamp(seed, minPaceSecPerKm, maxPaceSecPerKm)
	var out []PacePoint
	start := 0
	for i := 1; i < len(t); i++ {
		dt := t[i] - t[start]
		if dt < minBucketSeconds {
			continue
		}
		dd := d[i] - d[start]
		start = i
		if dd <= 0 {
			continue
		}
		candidate := dt / (dd / 1000)
		if candidate < minPaceSecPerKm || candidate > maxPaceSecPerKm {
			continue
		}
		candidate = clamp(candidate, emaClampLow*ema, emaClampHigh*ema)
		ema = emaKeep*ema + emaBlend*candidate
		out = append(out, PacePoint{
			TimeS:     t[i],
			DistanceM: d[i],
			Pace:      clamp(ema, minPaceSecPerKm, maxPaceSecPerKm),
		})
	}
	return out
}

// PowerSeries passes watts through unsmoothed. It returns nil unless at least
// one sample is positive.
func PowerSeries(n streams.Normalized) []PowerPoint {
	watts := n.Channel(activity.ChannelWatts)
	valid := false
	for _, w := range watts {
		if w > 0 {
			valid = true
			break
		}
	}
	if !valid {
		return nil
	}

	out := make([]PowerPoint, 0, len(watts))
	for i := range watts {
		s := n.At(activity.ChannelWatts, i)
		if !s.OK {
			continue
		}
		ts := float64(i)
		if tt := n.At(activity.ChannelTime, i); tt.OK {
			ts = tt.Value
		}
		out = append(out, PowerPoint{TimeS: ts, Watts: s.Value})
	}
	return out
}

// PlotDomain returns the charting interval for a pace series: the observed
// range padded by ten percent (at least eight seconds), kept within the
// plausible pace bounds.
func PlotDomain(points []PacePoint) Domain {
	if len(points) == 0 {
		return Domain{Min: minPaceSecPerKm, Max: maxPaceSecPerKm}
	}
	lo, hi := points[0].Pace, points[0].Pace
	for _, p := range points[1:] {
		lo = math.Min(lo, p.Pace)
		hi = math.Max(hi, p.Pace)
	}
	pad := math.Max(minPlotPad, plotPadFrac*(hi-lo))
	return Domain{
		Min: math.Max(minPaceSecPerKm, lo-pad),
		Max: math.Min(maxPaceSecPerKm, hi+pad),
	}
}

// Plotted fills in Plot for every point using the series' own domain.
func Plotted(points []PacePoint) ([]PacePoint, Domain) {
	d := PlotDomain(points)
	for i := range points {
		points[i].Plot = d.ToPlot(points[i].Pace)
	}
	return points, d
}

// ToPlot flips a pace value so that faster plots higher.
func (d Domain) ToPlot(pace float64) float64 {
	return d.Max - pace + d.Min
}

// FormatPace renders seconds per km as "m:ss /km", or "n/a" when there is no
// usable pace.
func FormatPace(secPerKm float64, ok bool) string {
	if !ok || secPerKm <= 0 || math.IsInf(secPerKm, 0) || math.IsNaN(secPerKm) {
		return "n/a"
	}
	total := int(math.Round(secPerKm))
	return fmt.Sprintf("%d:%02d /km", total/60, total%60)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
