// Package records keeps an athlete's three fastest times for each
// best-effort distance reported by the provider.
package records

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/felixmachan/stravaFetch/internal/activity"
)

const (
	podiumSize  = 3
	maxKeyLen   = 96
	maxLabelLen = 128
)

var knownDistances = map[int]string{
	400:   "400m",
	800:   "800m",
	1000:  "1K",
	1609:  "1 mile",
	2000:  "2K",
	3219:  "2 mile",
	5000:  "5K",
	10000: "10K",
	21097: "Half Marathon",
	42195: "Marathon",
}

// Label names a distance in metres, preferring race names for the standard
// distances.
func Label(distanceM float64) string {
	if distanceM <= 0 || math.IsNaN(distanceM) {
		return "Effort"
	}
	m := int(math.Round(distanceM))
	if l, ok := knownDistances[m]; ok {
		return l
	}
	if m >= 1000 && m%1000 == 0 {
		return fmt.Sprintf("%dK", m/1000)
	}
	return fmt.Sprintf("%dm", m)
}

// Effort is a best effort keyed for comparison across activities.
type Effort struct {
	Key          string
	Label        string
	DistanceM    float64
	ElapsedTimeS int64
	PRRank       int
}

// Normalize keys a provider best effort by its lower-cased name, falling back
// to the distance label. Efforts without a positive time are dropped.
func Normalize(b activity.BestEffort) (Effort, bool) {
	if b.ElapsedTimeS <= 0 {
		return Effort{}, false
	}
	label := strings.TrimSpace(b.Name)
	if label == "" {
		label = Label(b.DistanceM)
	}
	return Effort{
		Key:          truncate(strings.ToLower(label), maxKeyLen),
		Label:        truncate(label, maxLabelLen),
		DistanceM:    b.DistanceM,
		ElapsedTimeS: b.ElapsedTimeS,
		PRRank:       b.PRRank,
	}, true
}

// Keys returns the sorted, distinct effort keys of efforts.
func Keys(efforts []activity.BestEffort) []string {
	seen := map[string]bool{}
	var out []string
	for _, b := range efforts {
		e, ok := Normalize(b)
		if !ok || seen[e.Key] {
			continue
		}
		seen[e.Key] = true
		out = append(out, e.Key)
	}
	sort.Strings(out)
	return out
}

// Entry is one ranked record.
type Entry struct {
	Key          string    `json:"effort_key"`
	Label        string    `json:"effort_label"`
	DistanceM    float64   `json:"distance_m"`
	Rank         int       `json:"rank"`
	ElapsedTimeS int64     `json:"elapsed_time_s"`
	AchievedAt   time.Time `json:"achieved_at"`
	ActivityID   int64     `json:"activity_id"`
	ActivityName string    `json:"activity_name"`
}

// Merge folds act's best efforts into existing and returns the new top three
// for every effort key act reports, ranked from 1. Equal times rank by who
// got there first. The same time from the same activity counts once, so
// merging an activity twice changes nothing.
func Merge(existing []Entry, act activity.Activity, now time.Time) map[string][]Entry {
	achieved := act.StartDate
	if achieved.IsZero() {
		achieved = now
	}

	candidates := map[string][]Entry{}
	for _, b := range act.BestEfforts {
		e, ok := Normalize(b)
		if !ok {
			continue
		}
		candidates[e.Key] = append(candidates[e.Key], Entry{
			Key:          e.Key,
			Label:        e.Label,
			DistanceM:    e.DistanceM,
			ElapsedTimeS: e.ElapsedTimeS,
			AchievedAt:   achieved,
			ActivityID:   act.ID,
			ActivityName: act.Name,
		})
	}
	for _, e := range existing {
		if _, ok := candidates[e.Key]; ok {
			candidates[e.Key] = append(candidates[e.Key], e)
		}
	}

	out := make(map[string][]Entry, len(candidates))
	for key, list := range candidates {
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].ElapsedTimeS != list[j].ElapsedTimeS {
				return list[i].ElapsedTimeS < list[j].ElapsedTimeS
			}
			return list[i].AchievedAt.Before(list[j].AchievedAt)
		})
		type dedupe struct {
			elapsed  int64
			activity int64
		}
		seen := map[dedupe]bool{}
		var top []Entry
		for _, e := range list {
			k := dedupe{e.ElapsedTimeS, e.ActivityID}
			if seen[k] {
				continue
			}
			seen[k] = true
			e.Rank = len(top) + 1
			top = append(top, e)
			if len(top) == podiumSize {
				break
			}
		}
		out[key] = top
	}
	return out
}

// Group is every ranked record for one effort.
type Group struct {
	Key       string  `json:"effort_key"`
	Label     string  `json:"effort_label"`
	DistanceM float64 `json:"distance_m"`
	Records   []Entry `json:"records"`
}

// Snapshot groups entries by effort, ordered by label, each group by rank.
func Snapshot(entries []Entry) []Group {
	sorted := append([]Entry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Label != sorted[j].Label {
			return sorted[i].Label < sorted[j].Label
		}
		return sorted[i].Rank < sorted[j].Rank
	})

	var out []Group
	index := map[string]int{}
	for _, e := range sorted {
		i, ok := index[e.Key]
		if !ok {
			i = len(out)
			index[e.Key] = i
			out = append(out, Group{Key: e.Key, Label: e.Label, DistanceM: e.DistanceM})
		}
		out[i].Records = append(out[i].Records, e)
	}
	return out
}

// Podium is a top-three placing the provider reported on an activity.
type Podium struct {
	Rank         int    `json:"rank"`
	Label        string `json:"effort_label"`
	ElapsedTimeS int64  `json:"elapsed_time_s"`
}

// String renders the placing as "5K 19:45 (1st)".
func (p Podium) String() string {
	return fmt.Sprintf("%s %s (%s)", p.Label, FormatDuration(p.ElapsedTimeS), ordinal(p.Rank))
}

// Podiums returns the efforts ranked 1-3, best placing first.
func Podiums(efforts []activity.BestEffort) []Podium {
	var out []Podium
	for _, b := range efforts {
		e, ok := Normalize(b)
		if !ok || e.PRRank < 1 || e.PRRank > podiumSize {
			continue
		}
		out = append(out, Podium{Rank: e.PRRank, Label: e.Label, ElapsedTimeS: e.ElapsedTimeS})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out
}

// FormatDuration renders seconds as "m:ss", or "h:mm:ss" from an hour up.
func FormatDuration(s int64) string {
	if s < 0 {
		s = 0
	}
	h, m, sec := s/3600, s%3600/60, s%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, sec)
	}
	return fmt.Sprintf("%d:%02d", m, sec)
}

func ordinal(n int) string {
	switch n {
	case 1:
		return "1st"
	case 2:
		return "2nd"
	case 3:
		return "3rd"
	}
	return fmt.Sprintf("%dth", n)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
