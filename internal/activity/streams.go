package activity

// Stream channel names, as used by the provider's stream endpoint.
const (
	ChannelDistance  = "distance"
	ChannelTime      = "time"
	ChannelHeartrate = "heartrate"
	ChannelAltitude  = "altitude"
	ChannelWatts     = "watts"
	ChannelCadence   = "cadence"
	ChannelLatLng    = "latlng"
)

// StreamSet is the set of per-sample channels recorded for one activity. A
// nil slice means the channel is absent. Channels may differ in length.
type StreamSet struct {
	Distance  []float64    `json:"distance,omitempty"`
	Time      []float64    `json:"time,omitempty"`
	Heartrate []float64    `json:"heartrate,omitempty"`
	Altitude  []float64    `json:"altitude,omitempty"`
	Watts     []float64    `json:"watts,omitempty"`
	Cadence   []float64    `json:"cadence,omitempty"`
	LatLng    [][2]float64 `json:"latlng,omitempty"`
}

// Scalars returns the numeric channels keyed by name. Absent channels are
// omitted.
func (s StreamSet) Scalars() map[string][]float64 {
	out := make(map[string][]float64, 6)
	for name, ch := range map[string][]float64{
		ChannelDistance:  s.Distance,
		ChannelTime:      s.Time,
		ChannelHeartrate: s.Heartrate,
		ChannelAltitude:  s.Altitude,
		ChannelWatts:     s.Watts,
		ChannelCadence:   s.Cadence,
	} {
		if ch != nil {
			out[name] = ch
		}
	}
	return out
}
