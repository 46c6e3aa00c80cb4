package activitydb

import "time"

// The composite types used for messages to the ClickHouse database.

// ActivityMessage is the information for the scopeactivity table: one row per
// program invocation.
type ActivityMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	CPUs      int
	Start     time.Time
	End       time.Time
}

// RunMessage is the information required to make an entry in the acquisitions
// table: one row per period during which acquisition was switched on.
type RunMessage struct {
	ID           string
	ActivityID   string
	Driver       string
	Model        string
	Nchannels    int
	SampleRate   uint64
	SamplesLimit uint64
	TriggerMode  string
	TriggerLevel float32
	Start        time.Time
	End          time.Time
}
