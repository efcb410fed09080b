package sfu

// TrackStats is the cumulative traffic of one forwarder.
type TrackStats struct {
	TrackID     string `json:"track_id"`
	PublisherID int64  `json:"publisher_id"`
	Packets     uint64 `json:"packets"`
	Bytes       uint64 `json:"bytes"`
	Subscribers int    `json:"subscribers"`
}

// RoomStats is a point-in-time snapshot of one room.
type RoomStats struct {
	RoomID        string       `json:"room_id"`
	Admins        int          `json:"admins"`
	Waiting       int          `json:"waiting"`
	Admitted      int          `json:"admitted"`
	Tracks        []TrackStats `json:"tracks"`
	UptimeSeconds float64      `json:"uptime_seconds"`
}

// EngineStats aggregates every room's snapshot.
type EngineStats struct {
	Rooms []RoomStats `json:"rooms"`
}
