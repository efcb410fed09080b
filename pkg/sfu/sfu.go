package sfu

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/voicelab/huddle/pkg/auth"
	"github.com/voicelab/huddle/pkg/ice"
)

// Config holds engine configuration
type Config struct {
	// ICEProvider supplies STUN/TURN descriptors for server-side
	// peer connections.
	ICEProvider ice.Provider

	// FetchTimeout bounds credential minting during admission.
	FetchTimeout time.Duration

	LoggerFactory logging.LoggerFactory
}

// DefaultConfig returns engine defaults: public STUN, 5s credential
// timeout.
func DefaultConfig() Config {
	return Config{
		ICEProvider:   ice.Static(ice.DefaultServers()),
		FetchTimeout:  5 * time.Second,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	}
}

// Engine is the process-wide registry: rooms by ID, the shared WebRTC
// API, the peer ID counter, and observational callbacks. Rooms are
// created lazily and live for the life of the process.
type Engine struct {
	mu     sync.RWMutex
	config Config
	rooms  map[string]*Room
	api    *webrtc.API
	log    logging.LeveledLogger

	nextID int64 // atomic

	onPeerJoined func(roomID string, peerID int64)
	onPeerLeft   func(roomID string, peerID int64)
	onTrackAdded func(roomID string, peerID int64, trackID string)
}

// Option customizes engine construction.
type Option func(*Engine)

// WithAPI overrides the WebRTC API, letting tests route connections
// through a virtual network's SettingEngine.
func WithAPI(api *webrtc.API) Option {
	return func(e *Engine) {
		e.api = api
	}
}

// New creates an engine. Zero-value config fields fall back to
// DefaultConfig.
func New(config Config, opts ...Option) *Engine {
	if config.ICEProvider == nil {
		config.ICEProvider = ice.Static(ice.DefaultServers())
	}
	if config.FetchTimeout == 0 {
		config.FetchTimeout = 5 * time.Second
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	e := &Engine{
		config: config,
		rooms:  make(map[string]*Room),
		log:    config.LoggerFactory.NewLogger("sfu"),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.api == nil {
		m := &webrtc.MediaEngine{}
		if err := m.RegisterDefaultCodecs(); err != nil {
			panic(err)
		}
		e.api = webrtc.NewAPI(webrtc.WithMediaEngine(m))
	}
	return e
}

// GetOrCreateRoom returns the room, creating it on first reference.
func (e *Engine) GetOrCreateRoom(roomID string) *Room {
	e.mu.RLock()
	room := e.rooms[roomID]
	e.mu.RUnlock()
	if room != nil {
		return room
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if room = e.rooms[roomID]; room != nil {
		return room
	}
	room = newRoom(roomID, e, e.config.LoggerFactory.NewLogger("room"))
	e.rooms[roomID] = room
	return room
}

// GetRoom returns a room by ID, nil if it was never created.
func (e *Engine) GetRoom(roomID string) *Room {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rooms[roomID]
}

// ListRooms returns all room IDs.
func (e *Engine) ListRooms() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ids := make([]string, 0, len(e.rooms))
	for id := range e.rooms {
		ids = append(ids, id)
	}
	return ids
}

// NewSession allocates a peer ID and binds a transport to a room.
// Call Run on the result to drive the protocol.
func (e *Engine) NewSession(roomID string, role auth.Role, tr Transport) *Session {
	room := e.GetOrCreateRoom(roomID)
	id := atomic.AddInt64(&e.nextID, 1)
	return newSession(id, role, room, tr, e.config.LoggerFactory.NewLogger("session"))
}

// newPeerConnection builds a server-side connection with freshly
// fetched ICE servers.
func (e *Engine) newPeerConnection() (*webrtc.PeerConnection, error) {
	ctx, cancel := context.WithTimeout(context.Background(), e.config.FetchTimeout)
	defer cancel()

	servers, err := e.config.ICEProvider.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return e.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: ice.ToWebRTC(servers),
	})
}

// SetOnPeerJoined sets the callback for a peer entering the live set.
func (e *Engine) SetOnPeerJoined(fn func(roomID string, peerID int64)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onPeerJoined = fn
}

// SetOnPeerLeft sets the callback for a live peer leaving.
func (e *Engine) SetOnPeerLeft(fn func(roomID string, peerID int64)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onPeerLeft = fn
}

// SetOnTrackAdded sets the callback for a newly published track.
func (e *Engine) SetOnTrackAdded(fn func(roomID string, peerID int64, trackID string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onTrackAdded = fn
}

func (e *Engine) emitPeerJoined(roomID string, peerID int64) {
	e.mu.RLock()
	fn := e.onPeerJoined
	e.mu.RUnlock()
	if fn != nil {
		fn(roomID, peerID)
	}
}

func (e *Engine) emitPeerLeft(roomID string, peerID int64) {
	e.mu.RLock()
	fn := e.onPeerLeft
	e.mu.RUnlock()
	if fn != nil {
		fn(roomID, peerID)
	}
}

func (e *Engine) emitTrackAdded(roomID string, peerID int64, trackID string) {
	e.mu.RLock()
	fn := e.onTrackAdded
	e.mu.RUnlock()
	if fn != nil {
		fn(roomID, peerID, trackID)
	}
}

// Stats snapshots every room, sorted by room ID.
func (e *Engine) Stats() EngineStats {
	e.mu.RLock()
	rooms := make([]*Room, 0, len(e.rooms))
	for _, room := range e.rooms {
		rooms = append(rooms, room)
	}
	e.mu.RUnlock()

	out := EngineStats{Rooms: make([]RoomStats, 0, len(rooms))}
	for _, room := range rooms {
		out.Rooms = append(out.Rooms, room.Stats())
	}
	sort.Slice(out.Rooms, func(i, j int) bool {
		return out.Rooms[i].RoomID < out.Rooms[j].RoomID
	})
	return out
}

// Close shuts down every room.
func (e *Engine) Close() error {
	e.mu.Lock()
	rooms := make([]*Room, 0, len(e.rooms))
	for _, room := range e.rooms {
		rooms = append(rooms, room)
	}
	e.rooms = make(map[string]*Room)
	e.mu.Unlock()

	for _, room := range rooms {
		room.Close()
	}
	return nil
}
