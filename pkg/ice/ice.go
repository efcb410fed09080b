// Package ice supplies STUN/TURN server descriptors to browser clients
// and to the server's own peer connections.
package ice

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// Server is one normalized ICE server descriptor. URLs is always the
// plural list form regardless of how the upstream vendor spelled it.
type Server struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Provider yields the current ICE server set.
type Provider interface {
	Fetch(ctx context.Context) ([]Server, error)
}

// Static is a Provider backed by a fixed descriptor list.
type Static []Server

// Fetch returns the fixed list.
func (s Static) Fetch(context.Context) ([]Server, error) {
	return []Server(s), nil
}

// DefaultServers returns the public STUN fallback set used when no TURN
// credentials are configured or reachable.
func DefaultServers() []Server {
	return []Server{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{URLs: []string{"stun:global.stun.twilio.com:3478"}},
	}
}

// ToWebRTC converts descriptors to pion's configuration type.
func ToWebRTC(servers []Server) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}
