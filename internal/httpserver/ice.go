package httpserver

import (
	"net/http"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/digitalclinic/consult-relay/internal/turnrest"
)

// handleICE returns the ICE server list clients should hand to
// RTCPeerConnection. When TURN REST is configured, TURN entries are stamped
// with freshly minted ephemeral credentials tagged with the caller.
func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	servers := s.cfg.ICEServers
	body := map[string]any{}

	if s.deps.Minter != nil {
		principal := ""
		if s.deps.Resolver != nil {
			if id, err := s.deps.Resolver.Resolve(r); err == nil {
				principal = id.Principal
			}
		}
		creds := s.deps.Minter.Mint(principal)
		servers = withTURNCredentials(servers, creds)
		body["expiresAt"] = creds.ExpiryUnix
	}

	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	body["iceServers"] = servers
	WriteJSON(w, http.StatusOK, body)
}

// withTURNCredentials copies the server list, replacing the username and
// credential on every entry that carries a turn: or turns: URL. STUN entries
// pass through untouched.
func withTURNCredentials(servers []webrtc.ICEServer, creds turnrest.Credentials) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if hasTURNURL(server) {
			out[i].Username = creds.Username
			out[i].Credential = creds.Credential
		}
	}
	return out
}

func hasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		u := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			return true
		}
	}
	return false
}
