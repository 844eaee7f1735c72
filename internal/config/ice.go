package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "CONSULT_ICE_SERVERS_JSON"

	envStunURLs       = "CONSULT_STUN_URLS"
	envTurnURLs       = "CONSULT_TURN_URLS"
	envTurnUsername   = "CONSULT_TURN_USERNAME"
	envTurnCredential = "CONSULT_TURN_CREDENTIAL"
)

func parseICEServers(lookup func(string) (string, bool), file fileConfig) ([]webrtc.ICEServer, error) {
	if raw := env(lookup, envICEServersJSON); raw != "" {
		servers, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}

	if stun, turn := env(lookup, envStunURLs), env(lookup, envTurnURLs); stun != "" || turn != "" {
		return parseConvenienceICE(stun, turn, env(lookup, envTurnUsername), env(lookup, envTurnCredential))
	}

	out := make([]webrtc.ICEServer, 0, len(file.ICEServers))
	for i, s := range file.ICEServers {
		urls := trimURLs(s.URLs)
		if len(urls) == 0 {
			return nil, fmt.Errorf("ice_servers[%d] has no urls", i)
		}
		server := webrtc.ICEServer{
			URLs:     urls,
			Username: strings.TrimSpace(s.Username),
		}
		if cred := strings.TrimSpace(s.Credential); cred != "" {
			server.Credential = cred
		}
		out = append(out, server)
	}
	return out, nil
}

type iceServerJSON struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ParseICEServersJSON parses a JSON array in the same shape browsers accept
// for RTCPeerConnection iceServers.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var servers []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(servers))
	for i, server := range servers {
		urls := trimURLs(server.URLs)
		if len(urls) == 0 {
			return nil, fmt.Errorf("ice server %d has no urls", i)
		}
		pcServer := webrtc.ICEServer{
			URLs:     urls,
			Username: strings.TrimSpace(server.Username),
		}
		if cred := strings.TrimSpace(server.Credential); cred != "" {
			pcServer.Credential = cred
		}
		out = append(out, pcServer)
	}
	return out, nil
}

func parseConvenienceICE(stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	var out []webrtc.ICEServer
	if urls := trimURLs(strings.Split(stunURLs, ",")); len(urls) > 0 {
		out = append(out, webrtc.ICEServer{URLs: urls})
	}
	if urls := trimURLs(strings.Split(turnURLs, ",")); len(urls) > 0 {
		server := webrtc.ICEServer{URLs: urls, Username: strings.TrimSpace(turnUsername)}
		if cred := strings.TrimSpace(turnCredential); cred != "" {
			server.Credential = cred
		}
		out = append(out, server)
	}
	return out, nil
}

func trimURLs(in []string) []string {
	out := make([]string, 0, len(in))
	for _, u := range in {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}
