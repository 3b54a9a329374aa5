package engine

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/anacrolix/dht/v2/krpc"
	"github.com/anacrolix/torrent"
)

// maxSavedNodes caps how much of the DHT routing table is persisted.
const maxSavedNodes = 200

// sessionState is the global engine state kept between runs.
type sessionState struct {
	PeerID   string   `json:"peerId"`
	DHTNodes []string `json:"dhtNodes,omitempty"`
}

func decodeState(b []byte) (sessionState, [20]byte, error) {
	var st sessionState
	var id [20]byte
	if len(b) == 0 {
		return st, id, nil
	}
	if err := json.Unmarshal(b, &st); err != nil {
		return st, id, fmt.Errorf("decoding session state: %w", err)
	}
	raw, err := hex.DecodeString(st.PeerID)
	if err != nil || len(raw) != len(id) {
		return st, id, fmt.Errorf("invalid peer id %q in session state", st.PeerID)
	}
	copy(id[:], raw)
	return st, id, nil
}

func encodeState(id [20]byte, nodes []string) ([]byte, error) {
	if len(nodes) > maxSavedNodes {
		nodes = nodes[:maxSavedNodes]
	}
	return json.Marshal(sessionState{PeerID: hex.EncodeToString(id[:]), DHTNodes: nodes})
}

type nodeLister interface {
	Nodes() []krpc.NodeInfo
}

func dhtNodes(c *torrent.Client) []string {
	var out []string
	for _, s := range c.DhtServers() {
		nl, ok := s.(nodeLister)
		if !ok {
			continue
		}
		for _, ni := range nl.Nodes() {
			out = append(out, ni.Addr.String())
		}
	}
	return out
}
