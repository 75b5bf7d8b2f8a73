package overlay

import (
	"context"
	"encoding/json"

	"github.com/rustyonions/overlay/internal/dht"
	"github.com/rustyonions/overlay/internal/oap"
)

// FindNodeResponder answers FindNode RPCs out of the local routing
// table, the server half of the contract FindNodeQuerier speaks. Mount
// it on every accepted connection so inbound peers can walk the table
// during their lookups.
func FindNodeResponder(table *dht.RoutingTable, k int) oap.RequestHandler {
	if k <= 0 {
		k = 20
	}
	return func(ctx context.Context, f *oap.Frame) (oap.StatusCode, []byte, bool) {
		if f.Header.AppProtoID != FindNodeAppProtoID {
			return 0, nil, false
		}

		var req findNodeRequest
		if err := json.Unmarshal(f.Payload, &req); err != nil {
			return oap.StatusBadRequest, []byte("malformed find_node request"), true
		}
		target, err := dht.ParseNodeID(req.Target)
		if err != nil {
			return oap.StatusBadRequest, []byte("malformed target id"), true
		}

		closest := table.Closest(target, k)
		resp := findNodeResponse{Peers: make([]findNodePeer, 0, len(closest))}
		for _, p := range closest {
			resp.Peers = append(resp.Peers, findNodePeer{ID: p.ID.String(), Addr: p.Addr})
		}
		payload, err := json.Marshal(resp)
		if err != nil {
			return oap.StatusInternal, nil, true
		}
		return oap.StatusOK, payload, true
	}
}
