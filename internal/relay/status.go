package relay

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/openvibe/kubeshell/internal/buffer"
)

// TunnelsResponse is the body of the tunnels endpoint.
type TunnelsResponse struct {
	Cluster  string         `json:"cluster"`
	Tunnels  []TunnelInfo   `json:"tunnels"`
	Events   []buffer.Event `json:"events"`
	LatestID int64          `json:"latestId"`
}

// TunnelsHandler serves GET ?cluster=&since= with the active tunnels of the
// cluster and its recorded events after since.
func (r *Relay) TunnelsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, hr *http.Request) {
		q := hr.URL.Query()
		cluster := q.Get("cluster")
		if cluster == "" {
			cluster = r.DefaultCluster
		}
		var since int64
		if s := q.Get("since"); s != "" {
			v, err := strconv.ParseInt(s, 10, 64)
			if err != nil || v < 0 {
				http.Error(w, "since must be a non-negative integer", http.StatusBadRequest)
				return
			}
			since = v
		}

		resp := TunnelsResponse{Cluster: cluster, Tunnels: []TunnelInfo{}, Events: []buffer.Event{}}
		if r.Registry != nil {
			resp.Tunnels = r.Registry.List(cluster)
		}
		if r.Events != nil {
			events, err := r.Events.GetSince(hr.Context(), cluster, since)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadGateway)
				return
			}
			if events != nil {
				resp.Events = events
			}
			latest, err := r.Events.GetLatestID(hr.Context(), cluster)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadGateway)
				return
			}
			resp.LatestID = latest
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})
}
