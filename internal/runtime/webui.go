package runtime

import (
	"net/http"

	"github.com/rs/cors"

	"github.com/drblury/ninjin/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/ninjin/internal/runtime/logging"
	brokers "github.com/drblury/ninjin/transport"
)

const defaultWebUIPort = 8081

// TopologyInfo is served on /api/topology.
type TopologyInfo struct {
	brokers.Topology
	ConsumerKeys []string             `json:"consumer_keys"`
	Capabilities brokers.Capabilities `json:"capabilities"`
}

// StartWebUIServer mounts the read-only introspection API when
// Config.WebUIEnabled is set:
//
//	/api/handlers  registered handlers with their statistics
//	/api/pending   RPC calls waiting for a reply
//	/api/topology  queue names, consumer keys and broker capabilities
//	/api/metrics   runtime counters
func (s *Service) StartWebUIServer() {
	if !s.Conf.WebUIEnabled {
		return
	}
	port := s.Conf.WebUIPort
	if port == 0 {
		port = defaultWebUIPort
	}

	routes := map[string]func() any{
		"/api/handlers": func() any { return s.Handlers() },
		"/api/pending":  func() any { return s.correlator.PendingCalls() },
		"/api/topology": func() any { return s.topologyInfo() },
		"/api/metrics":  func() any { return s.metrics.Snapshot() },
	}
	for path, body := range routes {
		s.RegisterHTTPHandler(port, path, s.webUIHandler(body))
	}
}

func (s *Service) topologyInfo() TopologyInfo {
	return TopologyInfo{
		Topology:     s.topology.Names(),
		ConsumerKeys: s.registry.ConsumerKeys(),
		Capabilities: brokers.GetCapabilities(s.Conf.PubSubSystem),
	}
}

const webUIMethods = "GET, HEAD, OPTIONS"

// webUIHandler serves body as JSON. Cross-origin requests are answered for
// the origins in Config.WebUICORSAllowedOrigins.
func (s *Service) webUIHandler(body func() any) http.Handler {
	serve := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodGet, http.MethodHead:
		case http.MethodOptions:
			w.WriteHeader(http.StatusNoContent)
			return
		default:
			w.Header().Set("Allow", webUIMethods)
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}

		if err := jsoncodec.Encode(w, body()); err != nil {
			s.Logger.Error("Failed to encode web UI response", err, loggingpkg.LogFields{"path": r.URL.Path})
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
	})

	if s.Conf == nil || len(s.Conf.WebUICORSAllowedOrigins) == 0 {
		return serve
	}
	return cors.New(cors.Options{
		AllowedOrigins: s.Conf.WebUICORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(serve)
}
