package bridge

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"flowline/internal/logging"
)

var localHosts = map[string]struct{}{
	"127.0.0.1": {},
	"localhost": {},
	"::1":       {},
}

// BuildOriginChecker returns a websocket.Upgrader.CheckOrigin function that
// allows requests without an Origin header (non-browser clients such as
// Dial), localhost (development) and any origin in allowlist, rejecting
// everything else.
func BuildOriginChecker(logger *logging.Logger, allowlist []string) func(*http.Request) bool {
	if logger == nil {
		logger = logging.L()
	}
	allowed := make(map[string]struct{}, len(allowlist))
	for _, origin := range allowlist {
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			logger.Warn("ignoring invalid allowed origin", logging.String("origin", origin), logging.Error(err))
			continue
		}
		allowed[strings.ToLower(u.Scheme+"://"+u.Host)] = struct{}{}
	}

	return func(r *http.Request) bool {
		originHeader := r.Header.Get("Origin")
		if originHeader == "" {
			return true
		}
		originURL, err := url.Parse(originHeader)
		if err != nil || originURL.Host == "" {
			logger.Warn("rejecting request with invalid origin", logging.String("origin", originHeader), logging.Error(err))
			return false
		}
		if _, ok := localHosts[originURL.Hostname()]; ok {
			return true
		}
		if _, ok := allowed[strings.ToLower(originURL.Scheme+"://"+originURL.Host)]; ok {
			return true
		}
		logger.Warn("rejecting request from disallowed origin", logging.String("origin", originHeader))
		return false
	}
}

// Listener upgrades incoming HTTP requests to bridge-capable websocket
// connections.
type Listener struct {
	upgrader websocket.Upgrader
}

// NewListener constructs a Listener that only accepts connections from
// allowedOrigins (plus localhost and clients that send no Origin header).
func NewListener(log *logging.Logger, allowedOrigins []string) *Listener {
	return &Listener{upgrader: websocket.Upgrader{CheckOrigin: BuildOriginChecker(log, allowedOrigins)}}
}

// Accept upgrades an incoming HTTP request to a Transport.
func (l *Listener) Accept(w http.ResponseWriter, r *http.Request) (Transport, error) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Dial connects to a remote bridge listener and returns a Transport.
func Dial(urlStr string, header http.Header) (Transport, error) {
	conn, _, err := websocket.DefaultDialer.Dial(urlStr, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
