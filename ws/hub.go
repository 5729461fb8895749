package ws

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/IR1DO/scm-app-server/auth"
	"github.com/IR1DO/scm-app-server/store"
	"github.com/IR1DO/scm-app-server/wire"
)

// RejectionHeader carries the reason of a rejected handshake.
const RejectionHeader = "X-Auth-Rejection"

type Conf struct {
	MaxMsgSize     int64
	SendBuffer     int
	AllowedOrigins []string
}

// Hub works as a hub that authenticates and serves sessions.
type Hub struct {
	conf     *Conf
	verifier auth.Verifier
	registry *Registry
	relay    *Relay
	api      *ChatApi
	upgrader websocket.Upgrader

	allowAllOrigins bool
	allowedOrigins  map[string]bool

	online atomic.Bool
}

// NewHub creates a `Hub`.
func NewHub(verifier auth.Verifier, registry *Registry, relay *Relay, api *ChatApi, conf *Conf) *Hub {
	h := &Hub{
		conf:     conf,
		verifier: verifier,
		registry: registry,
		relay:    relay,
		api:      api,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// checked by ServeHTTP before authentication.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		allowedOrigins: make(map[string]bool),
	}

	for _, origin := range conf.AllowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		if origin == "*" {
			h.allowAllOrigins = true
			continue
		}
		if v, ok := normalizeOrigin(origin); ok {
			h.allowedOrigins[v] = true
		} else {
			glog.Errorf("ignore invalid allowed origin: %q", origin)
		}
	}
	return h
}

// Run implements `cluster.IHub.Run`. The hub goes offline before the
// registry is emptied, so no handshake joins after the final close.
func (h *Hub) Run(ctx context.Context, stopDoneNotifyC chan<- struct{}) {
	<-ctx.Done()
	h.Offline()
	glog.Infof("close connections ...")
	h.registry.Close(ServerStop)
	glog.Infof("close connections done")
	stopDoneNotifyC <- struct{}{}
}

// Online implements `cluster.IHub.Online`
func (h *Hub) Online() {
	glog.Infof("Online()")
	h.online.Store(true)
}

// Offline implements `cluster.IHub.Offline`
func (h *Hub) Offline() {
	glog.Infof("Offline()")
	h.online.Store(false)
}

type rejection struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// ServeHTTP handles websocket requests from the peer. The credential is
// verified before upgrade, a rejected handshake never reaches the registry.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.online.Load() {
		http.Error(w, "This node is temporarily offline", http.StatusServiceUnavailable)
		return
	}

	if !h.checkOrigin(r) {
		glog.Errorf("ServeHTTP(): blocked origin: %q", r.Header.Get("Origin"))
		http.Error(w, "Origin not allowed", http.StatusForbidden)
		return
	}

	uid, rej := h.verifier.Verify(credentialOf(r))
	if rej != nil {
		glog.V(5).Infof("ServeHTTP(): handshake rejected: %v, ip: %s", rej, getRemoteIP(r))
		handshakeRejections.WithLabelValues(string(rej.Reason)).Inc()

		w.Header().Set(RejectionHeader, string(rej.Reason))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(&rejection{Reason: string(rej.Reason), Message: rej.Message()})
		return
	}

	sess := &wire.Session{
		Uid:        uid,
		Sid:        store.NewId(),
		CreateTime: time.Now().Unix(),
		Ip:         getRemoteIP(r),
	}

	// If the upgrade fails, then Upgrade replies to the client with an HTTP error response.
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("ServeHTTP(): upgrader.Upgrade error, uid: %s, err: %s", uid, err)
		return
	}

	// NOTE:  after upgrade, `w.WriteHeader(...)`` causes error `response.Write on hijacked connection`.

	handler := newHandler(h, sess, conn)
	h.registry.Join(handler)
	if !h.online.Load() {
		// went offline while upgrading, Run may have closed the registry already.
		h.registry.Leave(handler)
		handler.Close(ServerStop)
		return
	}
	glog.V(5).Infof("session joined: %s", handler)

	go handler.recvLoop()
	go handler.sendLoop()
}

// credentialOf reads the bearer token, falling back to the `token` query
// parameter for browsers that cannot set headers on websocket dials.
func credentialOf(r *http.Request) string {
	if v := r.Header.Get("Authorization"); v != "" {
		const prefix = "Bearer "
		if len(v) > len(prefix) && strings.EqualFold(v[:len(prefix)], prefix) {
			return strings.TrimSpace(v[len(prefix):])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// checkOrigin allows requests without Origin, those are not from browsers.
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowAllOrigins {
		return true
	}
	v, ok := normalizeOrigin(origin)
	return ok && h.allowedOrigins[v]
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

func getRemoteIP(r *http.Request) string {
	ip := r.Header.Get("X-REAL-IP")
	if ip == "" {
		if ips := r.Header.Get("X-FORWARDED-FOR"); ips != "" {
			for _, x := range strings.Split(ips, ",") {
				if x = strings.TrimSpace(x); x != "" {
					ip = x
				}
			}
		}
	}
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}

	return ip
}
