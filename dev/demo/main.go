// The demo client chats with a peer through a running gateway.
//
//	scm-app-server --dev-profiles alice:Alice,bob:Bob -logtostderr
//	demo --uid alice --peer bob
//	demo --uid bob --peer alice
//
// Lines typed on stdin are sent to the peer.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"github.com/IR1DO/scm-app-server/auth"
	"github.com/IR1DO/scm-app-server/wire"
)

var (
	flagAddr      = flag.String("addr", "127.0.0.1:8000", "gateway address")
	flagJwtSecret = flag.String("jwt-secret", "", "HS256 secret shared with the gateway, default $JWT_SECRET")
	flagUid       = flag.String("uid", "alice", "user id to connect as")
	flagPeer      = flag.String("peer", "bob", "user id to chat with")
)

func main() {
	_ = godotenv.Load()
	flag.Parse()

	secret := *flagJwtSecret
	if secret == "" {
		secret = os.Getenv("JWT_SECRET")
	}
	if secret == "" {
		fatalf("--jwt-secret or $JWT_SECRET is required")
	}

	token, err := auth.NewJWTVerifier(secret).Issue(*flagUid, 15*time.Minute)
	if err != nil {
		fatalf("issue token: %v", err)
	}

	u := url.URL{Scheme: "ws", Host: *flagAddr, Path: "/socket-message"}
	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), http.Header{"Authorization": {"Bearer " + token}})
	if err != nil {
		if resp != nil {
			fatalf("dial %s: %v, status: %s, reason: %s", u.String(), err, resp.Status, resp.Header.Get("X-Auth-Rejection"))
		}
		fatalf("dial %s: %v", u.String(), err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(&wire.ClientMsg{GetOrCreate: &wire.GetOrCreateReq{PeerId: *flagPeer}}); err != nil {
		fatalf("get or create: %v", err)
	}
	var first wire.ServerMsg
	if err := conn.ReadJSON(&first); err != nil {
		fatalf("get or create: %v", err)
	}
	if first.GetOrCreate == nil {
		fatalf("get or create: %s", dump(&first))
	}
	convId := first.GetOrCreate.ConversationId
	fmt.Printf("conversation %s with %s, type to chat\n", convId, *flagPeer)

	go func() {
		for {
			var msg wire.ServerMsg
			if err := conn.ReadJSON(&msg); err != nil {
				fatalf("read: %v", err)
			}
			if v := msg.ChatMessage; v != nil {
				fmt.Printf("[%s] %s: %s\n", v.Time, v.From.Name, v.Text)
			} else {
				fmt.Printf("< %s\n", dump(&msg))
			}
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for i := 1; scanner.Scan(); i++ {
		req := &wire.ClientMsg{NewChat: &wire.NewChat{
			To:             *flagPeer,
			ConversationId: convId,
			Id:             fmt.Sprintf("%s-%d-%d", *flagUid, time.Now().Unix(), i),
			Text:           scanner.Text(),
			Time:           time.Now().Format(time.RFC3339),
		}}
		if err := conn.WriteJSON(req); err != nil {
			fatalf("write: %v", err)
		}
	}
}

func dump(v interface{}) string {
	out, _ := json.Marshal(v)
	return string(out)
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
