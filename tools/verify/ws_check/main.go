package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type frame struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<marshal-error:%v>", err)
	}
	return string(b)
}

// Checks a running daemon: /ws refuses a missing token, and an envelope
// posted to /api/inbox shows up on the stream as inbox.enqueued.
func main() {
	base := flag.String("base", "http://127.0.0.1:18790", "daemon base URL")
	timeout := flag.Duration("timeout", 8*time.Second, "overall timeout")
	token := flag.String("token", "", "gateway bearer token")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if strings.TrimSpace(*token) == "" {
		fmt.Fprintln(os.Stderr, "token is required")
		os.Exit(2)
	}
	wsURL := "ws" + strings.TrimPrefix(strings.TrimRight(*base, "/"), "http") + "/ws?topic=inbox."

	_, unauthResp, unauthErr := websocket.Dial(ctx, wsURL, nil)
	if unauthErr == nil {
		fmt.Fprintln(os.Stderr, "expected missing-auth dial to fail but it succeeded")
		os.Exit(1)
	}
	if unauthResp == nil || unauthResp.StatusCode != http.StatusUnauthorized {
		fmt.Fprintf(os.Stderr, "expected 401 for missing auth, got response=%v err=%v\n", unauthResp, unauthErr)
		os.Exit(1)
	}
	fmt.Printf("AUTH_CHECK missing token rejected status=%d\n", unauthResp.StatusCode)

	auth := http.Header{"Authorization": []string{"Bearer " + strings.TrimSpace(*token)}}
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: auth})
	if err != nil {
		fmt.Fprintf(os.Stderr, "authorized dial failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	env := map[string]any{
		"source":        "http",
		"source_msg_id": fmt.Sprintf("http:0:%d", time.Now().UnixNano()),
		"command":       map[string]any{"intent": "state.get"},
	}
	fmt.Printf(">> %s\n", mustJSON(env))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(*base, "/")+"/api/inbox",
		bytes.NewReader([]byte(mustJSON(env))))
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		os.Exit(1)
	}
	req.Header = auth.Clone()
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "enqueue failed: %v\n", err)
		os.Exit(1)
	}
	resp.Body.Close()
	fmt.Printf("ENQUEUE status=%d\n", resp.StatusCode)
	if resp.StatusCode != http.StatusAccepted {
		fmt.Fprintln(os.Stderr, "expected 202 from /api/inbox")
		os.Exit(1)
	}

	for {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			fmt.Fprintf(os.Stderr, "read failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("<< %s %s\n", f.Topic, f.Payload)
		if f.Topic == "inbox.enqueued" {
			break
		}
	}
	fmt.Println("VERDICT PASS")
}
