package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hgi/cookiemonster/core"

	"github.com/gorilla/websocket"
)

func TestWSFeed(t *testing.T) {
	feed := NewWSFeed()
	defer feed.Close()

	server := httptest.NewServer(http.HandlerFunc(feed.Handle))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Give the feed a moment to record the client.
	time.Sleep(50 * time.Millisecond)

	feed.Receive(core.Notification{
		Topic:  "t1",
		Sender: "r1",
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, bs, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}

	var n core.Notification
	if err := json.Unmarshal(bs, &n); err != nil {
		t.Fatal(err)
	}
	if n.Topic != "t1" || n.Sender != "r1" {
		t.Fatalf("got %#v", n)
	}
}
