package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mehdi852/chat-relay/internal/event"
)

// Stress tool: simulates visitor widgets hammering one website room while
// a single admin dashboard drains the fan-out.

var (
	baseURL      = flag.String("base", "http://localhost:8080", "relay base url")
	wsURL        = flag.String("ws", "ws://localhost:8080", "relay websocket base url")
	websiteID    = flag.Int("website", 1, "website id to target")
	visitorCount = flag.Int("visitors", 100, "concurrent visitor connections")
	msgCount     = flag.Int("messages", 20, "messages per visitor")
	adminUser    = flag.String("admin", "loadtest-admin", "admin username")
	adminPass    = flag.String("pass", "password123", "admin password")
)

type authResponse struct {
	Token string `json:"access_token"`
	ID    int    `json:"id"`
}

func main() {
	flag.Parse()
	log.Printf("starting load test: %d visitors x %d messages against website %d",
		*visitorCount, *msgCount, *websiteID)

	token := authenticate(*adminUser, *adminPass)
	if token == "" {
		log.Fatal("admin auth failed")
	}

	// One admin connection drains admin-receive-message fan-out.
	done := make(chan struct{})
	go drainAdmin(token, done)

	var wg sync.WaitGroup
	for i := 0; i < *visitorCount; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			runVisitor(n)
		}(i)
	}

	wg.Wait()
	close(done)
	log.Println("load test complete")
}

// authenticate registers (ignoring duplicates) and logs in.
func authenticate(username, password string) string {
	postJSON("/register", map[string]string{"username": username, "password": password})

	resp, err := postJSON("/login", map[string]string{"username": username, "password": password})
	if err != nil {
		log.Printf("login failed [%s]: %v", username, err)
		return ""
	}
	defer resp.Body.Close()

	var data authResponse
	json.NewDecoder(resp.Body).Decode(&data)
	return data.Token
}

func drainAdmin(token string, done chan struct{}) {
	url := fmt.Sprintf("%s/ws/admin?websiteId=%d&token=%s", *wsURL, *websiteID, token)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		log.Printf("admin connect failed: %v", err)
		return
	}
	defer conn.Close()

	received := 0
	for {
		select {
		case <-done:
			log.Printf("admin received %d events", received)
			return
		default:
		}
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, _, err := conn.ReadMessage(); err != nil {
			log.Printf("admin received %d events before error: %v", received, err)
			return
		}
		received++
	}
}

func runVisitor(n int) {
	url := fmt.Sprintf("%s/ws/visitor?websiteId=%d", *wsURL, *websiteID)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		log.Printf("visitor %d connect failed: %v", n, err)
		return
	}
	defer conn.Close()

	// First frame is the session ack carrying our visitor id.
	var visitorID string
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, raw, err := conn.ReadMessage(); err == nil {
		var env event.Envelope
		var ack struct {
			VisitorID string `json:"visitorId"`
		}
		if json.Unmarshal(raw, &env) == nil && json.Unmarshal(env.Payload, &ack) == nil {
			visitorID = ack.VisitorID
		}
	}

	for i := 0; i < *msgCount; i++ {
		data, _ := event.Marshal(event.VisitorMessage, event.VisitorMessagePayload{
			WebsiteID: *websiteID,
			VisitorID: visitorID,
			Message:   fmt.Sprintf("load test message %d from visitor %d", i, n),
		})
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Printf("visitor %d send failed: %v", n, err)
			break
		}
		// Simulate typing pace rather than an instant localhost flood.
		time.Sleep(10 * time.Millisecond)
	}
}

func postJSON(endpoint string, data interface{}) (*http.Response, error) {
	jsonData, _ := json.Marshal(data)
	return http.Post(*baseURL+endpoint, "application/json", bytes.NewBuffer(jsonData))
}
