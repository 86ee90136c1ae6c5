package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	BaseURL   = "http://localhost"
	WSURL     = "ws://localhost/ws"
	UserCount = 500 // ⚠️ Start small (50 pairs = 100 users). Database might choke on 1000 immediately.
	MsgCount  = 20  // Messages per user
)

// ConversationID must exist with every load-test user as a participant;
// conversations are provisioned by the platform, not through this server.
var ConversationID = 1

type AuthResponse struct {
	Token    string `json:"access_token"`
	Username string `json:"username"`
}

type frame struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

func main() {
	log.Printf("🔥 STARTING STRESS TEST: %d Users, %d Messages each...", UserCount*2, MsgCount)
	var wg sync.WaitGroup

	// We will create pairs: User 0 talks to User 1, User 2 talks to User 3...
	for i := 0; i < UserCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(pairID)
		}(i)
	}

	wg.Wait()
	log.Println("✅ LOAD TEST COMPLETE")
}

func runPair(pairID int) {
	// 1. Define Users (e.g., user_0_a, user_0_b)
	userA := fmt.Sprintf("u_%d_a", pairID)
	userB := fmt.Sprintf("u_%d_b", pairID)
	pass := "password123"

	// 2. Register & Login
	tokenA := authenticate(userA, pass)
	tokenB := authenticate(userB, pass)

	if tokenA == "" || tokenB == "" {
		return // Failed auth
	}

	// 3. Start WebSocket Spam (Both sides)
	var wsWg sync.WaitGroup
	wsWg.Add(2)

	go spamChat(&wsWg, tokenA, ConversationID, userA)
	go spamChat(&wsWg, tokenB, ConversationID, userB)

	wsWg.Wait()
}

// authenticate registers (ignores error if exists) and logs in
func authenticate(username, password string) string {
	// Register (Ignore error, might already exist)
	postJSON("/register", map[string]string{"username": username, "password": password})

	resp, err := postJSON("/login", map[string]string{"username": username, "password": password})
	if err != nil {
		log.Printf("❌ Login Failed [%s]: %v", username, err)
		return ""
	}
	defer resp.Body.Close()

	var data AuthResponse
	json.NewDecoder(resp.Body).Decode(&data)
	return data.Token
}

func spamChat(wg *sync.WaitGroup, token string, convID int, user string) {
	defer wg.Done()

	// Connect WS
	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("%s?token=%s", WSURL, token), nil)
	if err != nil {
		log.Printf("❌ WS Connect Fail [%s]: %v", user, err)
		return
	}
	defer conn.Close()

	// Drain server events so our outbound buffer never fills up.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	join := frame{Type: "join_conversation", Payload: map[string]int{"conversation_id": convID}}
	if err := conn.WriteJSON(join); err != nil {
		log.Printf("❌ Join Fail [%s]: %v", user, err)
		return
	}

	// Spam Loop
	for i := 0; i < MsgCount; i++ {
		msg := frame{Type: "new_message", Payload: map[string]interface{}{
			"conversation_id": convID,
			"body":            fmt.Sprintf("LoadTest Msg %d from %s", i, user),
		}}
		err := conn.WriteJSON(msg)
		if err != nil {
			log.Printf("❌ Send Fail [%s]: %v", user, err)
			break
		}
		// Small sleep to prevent instant localhost bottleneck (simulate real network)
		time.Sleep(10 * time.Millisecond)
	}
	log.Printf("✅ %s finished sending %d msgs", user, MsgCount)
}

func postJSON(endpoint string, data interface{}) (*http.Response, error) {
	jsonData, _ := json.Marshal(data)
	return http.Post(BaseURL+endpoint, "application/json", bytes.NewBuffer(jsonData))
}
