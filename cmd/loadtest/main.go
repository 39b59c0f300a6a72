// A stress driver for the chat service: registers account pairs, binds
// handles, and pushes messages through the REST append path while each
// receiver runs a real session controller against the websocket gateway.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"social-chat/internal/session"
)

const (
	BaseURL   = "http://localhost:8080"
	WSURL     = "ws://localhost:8080/ws"
	PairCount = 50 // Start small; each pair is two accounts and two sockets.
	MsgCount  = 20 // Messages per sender.
)

type authResponse struct {
	Token    string `json:"access_token"`
	Username string `json:"username"`
}

func main() {
	log.Printf("starting stress test: %d pairs, %d messages each", PairCount, MsgCount)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < PairCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(ctx, pairID)
		}(i)
	}

	wg.Wait()
	log.Println("load test complete")
}

func runPair(ctx context.Context, pairID int) {
	sender := fmt.Sprintf("u_%d_a", pairID)
	receiver := fmt.Sprintf("u_%d_b", pairID)
	pass := "password123"

	senderAPI := authenticate(ctx, sender, pass)
	receiverAPI := authenticate(ctx, receiver, pass)
	if senderAPI == nil || receiverAPI == nil {
		return
	}

	if _, err := senderAPI.SetProfile(ctx, sender); err != nil {
		log.Printf("set profile failed [%s]: %v", sender, err)
		return
	}
	if _, err := receiverAPI.SetProfile(ctx, receiver); err != nil {
		log.Printf("set profile failed [%s]: %v", receiver, err)
		return
	}

	conversation, err := senderAPI.Start(ctx, receiver)
	if err != nil {
		log.Printf("start conversation failed [%s -> %s]: %v", sender, receiver, err)
		return
	}

	// The receiver runs a full session: register, snapshot, live deltas,
	// and idempotent merge of delivered messages.
	ctrl := session.NewController(receiverAPI, WSURL, receiver)
	sessionCtx, stopSession := context.WithCancel(ctx)
	defer stopSession()
	go ctrl.Run(sessionCtx)

	waitRegistered(ctrl, 10*time.Second)
	if err := ctrl.Select(ctx, conversation.ID); err != nil {
		log.Printf("select failed [%s]: %v", receiver, err)
		return
	}

	for i := 0; i < MsgCount; i++ {
		text := fmt.Sprintf("loadtest msg %d from %s", i, sender)
		if _, err := senderAPI.Append(ctx, conversation.ID, text); err != nil {
			log.Printf("send failed [%s]: %v", sender, err)
			return
		}
		// Small sleep to avoid an instant localhost bottleneck.
		time.Sleep(10 * time.Millisecond)
	}

	// Give live delivery a moment, then verify against the merged view.
	time.Sleep(2 * time.Second)
	got := len(ctrl.Messages())
	if got < MsgCount {
		log.Printf("pair %d: receiver merged %d/%d messages", pairID, got, MsgCount)
		return
	}
	log.Printf("pair %d: ok (%d messages)", pairID, got)
}

func waitRegistered(ctrl *session.Controller, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ctrl.State() == session.StateRegistered {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// authenticate registers (ignoring "already exists") and logs in, returning a
// ready REST client.
func authenticate(ctx context.Context, username, password string) *session.RestClient {
	creds := map[string]string{"username": username, "password": password}
	if resp, err := postJSON(ctx, "/register", creds); err == nil {
		resp.Body.Close()
	}

	resp, err := postJSON(ctx, "/login", creds)
	if err != nil {
		log.Printf("login failed [%s]: %v", username, err)
		return nil
	}
	defer resp.Body.Close()

	var data authResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil || data.Token == "" {
		log.Printf("login decode failed [%s]: %v", username, err)
		return nil
	}
	return session.NewRestClient(BaseURL, data.Token)
}

func postJSON(ctx context.Context, endpoint string, data any) (*http.Response, error) {
	payload, _ := json.Marshal(data)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, BaseURL+endpoint, bytes.NewBuffer(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return http.DefaultClient.Do(req)
}
