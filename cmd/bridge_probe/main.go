package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

// bridge_probe talks to a painting host bridge directly, bypassing the daemon.
//
// Usage:
//
//	bridge_probe                         poll GetBrushSize and print changes
//	bridge_probe -cmd GetBrushSizeLimits send one request and print the reply
//	bridge_probe -set 24                 set the brush size and print the reply
func main() {
	var (
		wsURL    = flag.String("ws", "ws://127.0.0.1:4711", "host bridge websocket URL")
		interval = flag.Int("interval", 250, "Polling interval in milliseconds")
		command  = flag.String("cmd", "", "Send a single request and exit (e.g., 'GetBrushSize' or 'GetBrushSizeLimits')")
		setSize  = flag.Float64("set", 0, "Send SetBrushSize with this value and exit")
	)
	flag.Parse()

	u, err := url.Parse(*wsURL)
	if err != nil {
		log.Fatalf("invalid websocket URL: %v", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	d := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	log.Printf("connecting to %s...", u.String())
	conn, _, err := d.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	var writeMu sync.Mutex

	// One-shot modes
	if *command != "" || *setSize > 0 {
		var req any = *command
		if *setSize > 0 {
			req = map[string]float64{"SetBrushSize": *setSize}
		}
		send(conn, &writeMu, req)

		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Fatalf("failed to read response: %v", err)
		}
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, message, "", "  "); err != nil {
			fmt.Println(string(message))
			return
		}
		fmt.Println(pretty.String())
		return
	}

	log.Printf("connected! (press Ctrl+C to exit)")
	log.Printf("polling GetBrushSize every %dms", *interval)

	pollTicker := time.NewTicker(time.Duration(*interval) * time.Millisecond)
	defer pollTicker.Stop()

	go func() {
		for range pollTicker.C {
			send(conn, &writeMu, "GetBrushSize")
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		var last *float64 // nil until the first reply
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("websocket error: %v", err)
				}
				return
			}
			if messageType != websocket.TextMessage {
				fmt.Printf("[BINARY] %d bytes\n", len(message))
				continue
			}
			handleReply(message, &last)
		}
	}()

	select {
	case <-sigc:
		log.Printf("shutting down...")
		writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		writeMu.Unlock()
		if err != nil {
			log.Printf("error closing connection: %v", err)
		}
	case <-done:
		log.Printf("connection closed")
	}
}

// handleReply prints GetBrushSize changes and any other reply verbatim.
func handleReply(message []byte, last **float64) {
	if !gjson.ValidBytes(message) {
		fmt.Printf("[TEXT] %s\n", string(message))
		return
	}

	reply := gjson.GetBytes(message, "GetBrushSize")
	if !reply.Exists() {
		fmt.Printf("[RESPONSE] %s\n", string(message))
		return
	}
	if result := reply.Get("result").String(); result != "Ok" {
		fmt.Printf("[ERROR] GetBrushSize: %s\n", result)
		return
	}

	// Round to 0.1px to avoid spurious changes.
	size := math.Round(reply.Get("value").Float()*10) / 10
	if *last != nil && **last == size {
		return
	}
	*last = &size
	fmt.Printf("[SIZE] %.1f\n", size)
}

// send writes one request frame (thread-safe).
func send(conn *websocket.Conn, writeMu *sync.Mutex, req any) {
	payload, err := json.Marshal(req)
	if err != nil {
		log.Printf("error marshaling request: %v", err)
		return
	}

	writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, payload)
	writeMu.Unlock()

	if err != nil {
		log.Printf("error sending request: %v", err)
	}
}
