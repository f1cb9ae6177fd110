package app

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"

	"github.com/relabs-tech/crank_power_meter/internal/config"
	"github.com/relabs-tech/crank_power_meter/internal/conn"
	"github.com/relabs-tech/crank_power_meter/internal/records"
)

var upgrader = websocket.Upgrader{
	// Bench tool on a private network.
	CheckOrigin: func(*http.Request) bool { return true },
}

// RunWeb is the bench viewer: it subscribes to the meter's slow topics and
// serves the latest values over HTTP plus a live low-speed stream over a
// websocket.
func RunWeb(broker, addr string) error {
	var (
		mu      sync.RWMutex
		lastLow records.LowSpeed
		haveLow bool
		lastHK  records.Housekeeping
		haveHK  bool

		clientsMu sync.Mutex
		clients   = map[*websocket.Conn]bool{}
	)

	prefix := config.Get().TopicPrefix

	// 1) Connect to the broker.
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID("power-web-subscriber")

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	log.Printf("web: connected to MQTT broker at %s", broker)

	// 2) Track the latest records and fan the low-speed stream out to the
	// websocket clients.
	token := client.Subscribe(prefix+"/"+conn.TopicLowSpeed, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var r records.LowSpeed
		if err := json.Unmarshal(msg.Payload(), &r); err != nil {
			log.Printf("web: low-speed unmarshal error: %v", err)
			return
		}
		mu.Lock()
		lastLow = r
		haveLow = true
		mu.Unlock()

		clientsMu.Lock()
		for c := range clients {
			if err := c.WriteJSON(r); err != nil {
				c.Close()
				delete(clients, c)
			}
		}
		clientsMu.Unlock()
	})
	token.Wait()
	if token.Error() != nil {
		return token.Error()
	}

	token = client.Subscribe(prefix+"/"+conn.TopicHousekeeping, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var r records.Housekeeping
		if err := json.Unmarshal(msg.Payload(), &r); err != nil {
			log.Printf("web: housekeeping unmarshal error: %v", err)
			return
		}
		mu.Lock()
		lastHK = r
		haveHK = true
		mu.Unlock()
	})
	token.Wait()
	if token.Error() != nil {
		return token.Error()
	}

	// 3) JSON API: latest records.
	http.HandleFunc("/api/low-speed", func(w http.ResponseWriter, r *http.Request) {
		mu.RLock()
		defer mu.RUnlock()
		if !haveLow {
			http.Error(w, "no data yet", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(lastLow); err != nil {
			log.Printf("web: json encode error: %v", err)
		}
	})
	http.HandleFunc("/api/housekeeping", func(w http.ResponseWriter, r *http.Request) {
		mu.RLock()
		defer mu.RUnlock()
		if !haveHK {
			http.Error(w, "no data yet", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(lastHK); err != nil {
			log.Printf("web: json encode error: %v", err)
		}
	})

	// 4) Live stream.
	http.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("web: websocket upgrade: %v", err)
			return
		}
		clientsMu.Lock()
		clients[c] = true
		clientsMu.Unlock()
	})

	// 5) Static files from ./web as the root.
	http.Handle("/", http.FileServer(http.Dir("web")))

	log.Printf("web server listening on %s", addr)
	return http.ListenAndServe(addr, nil)
}
