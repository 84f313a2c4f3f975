package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type reward struct {
	Type int            `json:"type"`
	Info map[string]int `json:"info"`
}

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	kinds := flag.String("kinds", "pokemon,raid,quest,invasion", "Comma separated event types to publish")
	lat := flag.Float64("lat", 45.654, "Latitude of the area centre")
	lon := flag.Float64("lon", 8.7878, "Longitude of the area centre")
	spread := flag.Float64("spread", 2, "Maximum distance from the centre in kilometres")
	interval := flag.Duration("interval", 2*time.Second, "Interval between published events")
	count := flag.Int("count", 0, "Number of events to publish, 0 for no limit")
	watch := flag.Bool("watch", false, "Print notifications published on notifications/#")

	flag.Parse()

	types := strings.Split(*kinds, ",")
	for i := range types {
		types[i] = strings.TrimSpace(types[i])
	}

	clientID := fmt.Sprintf("event-sim-%d", time.Now().UnixNano())
	opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(clientID)
	opts = opts.SetOrderMatters(false)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to connect to broker: %v", token.Error())
	}
	log.Printf("connected to MQTT broker %s as %s", *brokerAddr, clientID)

	if *watch {
		token := client.Subscribe("notifications/#", 0, func(_ mqtt.Client, m mqtt.Message) {
			log.Printf("notification on %s: %s", m.Topic(), truncate(string(m.Payload()), 200))
		})
		if token.Wait() && token.Error() != nil {
			log.Fatalf("failed to subscribe: %v", token.Error())
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	sent := 0
	publish := func() {
		kind := types[rand.IntN(len(types))]
		plat, plon := jitter(*lat, *lon, *spread)
		payload, err := event(kind, sent, plat, plon, time.Now())
		if err != nil {
			log.Printf("skipping %s: %v", kind, err)
			return
		}

		data, err := json.Marshal(payload)
		if err != nil {
			log.Printf("failed to encode payload: %v", err)
			return
		}

		topic := "events/" + kind
		token := client.Publish(topic, 1, false, data)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("publish error: %v", err)
			return
		}
		sent++
		log.Printf("published %s at %.5f,%.5f", topic, plat, plon)
	}

	publish()

	for *count == 0 || sent < *count {
		select {
		case <-ctx.Done():
			log.Print("received shutdown signal, disconnecting")
			client.Disconnect(250)
			return
		case <-ticker.C:
			publish()
		}
	}
	client.Disconnect(250)
}

// event builds the upstream message for kind, as the scanner would publish it.
func event(kind string, seq int, lat, lon float64, now time.Time) (map[string]any, error) {
	id := fmt.Sprintf("sim-%d-%d", now.Unix(), seq)
	switch kind {
	case "pokemon":
		return map[string]any{
			"encounter_id":       id,
			"spawnpoint_id":      fmt.Sprintf("sp%d", rand.IntN(1000)),
			"pokemon_id":         1 + rand.IntN(493),
			"gender":             1 + rand.IntN(2),
			"latitude":           lat,
			"longitude":          lon,
			"disappear_time":     now.Add(time.Duration(5+rand.IntN(25)) * time.Minute).Unix(),
			"individual_attack":  rand.IntN(16),
			"individual_defense": rand.IntN(16),
			"individual_stamina": rand.IntN(16),
			"pokemon_level":      1 + rand.IntN(35),
			"cp":                 10 + rand.IntN(3000),
		}, nil
	case "raid":
		start := now.Add(time.Duration(rand.IntN(60)) * time.Minute)
		boss := 0
		if rand.IntN(2) == 0 {
			boss = 1 + rand.IntN(493)
		}
		return map[string]any{
			"gym_id":     id,
			"gym_name":   "Simulated Gym",
			"latitude":   lat,
			"longitude":  lon,
			"level":      1 + rand.IntN(5),
			"pokemon_id": boss,
			"start":      start.Unix(),
			"end":        start.Add(45 * time.Minute).Unix(),
		}, nil
	case "quest":
		return map[string]any{
			"pokestop_id":   id,
			"pokestop_name": "Simulated Stop",
			"latitude":      lat,
			"longitude":     lon,
			"template":      "catch_5",
			"target":        5,
			"rewards":       []reward{{Type: 3, Info: map[string]int{"amount": 500}}},
		}, nil
	case "invasion":
		return map[string]any{
			"pokestop_id":               id,
			"name":                      "Simulated Stop",
			"latitude":                  lat,
			"longitude":                 lon,
			"grunt_type":                1 + rand.IntN(50),
			"incident_expire_timestamp": now.Add(30 * time.Minute).Unix(),
		}, nil
	}
	return nil, fmt.Errorf("unknown event type %q", kind)
}

// jitter returns a point at most km kilometres from lat, lon.
func jitter(lat, lon, km float64) (float64, float64) {
	const kmPerDegree = 111.32
	d := rand.Float64() * km / kmPerDegree
	theta := rand.Float64() * 2 * math.Pi
	return lat + d*math.Cos(theta), lon + d*math.Sin(theta)/math.Cos(lat*math.Pi/180)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
