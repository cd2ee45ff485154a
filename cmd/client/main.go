// Command client is a smoke-test consumer: it connects to a running server,
// subscribes to one series and an optional indicator, and prints every
// message it receives.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"
)

// -----------------------------------------------------------------------------

func main() {
	addr := flag.String("addr", "localhost:8000", "server host:port")
	source := flag.String("source", "Binance", "data source")
	name := flag.String("name", "BTCUSDT", "instrument name")
	interval := flag.String("interval", "1m", "candle interval")
	count := flag.Int("count", 10, "history rows to request")
	indicator := flag.String("indicator", "", "optional indicator to subscribe, e.g. sma")
	flag.Parse()

	url := fmt.Sprintf("ws://%s/ws", *addr)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		fmt.Printf("Dial %s: %v\n", url, err)
		os.Exit(1)
	}
	defer conn.Close()

	sub := map[string]interface{}{
		"type":     "data",
		"source":   *source,
		"name":     *name,
		"interval": *interval,
		"count":    *count,
	}
	if err := conn.WriteJSON(sub); err != nil {
		fmt.Printf("Subscribe: %v\n", err)
		os.Exit(1)
	}

	if *indicator != "" {
		field := fmt.Sprintf("%s-%s-%s-close", *source, *name, *interval)
		ind := map[string]interface{}{
			"type":      "indicator",
			"id":        "cli-" + *indicator,
			"indicator": *indicator,
			"count":     *count,
			"dataMap": map[string]interface{}{
				"close": map[string]interface{}{
					"source":   *source,
					"name":     *name,
					"interval": *interval,
					"value":    field,
				},
			},
		}
		if err := conn.WriteJSON(ind); err != nil {
			fmt.Printf("Indicator subscribe: %v\n", err)
			os.Exit(1)
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				fmt.Printf("Read: %v\n", err)
				return
			}
			var pretty map[string]interface{}
			if err := json.Unmarshal(data, &pretty); err != nil {
				fmt.Println(string(data))
				continue
			}
			out, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Println(string(out))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case <-quit:
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	case <-done:
	}
}
