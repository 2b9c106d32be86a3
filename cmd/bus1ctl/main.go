// Command bus1ctl is a small admin CLI: it queries a running peer's
// introspection snapshot over the REST surface from the admin package
// and prints it. Grounded on the teacher's flag-driven single-shot
// command style (cmd/vanityid, cmd/revoke-zonekey).
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	var endpoint string
	flag.StringVar(&endpoint, "endpoint", "127.0.0.1:8090", "admin REST endpoint of the target peer")
	flag.Parse()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + endpoint + "/v1/snapshot")
	if err != nil {
		fmt.Fprintln(os.Stderr, "bus1ctl: request failed:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bus1ctl: read failed:", err)
		os.Exit(1)
	}

	var pretty map[string]any
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Fprintln(os.Stderr, "bus1ctl: decode failed:", err)
		os.Exit(1)
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
}
