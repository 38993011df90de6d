package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync/atomic"
	"time"
)

var (
	intakeCount atomic.Int64
	alertCount  atomic.Int64
)

// Stand-ins for the intake endpoint and the alert webhook, for exercising
// relayctl produce/flush and alert delivery locally.
func main() {
	port := "9090"
	if p := os.Getenv("PORT"); p != "" {
		port = p
	}

	// Accepting intake: always returns 201
	http.HandleFunc("/intake/success", func(w http.ResponseWriter, r *http.Request) {
		count := intakeCount.Add(1)
		logIntake(r, count, http.StatusCreated)
		respond(w, http.StatusCreated, map[string]any{"ok": true, "duplicate": false})
	})

	// Duplicate intake: always returns 200
	http.HandleFunc("/intake/duplicate", func(w http.ResponseWriter, r *http.Request) {
		count := intakeCount.Add(1)
		logIntake(r, count, http.StatusOK)
		respond(w, http.StatusOK, map[string]any{"ok": true, "duplicate": true})
	})

	// Slow intake: delays past the default producer timeout
	http.HandleFunc("/intake/slow", func(w http.ResponseWriter, r *http.Request) {
		count := intakeCount.Add(1)
		time.Sleep(6 * time.Second)
		logIntake(r, count, http.StatusCreated)
		respond(w, http.StatusCreated, map[string]any{"ok": true, "duplicate": false})
	})

	// Failing intake: always returns 500
	http.HandleFunc("/intake/fail", func(w http.ResponseWriter, r *http.Request) {
		count := intakeCount.Add(1)
		logIntake(r, count, http.StatusInternalServerError)
		respond(w, http.StatusInternalServerError, map[string]any{"ok": false, "errors": []string{"internal server error"}})
	})

	// Alert webhook: prints the message text
	http.HandleFunc("/alerts", func(w http.ResponseWriter, r *http.Request) {
		count := alertCount.Add(1)
		var msg struct {
			Text string `json:"text"`
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &msg)
		fmt.Printf("[alert #%d] %s\n", count, msg.Text)
		w.WriteHeader(http.StatusOK)
	})

	// Stats endpoint: shows request counts
	http.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, map[string]int64{
			"intake_requests": intakeCount.Load(),
			"alerts":          alertCount.Load(),
		})
	})

	log.Printf("Mock endpoint server starting on :%s", port)
	log.Printf("  POST /intake/success    -> 201 Created")
	log.Printf("  POST /intake/duplicate  -> 200 OK")
	log.Printf("  POST /intake/slow       -> 201 Created (6s delay)")
	log.Printf("  POST /intake/fail       -> 500 Error")
	log.Printf("  POST /alerts            -> 200 OK, prints alert text")
	log.Printf("  GET  /stats             -> request counts")

	if err := http.ListenAndServe(":"+port, nil); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func logIntake(r *http.Request, count int64, status int) {
	fmt.Printf("[#%d] %s %s -> %d | sig=%s event=%s\n",
		count,
		r.Method,
		r.URL.Path,
		status,
		truncate(r.Header.Get("X-Relay-Signature"), 23),
		r.Header.Get("X-Relay-Event-ID"),
	)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
