// Command mock-upstream runs a local stand-in for the realtime API and for
// the answer service, so the bridge can be exercised without credentials.
//
// Point the bridge at it with:
//
//	REALTIME_API_URL=ws://localhost:8089/v1/realtime OPENAI_API_KEY=sk-local
//
// and, for the http responder mode, responder.endpoint: http://localhost:8089/answer
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/Baastheglass/AI-Hospital-Receptionist/internal/responder"
	"github.com/Baastheglass/AI-Hospital-Receptionist/internal/upstream/upstreamtest"
)

func main() {
	addr := flag.String("addr", ":8089", "Listen address")
	apiKey := flag.String("api-key", "", "Bearer token to require (empty accepts any)")
	turnAfter := flag.Int("turn-after", 10, "Emit a transcription after this many audio appends (0 waits for commit)")
	autoRespond := flag.Bool("auto-respond", true, "Answer response.create by echoing the caller audio")
	deltaSize := flag.Int("delta-size", 4800, "Bytes per response.audio.delta")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	fake := upstreamtest.New(upstreamtest.Options{
		APIKey:      *apiKey,
		TurnAfter:   *turnAfter,
		AutoRespond: *autoRespond,
		DeltaSize:   *deltaSize,
		Logger:      logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/v1/realtime", fake)
	mux.HandleFunc("/answer", answerHandler(logger))

	logger.Info("Mock upstream starting",
		slog.String("address", *addr),
		slog.String("realtime", fmt.Sprintf("ws://localhost%s/v1/realtime", *addr)),
		slog.String("answer", fmt.Sprintf("http://localhost%s/answer", *addr)),
	)

	if err := http.ListenAndServe(*addr, mux); err != nil {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// answerHandler replies to responder requests with canned instructions
func answerHandler(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req responder.AnswerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Error parsing request", http.StatusBadRequest)
			return
		}

		logger.Info("Answer request received",
			slog.String("request_id", req.RequestID),
			slog.String("item_id", req.ItemID),
			slog.String("transcript", req.Transcript),
			slog.Time("sent_at", req.Timestamp),
		)

		// Simulate retrieval latency
		time.Sleep(100 * time.Millisecond)

		answer := responder.AnswerResponse{
			Instructions: fmt.Sprintf("The caller asked: %q. Tell them visiting hours are 9am to 8pm.",
				strings.TrimSpace(req.Transcript)),
			Topic: responder.TopicRAG,
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(answer)
	}
}
