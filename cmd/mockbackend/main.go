// Mock whisper backend for local development. Accepts the gateway's
// multipart transcription requests and answers with a canned transcript
// after a short simulated processing delay.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

type transcriptionResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
}

var (
	port  = flag.Int("port", 9000, "listen port")
	delay = flag.Duration("delay", 200*time.Millisecond, "simulated processing time")
)

func transcribeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(10 << 20); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Error getting audio file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	audioData, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Error reading audio file", http.StatusInternalServerError)
		return
	}

	language := r.URL.Query().Get("language")
	task := r.URL.Query().Get("task")
	requestID := r.Header.Get("X-Request-ID")

	log.Printf("transcription request: id=%s file=%s bytes=%d language=%q task=%q",
		requestID, header.Filename, len(audioData), language, task)

	time.Sleep(*delay)

	if language == "" {
		language = "en"
	}

	resp := transcriptionResponse{
		Text:     fmt.Sprintf("mock transcript of %d audio bytes", len(audioData)),
		Language: language,
		// 16-bit mono at 16kHz
		Duration: float64(len(audioData)) / 32000.0,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func main() {
	flag.Parse()

	http.HandleFunc("/transcribe", transcribeHandler)

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("mock transcription backend listening on %s", addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatal(err)
	}
}
