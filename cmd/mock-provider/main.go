package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"

	"bulksms/internal/providers/mitto"
)

type config struct {
	Port          string `envconfig:"PORT" default:"8080"`
	APIKey        string `envconfig:"MITTO_API_KEY" default:"mock_key"`
	WebhookSecret string `envconfig:"MITTO_WEBHOOK_SECRET" default:"mock_secret"`
	WebhookURL    string `envconfig:"MOCK_WEBHOOK_URL" default:""`

	// ok | failed | reject | pending, comma separated, applied per recipient
	OutcomeMode string  `envconfig:"MOCK_OUTCOME_MODE" default:"fixed"`
	OutcomesRaw string  `envconfig:"MOCK_OUTCOMES" default:"ok"`
	SuccessRate float64 `envconfig:"MOCK_SUCCESS_RATE" default:"0.95"`

	DelayMs        int `envconfig:"MOCK_DELAY_MS" default:"0"`
	WebhookDelayMs int `envconfig:"MOCK_WEBHOOK_DELAY_MS" default:"500"`
	// resend every DLR this many times to exercise receiver dedup
	WebhookRepeat     int `envconfig:"MOCK_WEBHOOK_REPEAT" default:"1"`
	WebhookMaxRetries int `envconfig:"MOCK_WEBHOOK_MAX_RETRIES" default:"5"`

	Outcomes []string
}

type msgRecord struct {
	Status    string // pending | delivered | failed
	ErrorCode string
}

type server struct {
	cfg    config
	idx    uint64
	rngMu  sync.Mutex
	rng    *rand.Rand
	msgs   sync.Map // provider message id -> *msgRecord
	client *http.Client
}

func main() {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		slog.Error("mock provider config load failed", "err", err)
		os.Exit(1)
	}
	cfg.Outcomes = parseCSV(cfg.OutcomesRaw)
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	s := &server{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		client: &http.Client{Timeout: 5 * time.Second},
	}

	router := mux.NewRouter()
	router.HandleFunc("/v2/sms/bulk", s.handleBulk).Methods(http.MethodPost)
	router.HandleFunc("/v2/sms", s.handleSingle).Methods(http.MethodPost)
	router.HandleFunc("/v2/sms/{id}/status", s.handleStatus).Methods(http.MethodGet)

	slog.Info("mock provider listening", "port", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, logging(router)); err != nil {
		slog.Error("mock provider server failed", "err", err)
		os.Exit(1)
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		slog.Info("mock provider request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *server) authed(r *http.Request) bool {
	return r.Header.Get("X-Mitto-API-Key") == s.cfg.APIKey
}

type bulkRequest struct {
	From     string `json:"from"`
	Messages []struct {
		To        string `json:"to"`
		Text      string `json:"text"`
		Reference string `json:"reference"`
	} `json:"messages"`
}

type bulkResponseMsg struct {
	Reference string `json:"reference"`
	MessageID string `json:"messageId,omitempty"`
	Status    string `json:"status,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
	ErrorText string `json:"errorText,omitempty"`
}

func (s *server) handleBulk(w http.ResponseWriter, r *http.Request) {
	if !s.authed(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"errorText": "invalid api key"})
		return
	}
	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"errorText": "bad request"})
		return
	}

	if s.cfg.DelayMs > 0 {
		time.Sleep(time.Duration(s.cfg.DelayMs) * time.Millisecond)
	}

	bulkID := fmt.Sprintf("blk%06d", atomic.AddUint64(&s.idx, 1))
	resp := struct {
		BulkID   string            `json:"bulkId"`
		Messages []bulkResponseMsg `json:"messages"`
	}{BulkID: bulkID}

	for _, m := range req.Messages {
		outcome := s.nextOutcome()
		if outcome == "reject" {
			resp.Messages = append(resp.Messages, bulkResponseMsg{
				Reference: m.Reference, ErrorCode: "INVALID_DESTINATION", ErrorText: "rejected by mock",
			})
			continue
		}

		id := fmt.Sprintf("mt%09d", atomic.AddUint64(&s.idx, 1))
		resp.Messages = append(resp.Messages, bulkResponseMsg{
			Reference: m.Reference, MessageID: id, Status: "accepted",
		})
		s.scheduleDelivery(id, outcome)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleSingle(w http.ResponseWriter, r *http.Request) {
	if !s.authed(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"errorText": "invalid api key"})
		return
	}
	var req struct {
		To, Text, Reference string
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.To == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"errorText": "bad request"})
		return
	}

	outcome := s.nextOutcome()
	if outcome == "reject" {
		writeJSON(w, http.StatusOK, map[string]string{"errorCode": "INVALID_DESTINATION"})
		return
	}
	id := fmt.Sprintf("mt%09d", atomic.AddUint64(&s.idx, 1))
	s.scheduleDelivery(id, outcome)
	writeJSON(w, http.StatusOK, map[string]string{"messageId": id, "status": "accepted"})
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.authed(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"errorText": "invalid api key"})
		return
	}
	id := mux.Vars(r)["id"]
	v, ok := s.msgs.Load(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	rec := v.(*msgRecord)
	writeJSON(w, http.StatusOK, map[string]string{
		"messageId": id, "status": rec.Status, "errorCode": rec.ErrorCode,
	})
}

// scheduleDelivery records the eventual status and, when a webhook URL is
// configured, pushes the DLR after the configured delay. Repeats exercise
// the receiver's replay guard.
func (s *server) scheduleDelivery(id, outcome string) {
	rec := &msgRecord{Status: "pending"}
	s.msgs.Store(id, rec)

	final := "delivered"
	errCode := ""
	switch outcome {
	case "failed":
		final, errCode = "failed", "EXPIRED"
	case "pending":
		return // never resolves; the fallback poller keeps seeing pending
	}

	go func() {
		time.Sleep(time.Duration(s.cfg.WebhookDelayMs) * time.Millisecond)
		rec.Status = final
		rec.ErrorCode = errCode

		if s.cfg.WebhookURL == "" {
			return
		}
		payload, _ := json.Marshal(mitto.DLRPayload{Events: []mitto.DLREvent{{
			MessageID:  id,
			Status:     final,
			StatusCode: strings.ToUpper(final),
			ErrorCode:  errCode,
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
		}}})

		repeat := s.cfg.WebhookRepeat
		if repeat < 1 {
			repeat = 1
		}
		for i := 0; i < repeat; i++ {
			s.postDLR(payload)
		}
	}()
}

func (s *server) postDLR(payload []byte) {
	sig := mitto.Sign(s.cfg.WebhookSecret, payload)
	for attempt := 0; attempt <= s.cfg.WebhookMaxRetries; attempt++ {
		req, _ := http.NewRequest(http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Mitto-Signature", sig)

		resp, err := s.client.Do(req)
		if err == nil {
			code := resp.StatusCode
			resp.Body.Close()
			if code >= 200 && code < 300 {
				return
			}
			if code < 500 && code != http.StatusTooManyRequests {
				slog.Error("mock dlr post non-retryable", "status", code)
				return
			}
		}
		time.Sleep(time.Duration(250*(1<<attempt)) * time.Millisecond)
	}
	slog.Error("mock dlr post gave up", "url", s.cfg.WebhookURL)
}

func (s *server) nextOutcome() string {
	switch s.cfg.OutcomeMode {
	case "round_robin":
		idx := atomic.AddUint64(&s.idx, 1) - 1
		return s.cfg.Outcomes[int(idx)%len(s.cfg.Outcomes)]
	case "weighted":
		s.rngMu.Lock()
		ok := s.rng.Float64() <= s.cfg.SuccessRate
		s.rngMu.Unlock()
		if ok {
			return "ok"
		}
		return "failed"
	case "random":
		s.rngMu.Lock()
		i := s.rng.Intn(len(s.cfg.Outcomes))
		s.rngMu.Unlock()
		return s.cfg.Outcomes[i]
	default:
		return s.cfg.Outcomes[0]
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return []string{"ok"}
	}
	return out
}
