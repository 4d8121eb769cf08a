package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// fields that carry the STK password or the initiator credential
var secretFields = map[string]bool{
	"Password":           true,
	"SecurityCredential": true,
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// redact returns body with secret fields masked. Non-JSON bodies are summarised
// by size only.
func redact(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return "<" + strconv.Itoa(len(body)) + " bytes, not JSON>"
	}
	for k := range fields {
		if secretFields[k] {
			fields[k] = "***"
		}
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return ""
	}
	return string(out)
}

// requestLogger logs each provider call with a request id, the redacted body,
// the answered status and the time taken.
func requestLogger(stats *endpointStats, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		start := time.Now()

		var body []byte
		if r.Body != nil {
			var err error
			if body, err = io.ReadAll(r.Body); err != nil {
				log.Printf("[%s] error reading request body: %v", id, err)
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
		}
		log.Printf("[%s] %s %s %s", id, r.Method, r.URL.Path, redact(body))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		stats.record(r.Method+" "+r.URL.Path, rec.status)
		log.Printf("[%s] answered %d in %s", id, rec.status, elapsed)
	})
}

type endpointCount struct {
	Calls  int `json:"calls"`
	Errors int `json:"errors"`
}

// endpointStats counts calls and non-2xx answers per endpoint so a test run can
// check how often the reconciler polled or retried.
type endpointStats struct {
	mu     sync.Mutex
	counts map[string]*endpointCount
}

func newEndpointStats() *endpointStats {
	return &endpointStats{counts: make(map[string]*endpointCount)}
}

func (s *endpointStats) record(endpoint string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counts[endpoint]
	if !ok {
		c = &endpointCount{}
		s.counts[endpoint] = c
	}
	c.Calls++
	if status >= http.StatusMultipleChoices {
		c.Errors++
	}
}

func (s *endpointStats) handler(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	endpoints := make([]string, 0, len(s.counts))
	for e := range s.counts {
		endpoints = append(endpoints, e)
	}
	sort.Strings(endpoints)

	out := make([]map[string]any, 0, len(endpoints))
	for _, e := range endpoints {
		c := s.counts[e]
		out = append(out, map[string]any{"endpoint": e, "calls": c.Calls, "errors": c.Errors})
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, out)
}
