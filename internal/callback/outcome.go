package callback

import (
	"github.com/VictoriaMetrics/metrics"

	"mpesa-reconciler/internal/payload"
)

// Outcome classifies what a webhook delivery did to local state.
type Outcome string

const (
	// Processed changed payment state.
	Processed Outcome = "processed"
	// Duplicate matched a record that was already settled.
	Duplicate Outcome = "duplicate"
	// Unmatched found no local record.
	Unmatched Outcome = "unmatched"
	// Malformed lacked the expected structure; the provider should retry.
	Malformed Outcome = "malformed"
	// Ignored was well-formed but not actionable.
	Ignored Outcome = "ignored"
	// Failed hit a local error; the provider should retry.
	Failed Outcome = "failed"
)

type Result struct {
	Outcome Outcome
	Ack     payload.Ack
}

func accepted(o Outcome) Result {
	return Result{Outcome: o, Ack: payload.AckAccepted()}
}

func rejected(o Outcome, desc string) Result {
	return Result{Outcome: o, Ack: payload.AckRejected(desc)}
}

func outcomeCounter(kind string, o Outcome) *metrics.Counter {
	return metrics.GetOrCreateCounter(`callback_total{kind="` + kind + `",outcome="` + string(o) + `"}`)
}
