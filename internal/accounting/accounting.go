package accounting

import (
	"log/slog"
	"time"
)

// Counters holds the per-request acct_req.{fetch,pass,pipe,error} tally
// described in §3 of the data model. A fresh Counters is zero-valued.
type Counters struct {
	Fetch int
	Pass  int
	Pipe  int
	Error int
}

// Ledger emits ReqEnd/End records on request completion, per the dispatch
// entry point's documented contract in §6, and forwards each to a Sink for
// fan-out/durable delivery.
type Ledger struct {
	sink Sink
}

// NewLedger wires sink, which may be nil to run with logging only.
func NewLedger(sink Sink) *Ledger {
	return &Ledger{sink: sink}
}

// End is called exactly once per request, on transition to DONE. It logs
// the ReqEnd/End record and forwards it to the configured sink.
func (l *Ledger) End(requestID, method, url, digest, kind string, status, restarts int, tReq, tResp time.Time, doClose string) {
	rec := &Record{
		RequestID: requestID,
		Method:    method,
		URL:       url,
		Digest:    digest,
		Kind:      kind,
		Status:    status,
		Restarts:  restarts,
		TReq:      tReq,
		TResp:     tResp,
		Duration:  tResp.Sub(tReq),
		DoClose:   doClose,
	}

	slog.Info("ReqEnd",
		"request_id", requestID,
		"method", method,
		"url", url,
		"kind", kind,
		"status", status,
		"restarts", restarts,
		"duration", rec.Duration,
	)

	if l.sink != nil {
		l.sink.Record(rec)
	}
}
