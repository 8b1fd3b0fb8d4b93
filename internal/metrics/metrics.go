// Package metrics exposes pbl-server's state-transition and transfer
// counters in Prometheus text exposition format, hand-rolled rather than
// pulled in from a client library — there is nothing here beyond a handful
// of monotonic counters, and the corpus's other ambient surfaces (the
// status API, the console mirror) are all hand-rolled the same way.
package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/eryjus/pi-bootloader/internal/bootserver"
)

const numStates = int(bootserver.StateExit) + 1

// Registry accumulates counters for one running server. The zero value,
// addressed through New, is ready to use and safe for concurrent access.
type Registry struct {
	transitions   [numStates]atomic.Int64
	transfersOK   atomic.Int64
	transfersFail atomic.Int64
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{}
}

// StateChanged implements bootserver.ConsoleSink so a Registry can be
// wired in alongside (or instead of) the console broadcaster.
func (r *Registry) StateChanged(s bootserver.State) {
	i := int(s)
	if i < 0 || i >= numStates {
		return
	}
	r.transitions[i].Add(1)
}

// ObserveTransfer records one completed or abandoned transfer attempt.
func (r *Registry) ObserveTransfer(outcome bootserver.TransferOutcome) {
	if outcome.Success {
		r.transfersOK.Add(1)
	} else {
		r.transfersFail.Add(1)
	}
}

// render writes the current counter values in Prometheus text exposition
// format.
func (r *Registry) render() string {
	var b strings.Builder

	b.WriteString("# HELP pbl_state_transitions_total Count of state machine transitions by destination state.\n")
	b.WriteString("# TYPE pbl_state_transitions_total counter\n")
	for i := 0; i < numStates; i++ {
		v := r.transitions[i].Load()
		if v == 0 {
			continue
		}
		fmt.Fprintf(&b, "pbl_state_transitions_total{state=%q} %d\n", bootserver.State(i).String(), v)
	}

	b.WriteString("# HELP pbl_transfers_total Count of completed transfer attempts by outcome.\n")
	b.WriteString("# TYPE pbl_transfers_total counter\n")
	fmt.Fprintf(&b, "pbl_transfers_total{outcome=\"success\"} %d\n", r.transfersOK.Load())
	fmt.Fprintf(&b, "pbl_transfers_total{outcome=\"failure\"} %d\n", r.transfersFail.Load())

	return b.String()
}

// Handler serves a Registry's counters at an HTTP endpoint for Prometheus
// to scrape.
type Handler struct {
	Registry *Registry
}

func (h Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	_, _ = w.Write([]byte(h.Registry.render()))
}
