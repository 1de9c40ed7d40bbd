package tpay

import "sync"

// maxTerminalEntries caps how many finished payments the view keeps around
// to clamp late stale reads. Beyond that the oldest tombstones are evicted.
const maxTerminalEntries = 1024

// paymentView is the client's forward-only record of payment state. The
// server is the source of truth, but reads against an eventually-consistent
// ledger can arrive out of order; the view pins the furthest status seen so
// a stale read never regresses what the caller observes. It also remembers
// each payment's idempotency key so challenge resolution can reuse it.
//
// Live payments are tracked for as long as they can transition. Once a
// payment turns terminal its request id is dropped and the entry becomes a
// status-only tombstone on a bounded FIFO, so the view does not grow with
// the total number of payments ever observed.
type paymentView struct {
	mu       sync.Mutex
	entries  map[string]*viewEntry
	terminal []string
}

type viewEntry struct {
	status    Status
	requestID string
}

func newPaymentView() *paymentView {
	return &paymentView{entries: make(map[string]*viewEntry)}
}

// observe folds a server-reported payment into the view and clamps the
// payment's status to the furthest state seen. Returns true when the
// reported status was stale.
func (v *paymentView) observe(p *Payment) bool {
	if p == nil || p.ID == "" {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	e, ok := v.entries[p.ID]
	if !ok {
		e = &viewEntry{}
		v.entries[p.ID] = e
	}
	if p.RequestID != "" {
		e.requestID = p.RequestID
	}

	stale := false
	wasTerminal := e.status.Terminal()
	if e.status != "" && p.Status.rank() < e.status.rank() {
		p.Status = e.status
		stale = true
	} else {
		e.status = p.Status
	}
	if e.status.Terminal() && !wasTerminal {
		v.retire(p.ID, e)
	}
	return stale
}

// retire turns a freshly terminal entry into a tombstone: the request id is
// no longer needed once no further transition can occur. Caller holds mu.
func (v *paymentView) retire(paymentID string, e *viewEntry) {
	e.requestID = ""
	v.terminal = append(v.terminal, paymentID)
	for len(v.terminal) > maxTerminalEntries {
		delete(v.entries, v.terminal[0])
		v.terminal = v.terminal[1:]
	}
}

// resolved resets a challenged payment to pending. This is the one
// transition that legitimately moves backwards in rank; it only ever
// follows an accepted challenge resolution.
func (v *paymentView) resolved(paymentID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if e, ok := v.entries[paymentID]; ok && e.status == StatusChallenged {
		e.status = StatusPending
	}
}

// markFailed pins a payment to failed, used when its challenge expired
// before resolution was attempted.
func (v *paymentView) markFailed(paymentID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	e, ok := v.entries[paymentID]
	if !ok {
		e = &viewEntry{}
		v.entries[paymentID] = e
	}
	if !e.status.Terminal() {
		e.status = StatusFailed
		v.retire(paymentID, e)
	}
}

// requestID returns the remembered idempotency key for a payment, or "".
func (v *paymentView) requestID(paymentID string) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if e, ok := v.entries[paymentID]; ok {
		return e.requestID
	}
	return ""
}
