package metrics

import (
	"sync"
	"time"
)

// Fake is an in-memory Sink for tests, capturing every call it receives.
type Fake struct {
	mu        sync.Mutex
	Requests  []string
	Responses []string
	RateLimit []string
	QueueHits []string
	KeyUsage  []string
}

func NewFake() *Fake { return &Fake{} }

func (f *Fake) RecordRequest(upstreamName, credential string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Requests = append(f.Requests, upstreamName+":"+credential)
}

func (f *Fake) RecordResponse(upstreamName, credential string, status int, elapsed time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Responses = append(f.Responses, upstreamName+":"+credential)
}

func (f *Fake) RecordRateLimitHit(upstreamName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RateLimit = append(f.RateLimit, upstreamName)
}

func (f *Fake) RecordQueueHit(upstreamName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.QueueHits = append(f.QueueHits, upstreamName)
}

func (f *Fake) RecordKeyUsage(upstreamName, credentialID, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.KeyUsage = append(f.KeyUsage, upstreamName+":"+credentialID+":"+status)
}
