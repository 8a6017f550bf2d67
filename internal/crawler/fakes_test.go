package crawler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// fakeClock jumps forward whenever the scheduler waits, so timed schedules run instantly.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

type fetchCall struct {
	req FetchRequest
	at  time.Time
}

type scriptedResult struct {
	resp FetchResponse
	err  error
}

// scriptedFetcher replays responses per route; the last entry repeats.
type scriptedFetcher struct {
	mu      sync.Mutex
	clock   Clock
	scripts map[string][]scriptedResult
	served  map[string]int
	calls   []fetchCall
}

func newScriptedFetcher(clock Clock) *scriptedFetcher {
	return &scriptedFetcher{
		clock:   clock,
		scripts: make(map[string][]scriptedResult),
		served:  make(map[string]int),
	}
}

func (f *scriptedFetcher) on(route string, results ...scriptedResult) {
	f.scripts[route] = append(f.scripts[route], results...)
}

func (f *scriptedFetcher) Fetch(_ context.Context, req FetchRequest) (FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fetchCall{req: req, at: f.clock.Now()})
	script, ok := f.scripts[req.Route]
	if !ok || len(script) == 0 {
		return FetchResponse{StatusCode: http.StatusNotFound, Header: http.Header{}, Body: []byte(`{"message":"Not Found"}`)}, nil
	}
	idx := f.served[req.Route]
	if idx >= len(script) {
		idx = len(script) - 1
	}
	f.served[req.Route]++
	return script[idx].resp, script[idx].err
}

func (f *scriptedFetcher) callsTo(route string) []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fetchCall
	for _, c := range f.calls {
		if c.req.Route == route {
			out = append(out, c)
		}
	}
	return out
}

func (f *scriptedFetcher) routes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.req.Route)
	}
	return out
}

type publishedMessage struct {
	destination string
	key         string
	message     any
	at          time.Time
}

type recordingPublisher struct {
	mu       sync.Mutex
	clock    Clock
	err      error
	messages []publishedMessage
}

func (p *recordingPublisher) Publish(_ context.Context, destination string, message any, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, publishedMessage{destination: destination, key: key, message: message, at: p.clock.Now()})
	return nil
}

func (p *recordingPublisher) published() []publishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedMessage(nil), p.messages...)
}

// jsonMapper is a minimal Mapper: entities keep their decoded id, blocked repositories are inaccessible.
type jsonMapper struct{}

func (jsonMapper) MapEntity(entity EntityType, resp FetchResponse, id int64) (HarvestedRecord, error) {
	var body struct {
		ID      int64  `json:"id"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return HarvestedRecord{}, err
	}
	if body.Message == "Repository access blocked" {
		return HarvestedRecord{}, fmt.Errorf("%d: %w", id, ErrInaccessible)
	}
	if resp.StatusCode != http.StatusOK {
		return HarvestedRecord{}, fmt.Errorf("%w %d", ErrUnexpectedStatus, resp.StatusCode)
	}
	return HarvestedRecord{Type: entity, ID: body.ID, Payload: map[string]int64{"id": body.ID}}, nil
}

func (jsonMapper) IDs(body []byte) ([]int64, error) {
	if !bytes.HasPrefix(bytes.TrimSpace(body), []byte("[")) {
		return nil, errors.New("not an array")
	}
	var items []struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	return ids, nil
}

func okResponse(body string, link string) scriptedResult {
	h := http.Header{}
	if link != "" {
		h.Set(HeaderLink, link)
	}
	return scriptedResult{resp: FetchResponse{StatusCode: http.StatusOK, Header: h, Body: []byte(body)}}
}

func statusResponse(code int, body string) scriptedResult {
	return scriptedResult{resp: FetchResponse{StatusCode: code, Header: http.Header{}, Body: []byte(body)}}
}

func rateLimited(resetEpochSeconds int64) scriptedResult {
	resp := rateLimitedResponse()
	resp.Header.Set(HeaderRateLimitReset, fmt.Sprint(resetEpochSeconds))
	return scriptedResult{resp: resp}
}
