package comfy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/Tenos-ai/tenos-bot/internal/infra"
)

// EventKind classifies backend execution events after decoding.
type EventKind string

const (
	// EventStarted means the backend began executing a job.
	EventStarted EventKind = "started"
	// EventOutput carries the image references one output node produced.
	EventOutput EventKind = "output"
	// EventCompleted means the job's whole graph finished.
	EventCompleted EventKind = "completed"
	// EventFailed carries the backend's error detail for a job.
	EventFailed EventKind = "failed"
	// EventInterrupted means the job was stopped mid-execution.
	EventInterrupted EventKind = "interrupted"
)

// Event is one decoded execution event, scoped to a single backend job id.
type Event struct {
	Kind    EventKind
	JobID   string
	Outputs []string
	Error   string
}

// StreamOptions configures a Stream.
type StreamOptions struct {
	URL      string
	ClientID string
	Logger   infra.Logger
	Buffer   int
}

// Stream maintains the websocket connection to the backend and decodes its
// wire messages into Events. It reconnects with exponential backoff; events
// arriving while disconnected are lost, which the sweep cycle tolerates.
type Stream struct {
	url      string
	clientID string
	log      infra.Logger
	events   chan Event
}

// NewStream returns a stream that is not yet connected; call Run.
func NewStream(opts StreamOptions) *Stream {
	buf := opts.Buffer
	if buf <= 0 {
		buf = 256
	}
	return &Stream{
		url:      opts.URL,
		clientID: opts.ClientID,
		log:      opts.Logger,
		events:   make(chan Event, buf),
	}
}

// Events returns the decoded event channel. It is closed when Run returns.
func (s *Stream) Events() <-chan Event { return s.events }

// Run connects and pumps events until ctx is cancelled.
func (s *Stream) Run(ctx context.Context) error {
	defer close(s.events)

	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := s.pump(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := policy.NextBackOff()
		s.log.Warn().Err(err).Dur("retry_in", wait).Msg("event stream disconnected")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (s *Stream) pump(ctx context.Context) error {
	url := s.url
	if s.clientID != "" {
		url += "?clientId=" + s.clientID
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial event stream: %w", err)
	}
	defer conn.Close()

	// Unblock ReadMessage when the daemon shuts down.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	s.log.Info().Str("url", s.url).Msg("event stream connected")

	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read event: %w", err)
		}
		// Binary frames are live preview pixels; only text frames carry
		// execution state.
		if msgType != websocket.TextMessage {
			continue
		}

		ev, ok := decode(raw)
		if !ok {
			continue
		}
		select {
		case s.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type wireMessage struct {
	Type string `json:"type"`
	Data struct {
		PromptID string  `json:"prompt_id"`
		Node     *string `json:"node"`
		Output   struct {
			Images []struct {
				Filename  string `json:"filename"`
				Subfolder string `json:"subfolder"`
				Type      string `json:"type"`
			} `json:"images"`
		} `json:"output"`
		ExceptionMessage string `json:"exception_message"`
		NodeType         string `json:"node_type"`
	} `json:"data"`
}

// decode maps a wire message onto an Event. Status, cache and progress
// chatter yields ok=false.
func decode(raw []byte) (Event, bool) {
	var msg wireMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Event{}, false
	}
	if msg.Data.PromptID == "" {
		return Event{}, false
	}

	switch msg.Type {
	case "execution_start":
		return Event{Kind: EventStarted, JobID: msg.Data.PromptID}, true

	case "executing":
		// A null node means the graph ran to the end.
		if msg.Data.Node == nil {
			return Event{Kind: EventCompleted, JobID: msg.Data.PromptID}, true
		}
		return Event{}, false

	case "executed":
		outputs := make([]string, 0, len(msg.Data.Output.Images))
		for _, img := range msg.Data.Output.Images {
			path := img.Filename
			if img.Subfolder != "" {
				path = img.Subfolder + "/" + img.Filename
			}
			outputs = append(outputs, path)
		}
		if len(outputs) == 0 {
			return Event{}, false
		}
		return Event{Kind: EventOutput, JobID: msg.Data.PromptID, Outputs: outputs}, true

	case "execution_error":
		detail := msg.Data.ExceptionMessage
		if detail == "" {
			detail = "generation failed"
		}
		if msg.Data.NodeType != "" {
			detail = msg.Data.NodeType + ": " + detail
		}
		return Event{Kind: EventFailed, JobID: msg.Data.PromptID, Error: detail}, true

	case "execution_interrupted":
		return Event{Kind: EventInterrupted, JobID: msg.Data.PromptID}, true
	}
	return Event{}, false
}
