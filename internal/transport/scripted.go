// ABOUTME: Scripted transport that replays canned model responses from YAML
// ABOUTME: Drives the simulate command and tests without a live model endpoint

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Script is a sequence of canned responses, consumed one per Send.
type Script struct {
	ChunkSize int              `yaml:"chunk_size"`
	Responses []ScriptResponse `yaml:"responses"`
}

// ScriptResponse is one model response.
type ScriptResponse struct {
	Text      string             `yaml:"text"`
	ToolCalls []ScriptedToolCall `yaml:"tool_calls"`
	Fail      string             `yaml:"fail"` // emit a failure instead of completing
	Hold      bool               `yaml:"hold"` // stall after emitting content until cancelled
}

// ScriptedToolCall is a canned tool invocation.
type ScriptedToolCall struct {
	CallID    string         `yaml:"call_id"`
	Name      string         `yaml:"name"`
	Arguments map[string]any `yaml:"arguments"`
}

// LoadScript reads a YAML script from disk.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading script: %w", err)
	}
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing script: %w", err)
	}
	return &s, nil
}

// Scripted replays a Script. It records every turn it was asked to send.
type Scripted struct {
	mu        sync.Mutex
	script    *Script
	next      int
	sent      []Turn
	onSend    func(Turn)
	chunkSize int
	rewinds   []Anchor
	options   []TurnOptions
}

// NewScripted creates a transport over the given script.
func NewScripted(script *Script) *Scripted {
	if script == nil {
		script = &Script{}
	}
	chunk := script.ChunkSize
	if chunk <= 0 {
		chunk = 16
	}
	return &Scripted{script: script, chunkSize: chunk}
}

// OnSend registers a hook invoked synchronously for each sent turn.
func (s *Scripted) OnSend(fn func(Turn)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSend = fn
}

// Append adds responses to the end of the script.
func (s *Scripted) Append(responses ...ScriptResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script.Responses = append(s.script.Responses, responses...)
}

// Sent returns a copy of every turn sent so far.
func (s *Scripted) Sent() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.sent))
	copy(out, s.sent)
	return out
}

// Remaining returns the number of unconsumed responses.
func (s *Scripted) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.script.Responses) - s.next
}

// Rewind records a revert to anchor.
func (s *Scripted) Rewind(anchor Anchor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rewinds = append(s.rewinds, anchor)
}

// Rewinds returns every anchor the transport was rewound to.
func (s *Scripted) Rewinds() []Anchor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Anchor(nil), s.rewinds...)
}

// Configure records the options of the next turn.
func (s *Scripted) Configure(opts TurnOptions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.options = append(s.options, opts)
}

// Options returns the options recorded for every turn, in send order.
func (s *Scripted) Options() []TurnOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TurnOptions(nil), s.options...)
}

// Send consumes the next scripted response and streams it.
func (s *Scripted) Send(ctx context.Context, turn Turn) (<-chan Event, error) {
	s.mu.Lock()
	s.sent = append(s.sent, turn)
	hook := s.onSend
	var resp ScriptResponse
	exhausted := s.next >= len(s.script.Responses)
	if !exhausted {
		resp = s.script.Responses[s.next]
		s.next++
	}
	s.mu.Unlock()

	if hook != nil {
		hook(turn)
	}

	events, err := s.expand(resp)
	if err != nil {
		return nil, err
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		for _, ev := range events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		if resp.Hold {
			<-ctx.Done()
			return
		}
		var terminal Event
		if resp.Fail != "" {
			terminal = Event{Kind: EventFailed, Err: errors.New(resp.Fail)}
		} else {
			terminal = Event{Kind: EventCompleted, ResponseID: "resp_" + uuid.NewString()}
		}
		select {
		case out <- terminal:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// expand turns a scripted response into its non-terminal events.
func (s *Scripted) expand(resp ScriptResponse) ([]Event, error) {
	var events []Event
	runes := []rune(resp.Text)
	for start := 0; start < len(runes); start += s.chunkSize {
		end := min(start+s.chunkSize, len(runes))
		events = append(events, Event{Kind: EventTextDelta, Text: string(runes[start:end])})
	}
	for _, tc := range resp.ToolCalls {
		args := tc.Arguments
		if args == nil {
			args = map[string]any{}
		}
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("encoding arguments for %s: %w", tc.Name, err)
		}
		callID := tc.CallID
		if callID == "" {
			callID = "call_" + uuid.NewString()
		}
		events = append(events, Event{
			Kind:     EventToolCall,
			ToolCall: &ToolCall{CallID: callID, Name: tc.Name, Arguments: raw},
		})
	}
	return events, nil
}
