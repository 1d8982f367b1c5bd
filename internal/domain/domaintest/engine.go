package domaintest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"relaybot/internal/domain"
)

// Engine is a scripted domain.WorkflowEngine. Each Run returns the next
// stream in Streams; uploads succeed unless UploadErr is set.
type Engine struct {
	mu        sync.Mutex
	Streams   []*Stream
	RunErr    error
	UploadErr error

	requests []domain.WorkflowRequest
	uploads  []string
}

func (e *Engine) Run(ctx context.Context, req domain.WorkflowRequest) (domain.EventStream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests = append(e.requests, req)
	if e.RunErr != nil {
		return nil, e.RunErr
	}
	if len(e.Streams) == 0 {
		return nil, errors.New("no scripted stream")
	}
	s := e.Streams[0]
	e.Streams = e.Streams[1:]
	return s, nil
}

func (e *Engine) Upload(ctx context.Context, path, user string) (domain.UploadedFile, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.uploads = append(e.uploads, path)
	if e.UploadErr != nil {
		return domain.UploadedFile{}, e.UploadErr
	}
	return domain.UploadedFile{
		ID:   fmt.Sprintf("file-%d", len(e.uploads)),
		Name: filepath.Base(path),
		Kind: "image",
	}, nil
}

// Requests returns every run request received.
func (e *Engine) Requests() []domain.WorkflowRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.WorkflowRequest(nil), e.requests...)
}

// Uploads returns the paths passed to Upload.
func (e *Engine) Uploads() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.uploads...)
}

// Finished is a stream that ends with a workflow_finished event carrying
// answer, type and extras under the default output keys.
func Finished(answer string, typ domain.ResultType, extras map[string]any) *Stream {
	outputs := map[string]any{"answer": answer, "type": string(typ)}
	if extras != nil {
		outputs["extras"] = extras
	}
	return &Stream{Steps: []Step{
		{Event: domain.NodeStarted{Kind: domain.NodeLLM, Title: "Thinking", Index: 1}},
		{Event: domain.WorkflowFinished{Status: "succeeded", Outputs: outputs}},
	}}
}

// ChatStore is an in-memory domain.ChatStore.
type ChatStore struct {
	mu     sync.Mutex
	states map[int64]domain.ChatState
}

// NewChatStore returns a store in which every chat in allowed is allowed.
func NewChatStore(allowed ...int64) *ChatStore {
	s := &ChatStore{states: make(map[int64]domain.ChatState)}
	for _, id := range allowed {
		s.states[id] = domain.ChatState{Allowed: true}
	}
	return s
}

func (s *ChatStore) State(ctx context.Context, chatID int64) (domain.ChatState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[chatID], nil
}

func (s *ChatStore) SetAllowed(ctx context.Context, chatID int64, allowed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[chatID]
	st.Allowed = allowed
	s.states[chatID] = st
	return nil
}

func (s *ChatStore) SetAutoMode(ctx context.Context, chatID int64, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[chatID]
	st.AutoMode = enabled
	s.states[chatID] = st
	return nil
}
