// Package orchestrator consumes a workflow event stream and keeps one
// visible progress message up to date until the terminal event arrives.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/metrics"

	"golang.org/x/time/rate"
)

const (
	PlanningText = "🤔 Planning..."
	ErrorText    = "Sorry, something went wrong while processing your request. Please try again later."
	FailureText  = "Sorry, processing failed."

	// DefaultEditInterval is the minimum spacing between progress edits.
	DefaultEditInterval = 1500 * time.Millisecond
)

var (
	// ErrStreamIncomplete is returned when the stream ends without workflow_finished.
	ErrStreamIncomplete = errors.New("workflow stream ended without a terminal event")
	// ErrEmptyResult is returned when the terminal event carries no answer.
	ErrEmptyResult = errors.New("workflow finished without an answer")
)

// OutputKeys names the fields of workflow_finished outputs.
type OutputKeys struct {
	Answer string
	Type   string
	Extras string
}

// DefaultOutputKeys returns the output field names the bundled workflow uses.
func DefaultOutputKeys() OutputKeys {
	return OutputKeys{Answer: "answer", Type: "type", Extras: "extras"}
}

// Config configures an Orchestrator.
type Config struct {
	Messenger    domain.Messenger
	Logger       *slog.Logger
	EditInterval time.Duration
	Keys         OutputKeys
	Now          func() time.Time
}

// Orchestrator drives turns. It holds no per-turn state, so one instance
// serves every chat.
type Orchestrator struct {
	messenger domain.Messenger
	logger    *slog.Logger
	interval  time.Duration
	keys      OutputKeys
	now       func() time.Time
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.EditInterval <= 0 {
		cfg.EditInterval = DefaultEditInterval
	}
	if cfg.Keys.Answer == "" {
		cfg.Keys = DefaultOutputKeys()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{
		messenger: cfg.Messenger,
		logger:    cfg.Logger,
		interval:  cfg.EditInterval,
		keys:      cfg.Keys,
		now:       cfg.Now,
	}
}

// Turn describes one run: the progress message the orchestrator may edit
// and the forced command the workflow was started with.
type Turn struct {
	Handle        domain.MessageHandle
	ForcedCommand domain.ForcedCommand
}

// renderState is owned by a single Run call.
type renderState struct {
	turn      Turn
	strategy  string
	optimized map[string]any
	shown     string
	pending   string
	limiter   *rate.Limiter
}

// Run consumes stream until workflow_finished and returns the final result.
// Progress edits are best-effort. A stream failure edits the progress
// message to an apology and is returned to the caller.
func (o *Orchestrator) Run(ctx context.Context, turn Turn, stream domain.EventStream) (domain.FinalResult, error) {
	defer stream.Close()

	st := &renderState{
		turn:    turn,
		shown:   PlanningText,
		limiter: rate.NewLimiter(rate.Every(o.interval), 1),
	}
	// The placeholder itself counts as the first edit of the window.
	st.limiter.AllowN(o.now(), 1)

	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrStreamIncomplete
			} else {
				err = fmt.Errorf("consume workflow stream: %w", err)
			}
			metrics.StreamFailures.Inc()
			o.logger.Error("workflow stream failed", "chat_id", turn.Handle.ChatID, "err", err)
			o.edit(ctx, turn.Handle, ErrorText, domain.ParsePlain)
			return domain.FinalResult{}, err
		}

		switch e := ev.(type) {
		case domain.NodeStarted:
			if e.AgentStrategy != "" {
				st.strategy = e.AgentStrategy
			}
			o.update(ctx, st, nodeStartedText(e, turn.ForcedCommand, st.optimized))
		case domain.NodeFinished:
			if out := optimizedPrompt(e, turn.ForcedCommand); out != nil {
				st.optimized = out
			}
		case domain.AgentLog:
			strategy := e.Strategy
			if strategy == "" {
				strategy = st.strategy
			}
			o.update(ctx, st, agentLogText(e, strategy))
		case domain.WorkflowFinished:
			o.flush(ctx, st)
			return o.finish(ctx, turn, e)
		default:
			o.logger.Debug("ignored workflow event", "event", ev.EventName())
		}
	}
}

func (o *Orchestrator) finish(ctx context.Context, turn Turn, e domain.WorkflowFinished) (domain.FinalResult, error) {
	res := ExtractResult(e.Outputs, o.keys)
	if res.Answer == "" {
		o.logger.Warn("workflow finished without answer",
			"chat_id", turn.Handle.ChatID, "status", e.Status, "error", e.Error)
		o.edit(ctx, turn.Handle, FailureText, domain.ParsePlain)
		return domain.FinalResult{}, ErrEmptyResult
	}
	return res, nil
}

// update records text as the latest progress and shows it if the edit
// window allows. Otherwise it waits for the next window or the final flush.
func (o *Orchestrator) update(ctx context.Context, st *renderState, text string) {
	if text == "" {
		return
	}
	st.pending = text
	if !st.limiter.AllowN(o.now(), 1) {
		metrics.ProgressCoalesced.Inc()
		return
	}
	o.flush(ctx, st)
}

func (o *Orchestrator) flush(ctx context.Context, st *renderState) {
	if st.pending == "" || st.pending == st.shown {
		st.pending = ""
		return
	}
	text := st.pending
	st.pending = ""
	st.shown = text
	if o.edit(ctx, st.turn.Handle, text, domain.ParseHTML) {
		metrics.ProgressEdits.Inc()
	}
}

func (o *Orchestrator) edit(ctx context.Context, h domain.MessageHandle, text string, mode domain.ParseMode) bool {
	res := o.messenger.Edit(ctx, h, text, mode)
	if !res.OK() {
		o.logger.Warn("progress edit failed", "chat_id", h.ChatID, "message_id", h.MessageID,
			"status", res.Status.String(), "err", res.Err)
		return false
	}
	return true
}

// ExtractResult builds a FinalResult from workflow outputs.
func ExtractResult(outputs map[string]any, keys OutputKeys) domain.FinalResult {
	res := domain.FinalResult{}
	if outputs == nil {
		return res
	}
	res.Answer, _ = outputs[keys.Answer].(string)
	if t, ok := outputs[keys.Type].(string); ok {
		res.Type = domain.ResultType(t)
	}
	if extras, ok := outputs[keys.Extras].(map[string]any); ok {
		res.Extras = extras
	} else {
		res.Extras = map[string]any{}
	}
	return res
}
