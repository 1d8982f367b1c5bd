package workflow

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"relaybot/internal/domain"
)

const maxEventSize = 16 << 20

// stream reads server-sent events from one workflow run.
type stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	stop    func(ctx context.Context, taskID string) error
	logger  *slog.Logger

	taskID   string
	finished bool
	once     sync.Once
}

func newStream(body io.ReadCloser, stop func(ctx context.Context, taskID string) error, logger *slog.Logger) *stream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	return &stream{body: body, scanner: sc, stop: stop, logger: logger}
}

// Next returns the next decoded event, or io.EOF when the engine closed
// the stream. Comment lines, pings and blank keep-alives are skipped.
func (s *stream) Next(ctx context.Context) (domain.WorkflowEvent, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return nil, fmt.Errorf("read event stream: %w", err)
			}
			return nil, io.EOF
		}
		line := bytes.TrimSpace(s.scanner.Bytes())
		payload, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			continue
		}
		payload = bytes.TrimSpace(payload)
		if len(payload) == 0 {
			continue
		}

		var env envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			s.logger.Warn("skipping malformed event", "err", err, "size", len(payload))
			continue
		}
		if env.TaskID != "" {
			s.taskID = env.TaskID
		}
		if env.Event == "ping" || env.Event == "" {
			continue
		}
		event, err := decodeEvent(env)
		if err != nil {
			return nil, err
		}
		if env.Event == "workflow_finished" {
			s.finished = true
		}
		return event, nil
	}
}

// Close releases the connection. A run abandoned before its terminal
// event is asked to stop so the engine does not keep working for nobody.
func (s *stream) Close() error {
	var err error
	s.once.Do(func() {
		err = s.body.Close()
		if s.finished || s.taskID == "" || s.stop == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if stopErr := s.stop(ctx, s.taskID); stopErr != nil {
			s.logger.Warn("failed to stop abandoned workflow run", "task_id", s.taskID, "err", stopErr)
		}
	})
	return err
}
