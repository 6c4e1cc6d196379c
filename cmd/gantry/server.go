package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"gantry/internal/broker"
	"gantry/internal/logging"
	"gantry/internal/task"
)

// stdioServer speaks line-delimited JSON: one request object per stdin line,
// one response object per stdout line. Requests run sequentially; the store
// serializes writers anyway.
type stdioServer struct {
	broker *broker.Broker
	in     io.Reader
	out    io.Writer
	mu     sync.Mutex // guards out
}

type request struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type response struct {
	ID     int64       `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

func newStdioServer(b *broker.Broker, in io.Reader, out io.Writer) *stdioServer {
	return &stdioServer{broker: b, in: in, out: out}
}

func (s *stdioServer) run(ctx context.Context) error {
	log := logging.Get(logging.CategoryAPI)
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var req request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			s.write(response{Error: fmt.Sprintf("malformed request: %v", err)})
			continue
		}

		result, err := s.dispatch(ctx, &req)
		if err != nil {
			log.Warn("%s failed: %v", req.Method, err)
			s.write(response{ID: req.ID, Error: err.Error()})
			continue
		}
		s.write(response{ID: req.ID, Result: result})
	}
	return scanner.Err()
}

func (s *stdioServer) write(resp response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.Marshal(resp)
	if err != nil {
		data, _ = json.Marshal(response{ID: resp.ID, Error: "unencodable response"})
	}
	fmt.Fprintf(s.out, "%s\n", data)
}

func (s *stdioServer) dispatch(ctx context.Context, req *request) (interface{}, error) {
	switch req.Method {
	case "pick_next":
		var p struct {
			WorkerID     string      `json:"worker_id"`
			WorkerType   string      `json:"worker_type"`
			BlockedLanes []task.Lane `json:"blocked_lanes"`
		}
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		return s.broker.PickNext(ctx, p.WorkerID, p.WorkerType, p.BlockedLanes)

	case "worker_heartbeat":
		var p struct {
			WorkerID     string      `json:"worker_id"`
			WorkerType   string      `json:"worker_type"`
			AllowedLanes []task.Lane `json:"allowed_lanes"`
			TaskIDs      []int64     `json:"task_ids"`
		}
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		return s.broker.WorkerHeartbeat(ctx, p.WorkerID, p.WorkerType, p.AllowedLanes, p.TaskIDs)

	case "complete_task":
		var p struct {
			TaskID   int64  `json:"task_id"`
			Output   string `json:"output"`
			OK       bool   `json:"ok"`
			WorkerID string `json:"worker_id"`
			LeaseID  string `json:"lease_id"`
		}
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		return s.broker.CompleteTask(ctx, p.TaskID, p.Output, p.OK, p.WorkerID, p.LeaseID)

	case "accept_plan":
		var p struct {
			Path string `json:"path"`
		}
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		return s.broker.AcceptPlan(ctx, p.Path)

	case "submit_review_decision":
		var p struct {
			TaskID   int64         `json:"task_id"`
			Decision task.Decision `json:"decision"`
			Notes    string        `json:"notes"`
			Actor    task.Actor    `json:"actor"`
		}
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		return s.broker.SubmitReviewDecision(ctx, p.TaskID, p.Decision, p.Notes, p.Actor)

	case "submit_review_packet":
		var p task.ReviewPacket
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		if err := s.broker.SubmitReviewPacket(&p); err != nil {
			return nil, err
		}
		return map[string]string{"status": "OK"}, nil

	case "get_exec_snapshot":
		return s.broker.GetExecSnapshot(ctx), nil

	case "get_context_readiness":
		return s.broker.GetContextReadiness(), nil

	case "post_message":
		var p struct {
			TaskID   int64            `json:"task_id"`
			Role     task.MessageRole `json:"role"`
			Kind     string           `json:"kind"`
			Content  string           `json:"content"`
			WorkerID string           `json:"worker_id"`
		}
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		m := &task.Message{TaskID: p.TaskID, Role: p.Role, Kind: p.Kind, Content: p.Content}
		if err := s.broker.PostMessage(ctx, m, p.WorkerID); err != nil {
			return nil, err
		}
		return map[string]string{"status": "OK"}, nil

	case "list_messages":
		var p struct {
			TaskID int64 `json:"task_id"`
		}
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		return s.broker.ListMessages(ctx, p.TaskID)

	case "requeue_task":
		var p struct {
			TaskID int64 `json:"task_id"`
		}
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		if err := s.broker.Requeue(ctx, p.TaskID); err != nil {
			return nil, err
		}
		return map[string]string{"status": "OK"}, nil

	default:
		return nil, fmt.Errorf("unknown method %q", req.Method)
	}
}

func unmarshalParams(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("malformed params: %w", err)
	}
	return nil
}
