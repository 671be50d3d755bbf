package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Conflux/pkg/checkpoint"
	cferrors "github.com/wehubfusion/Conflux/pkg/errors"
	"github.com/wehubfusion/Conflux/pkg/execution"
)

// Node result statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// NodeResultMeta contains metadata about a node execution
type NodeResultMeta struct {
	Status          string `json:"status"`
	NodeID          string `json:"node_id"`
	NodeType        string `json:"node_type"`
	Attempt         int    `json:"attempt"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
}

// NodeResultEvents contains event endpoint flags
type NodeResultEvents struct {
	Success *bool `json:"success,omitempty"`
	Error   *bool `json:"error,omitempty"`
}

// NodeResultError contains error information when a node fails
type NodeResultError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// NodeResult is the recorded outcome of a node's latest attempt.
type NodeResult struct {
	Meta   NodeResultMeta   `json:"_meta"`
	Events NodeResultEvents `json:"_events"`
	Error  *NodeResultError `json:"_error,omitempty"`
	Result any              `json:"result"`
}

// ResultFile maps node ids to their latest result.
// Format: { "<node_id>": NodeResult, ... }
type ResultFile map[string]*NodeResult

// ResultFilePath returns the standard blob path for a run's result file
func ResultFilePath(graphID, runID string) string {
	return fmt.Sprintf("results/%s/%s/results.json", graphID, runID)
}

// NewNodeResult builds a NodeResult with the event flag matching status.
func NewNodeResult(a execution.Attempt, status string, elapsed time.Duration, result any, errInfo *NodeResultError) *NodeResult {
	nr := &NodeResult{
		Meta: NodeResultMeta{
			Status:          status,
			NodeID:          a.NodeID,
			NodeType:        a.NodeType,
			Attempt:         a.Number,
			ExecutionTimeMs: elapsed.Milliseconds(),
		},
		Result: result,
	}
	flag := true
	switch status {
	case StatusSuccess:
		nr.Events.Success = &flag
	case StatusFailed:
		nr.Events.Error = &flag
		nr.Error = errInfo
	}
	return nr
}

// ResultRecorder keeps one result file per run in a blob store. It is an
// execution.Hook: every attempt outcome overwrites the node's entry.
type ResultRecorder struct {
	store   checkpoint.BlobStore
	graphID string
	runID   string
	logger  *zap.Logger
	mu      sync.Mutex
}

// NewResultRecorder creates a recorder writing to
// ResultFilePath(graphID, runID) in store.
func NewResultRecorder(store checkpoint.BlobStore, graphID, runID string, logger *zap.Logger) *ResultRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResultRecorder{
		store:   store,
		graphID: graphID,
		runID:   runID,
		logger:  logger,
	}
}

// Path returns the blob path of the result file.
func (r *ResultRecorder) Path() string {
	return ResultFilePath(r.graphID, r.runID)
}

// Record adds or replaces a node's entry. The file is read, updated and
// written back under the recorder's lock.
func (r *ResultRecorder) Record(ctx context.Context, nodeID string, result *NodeResult) error {
	if r.store == nil {
		return fmt.Errorf("blob store not initialized")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	path := r.Path()
	file := make(ResultFile)
	existing, err := r.store.Read(ctx, path)
	switch {
	case errors.Is(err, checkpoint.ErrBlobNotFound):
		r.logger.Debug("Result file doesn't exist yet, creating new", zap.String("blob_path", path))
	case err != nil:
		return fmt.Errorf("failed to read result file: %w", err)
	default:
		if err := json.Unmarshal(existing, &file); err != nil {
			r.logger.Error("Failed to parse existing result file, starting fresh",
				zap.String("blob_path", path),
				zap.Error(err))
			file = make(ResultFile)
		}
	}

	file[nodeID] = result
	data, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("failed to marshal result file: %w", err)
	}
	if err := r.store.Write(ctx, path, data); err != nil {
		return fmt.Errorf("failed to write result file: %w", err)
	}

	r.logger.Debug("Recorded node result",
		zap.String("graph_id", r.graphID),
		zap.String("run_id", r.runID),
		zap.String("node_id", nodeID),
		zap.Int("total_nodes", len(file)))
	return nil
}

// Results reads the whole result file.
func (r *ResultRecorder) Results(ctx context.Context) (ResultFile, error) {
	data, err := r.store.Read(ctx, r.Path())
	if err != nil {
		return nil, fmt.Errorf("failed to read result file: %w", err)
	}
	var file ResultFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse result file: %w", err)
	}
	return file, nil
}

// NodeResult returns one node's entry.
func (r *ResultRecorder) NodeResult(ctx context.Context, nodeID string) (*NodeResult, error) {
	file, err := r.Results(ctx)
	if err != nil {
		return nil, err
	}
	result, ok := file[nodeID]
	if !ok {
		return nil, fmt.Errorf("node result not found: %s", nodeID)
	}
	return result, nil
}

// BeforeExecute implements execution.Hook.
func (r *ResultRecorder) BeforeExecute(context.Context, execution.Attempt) {}

// AfterExecute implements execution.Hook.
func (r *ResultRecorder) AfterExecute(ctx context.Context, a execution.Attempt, outputs map[string]any) {
	r.record(ctx, a, NewNodeResult(a, StatusSuccess, time.Since(a.StartedAt), outputs, nil))
}

// OnError implements execution.Hook.
func (r *ResultRecorder) OnError(ctx context.Context, a execution.Attempt, err error) {
	info := &NodeResultError{
		Code:      cferrors.CategorizeError(err),
		Message:   err.Error(),
		Retryable: cferrors.IsRetryable(err),
	}
	r.record(ctx, a, NewNodeResult(a, StatusFailed, time.Since(a.StartedAt), nil, info))
}

func (r *ResultRecorder) record(ctx context.Context, a execution.Attempt, result *NodeResult) {
	if err := r.Record(ctx, a.NodeID, result); err != nil {
		r.logger.Warn("Failed to record node result",
			zap.String("node_id", a.NodeID),
			zap.Int("attempt", a.Number),
			zap.Error(err))
	}
}

var _ execution.Hook = (*ResultRecorder)(nil)
