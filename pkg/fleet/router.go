// Package fleet routes process commands to the node that owns the
// process and aggregates cluster-wide status. Commands for the local node
// go straight to the supervisor; remote commands are JSON over HTTP
// against the peer's API. A watcher re-publishes remote lifecycle events
// on the local bus so every node sees a unified view.
package fleet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/zelan-stream/zelan/pkg/models"
	"github.com/zelan-stream/zelan/pkg/supervisor"
)

// rpcDeadline bounds every cross-node request. On expiry the request is
// abandoned; a late reply is discarded by the transport.
const rpcDeadline = 5 * time.Second

// Stable routing errors, distinct from the supervisor's per-process ones.
var (
	ErrNodeNotFound    = errors.New("node_not_found")
	ErrNodeUnreachable = errors.New("node_unreachable")
	ErrTimeout         = errors.New("timeout")
)

// AddProcessRequest is the wire shape of a process registration, shared
// by the router client and the HTTP API.
type AddProcessRequest struct {
	ID   string             `json:"id"`
	Spec models.ProcessSpec `json:"spec"`
}

// ClusterStatus is the aggregated fleet view. Unreachable peers are
// reported, never silently dropped.
type ClusterStatus struct {
	Nodes            map[string][]models.ProcessStatus `json:"nodes"`
	UnreachableNodes []string                          `json:"unreachable_nodes"`
}

// Router directs process commands by node id.
type Router struct {
	localNode string
	sup       *supervisor.Supervisor
	peers     map[string]string // node id → base URL
	client    *http.Client
	logger    *slog.Logger
}

// NewRouter creates a router for the local supervisor and the configured
// peer set.
func NewRouter(localNode string, sup *supervisor.Supervisor, peers map[string]string) *Router {
	return &Router{
		localNode: localNode,
		sup:       sup,
		peers:     peers,
		client:    &http.Client{Timeout: rpcDeadline},
		logger:    slog.With("component", "fleet", "node", localNode),
	}
}

// LocalNode returns this node's id.
func (r *Router) LocalNode() string { return r.localNode }

// Add registers a process on the target node.
func (r *Router) Add(ctx context.Context, node, id string, spec models.ProcessSpec) error {
	if r.isLocal(node) {
		return r.sup.Add(id, spec)
	}
	base, err := r.peer(node)
	if err != nil {
		return err
	}
	body, err := json.Marshal(AddProcessRequest{ID: id, Spec: spec})
	if err != nil {
		return fmt.Errorf("encode add request: %w", err)
	}
	return r.call(ctx, node, http.MethodPost, base+"/api/v1/processes", body, nil)
}

// Start launches a process on the target node.
func (r *Router) Start(ctx context.Context, node, id string) error {
	if r.isLocal(node) {
		return r.sup.Start(id)
	}
	base, err := r.peer(node)
	if err != nil {
		return err
	}
	return r.call(ctx, node, http.MethodPost, base+"/api/v1/processes/"+id+"/start", nil, nil)
}

// Stop terminates a process on the target node.
func (r *Router) Stop(ctx context.Context, node, id string) error {
	if r.isLocal(node) {
		return r.sup.Stop(id)
	}
	base, err := r.peer(node)
	if err != nil {
		return err
	}
	return r.call(ctx, node, http.MethodPost, base+"/api/v1/processes/"+id+"/stop", nil, nil)
}

// Remove deletes a process record on the target node.
func (r *Router) Remove(ctx context.Context, node, id string) error {
	if r.isLocal(node) {
		return r.sup.Remove(id)
	}
	base, err := r.peer(node)
	if err != nil {
		return err
	}
	return r.call(ctx, node, http.MethodDelete, base+"/api/v1/processes/"+id, nil, nil)
}

// Status fetches one process record from the target node.
func (r *Router) Status(ctx context.Context, node, id string) (models.ProcessStatus, error) {
	if r.isLocal(node) {
		return r.sup.Status(id)
	}
	base, err := r.peer(node)
	if err != nil {
		return models.ProcessStatus{}, err
	}
	var status models.ProcessStatus
	if err := r.call(ctx, node, http.MethodGet, base+"/api/v1/processes/"+id, nil, &status); err != nil {
		return models.ProcessStatus{}, err
	}
	return status, nil
}

// List returns the process records of one node.
func (r *Router) List(ctx context.Context, node string) ([]models.ProcessStatus, error) {
	if r.isLocal(node) {
		return r.sup.List(), nil
	}
	base, err := r.peer(node)
	if err != nil {
		return nil, err
	}
	var list []models.ProcessStatus
	if err := r.call(ctx, node, http.MethodGet, base+"/api/v1/processes", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// ClusterStatus fans out to every node concurrently. One slow peer never
// blocks the aggregation: its result is replaced by an unreachable_nodes
// entry and the partial view is returned.
func (r *Router) ClusterStatus(ctx context.Context) ClusterStatus {
	out := ClusterStatus{Nodes: map[string][]models.ProcessStatus{
		r.localNode: r.sup.List(),
	}}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for node := range r.peers {
		wg.Add(1)
		go func(node string) {
			defer wg.Done()
			nctx, cancel := context.WithTimeout(ctx, rpcDeadline)
			defer cancel()
			list, err := r.List(nctx, node)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.logger.Warn("Peer unreachable during aggregation", "peer", node, "error", err)
				out.UnreachableNodes = append(out.UnreachableNodes, node)
				return
			}
			out.Nodes[node] = list
		}(node)
	}
	wg.Wait()
	sort.Strings(out.UnreachableNodes)
	return out
}

func (r *Router) isLocal(node string) bool {
	return node == "" || node == r.localNode
}

func (r *Router) peer(node string) (string, error) {
	base, ok := r.peers[node]
	if !ok {
		return "", fmt.Errorf("node %q: %w", node, ErrNodeNotFound)
	}
	return base, nil
}

// call performs one RPC and maps transport failures to routing errors and
// peer error replies back to the supervisor's stable values.
func (r *Router) call(ctx context.Context, node, method, url string, body []byte, result any) error {
	ctx, cancel := context.WithTimeout(ctx, rpcDeadline)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build request for node %q: %w", node, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("node %q: %w", node, ErrTimeout)
		}
		return fmt.Errorf("node %q: %w: %v", node, ErrNodeUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return remoteError(node, resp)
	}
	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode reply from node %q: %w", node, err)
		}
	}
	return nil
}

// remoteError turns a peer's {"error": code} reply back into the matching
// sentinel so callers handle local and remote failures identically.
func remoteError(node string, resp *http.Response) error {
	var reply struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(data, &reply)

	var sentinel error
	switch reply.Error {
	case supervisor.ErrAlreadyExists.Error():
		sentinel = supervisor.ErrAlreadyExists
	case supervisor.ErrNotFound.Error():
		sentinel = supervisor.ErrNotFound
	case supervisor.ErrBusy.Error():
		sentinel = supervisor.ErrBusy
	case supervisor.ErrPortInUse.Error():
		sentinel = supervisor.ErrPortInUse
	case supervisor.ErrInvalidState.Error():
		sentinel = supervisor.ErrInvalidState
	default:
		return fmt.Errorf("node %q: http %d: %s", node, resp.StatusCode, reply.Error)
	}
	if reply.Message != "" {
		return fmt.Errorf("node %q: %s: %w", node, reply.Message, sentinel)
	}
	return fmt.Errorf("node %q: %w", node, sentinel)
}
