// Package transport carries Raft wire messages between nodes over
// HTTP/JSON. Every node both serves the four RPC paths and calls them on
// its peers.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/KilimcininKorOglu/kervan/internal/raft"
)

// RPC paths served and called by every node.
const (
	PathRequestVote        = "/v1/raft/request-vote"
	PathVote               = "/v1/raft/vote"
	PathAppendLogs         = "/v1/raft/append-logs"
	PathCompleteAppendLogs = "/v1/raft/complete-append-logs"
)

// HTTPTransport implements raft.Transport over HTTP/JSON.
type HTTPTransport struct {
	voteClient   *http.Client
	appendClient *http.Client
}

// NewHTTPTransport creates a transport with per-RPC timeout classes:
// vote traffic uses a shorter timeout than replication traffic.
func NewHTTPTransport(voteTimeout, appendTimeout time.Duration) *HTTPTransport {
	if voteTimeout <= 0 {
		voteTimeout = 5 * time.Second
	}
	if appendTimeout <= 0 {
		appendTimeout = 10 * time.Second
	}
	return &HTTPTransport{
		voteClient:   &http.Client{Timeout: voteTimeout},
		appendClient: &http.Client{Timeout: appendTimeout},
	}
}

// RequestVotes implements raft.Transport.
func (t *HTTPTransport) RequestVotes(ctx context.Context, target string, req *raft.VoteRequest) error {
	return t.post(ctx, t.voteClient, target, PathRequestVote, req, nil)
}

// Vote implements raft.Transport.
func (t *HTTPTransport) Vote(ctx context.Context, target string, req *raft.VoteRequest) error {
	return t.post(ctx, t.voteClient, target, PathVote, req, nil)
}

// AppendLogs implements raft.Transport.
func (t *HTTPTransport) AppendLogs(ctx context.Context, target string, req *raft.AppendLogsRequest) (*raft.AppendLogsResponse, error) {
	var resp raft.AppendLogsResponse
	if err := t.post(ctx, t.appendClient, target, PathAppendLogs, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CompleteAppendLogs implements raft.Transport.
func (t *HTTPTransport) CompleteAppendLogs(ctx context.Context, target string, req *raft.CompleteAppendLogsRequest) error {
	return t.post(ctx, t.appendClient, target, PathCompleteAppendLogs, req, nil)
}

// post sends a JSON body and optionally decodes the JSON response.
func (t *HTTPTransport) post(ctx context.Context, client *http.Client, target, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "transport: encoding request")
	}

	url := fmt.Sprintf("http://%s%s", target, path)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "transport: building request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return errors.Wrapf(err, "transport: calling %s on %s", path, target)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("transport: %s on %s returned %d", path, target, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrap(err, "transport: decoding response")
		}
	}
	return nil
}
