package remoteclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/mbd888/escrowsync/internal/documents"
	"github.com/mbd888/escrowsync/internal/pagination"
	"github.com/mbd888/escrowsync/internal/replication"
)

// CollectionClient is the HTTP replication.Remote for one collection.
type CollectionClient[T documents.Replicable[T]] struct {
	c    *Client
	name string
}

// Collection returns the remote for collection name.
func Collection[T documents.Replicable[T]](c *Client, name string) *CollectionClient[T] {
	return &CollectionClient[T]{c: c, name: name}
}

type documentsBody struct {
	Documents  []json.RawMessage `json:"documents"`
	Checkpoint string            `json:"checkpoint,omitempty"`
}

// Pull fetches one batch. The result carries the server's cursor, which
// moves past documents that failed to decode.
func (cc *CollectionClient[T]) Pull(ctx context.Context, req replication.PullRequest) (replication.PullResult[T], error) {
	q := url.Values{}
	if req.BatchSize > 0 {
		q.Set("batchSize", strconv.Itoa(req.BatchSize))
	}
	if cp := req.Checkpoint.Encode(); cp != "" {
		q.Set("checkpoint", cp)
	}
	if req.MinUpdatedAt > 0 {
		q.Set("minUpdatedAt", strconv.FormatInt(req.MinUpdatedAt, 10))
	}

	var body documentsBody
	if err := cc.c.do(ctx, cc.name, true, http.MethodGet, "/v1/replication/"+cc.name+"/pull", q, nil, &body); err != nil {
		return replication.PullResult[T]{}, err
	}
	res := replication.PullResult[T]{
		Docs:       cc.decode(body.Documents),
		Checkpoint: req.Checkpoint,
		Fetched:    len(body.Documents),
	}
	if body.Checkpoint != "" {
		cp, err := pagination.Decode(body.Checkpoint)
		if err != nil {
			return replication.PullResult[T]{}, fmt.Errorf("pull %s: server checkpoint: %w", cc.name, err)
		}
		res.Checkpoint = cp
	}
	return res, nil
}

// Push sends docs and returns the server's canonical copies. Push is
// idempotent on the server, so it is retried like a pull.
func (cc *CollectionClient[T]) Push(ctx context.Context, docs []T) ([]T, error) {
	var body documentsBody
	if err := cc.c.do(ctx, cc.name, true, http.MethodPost, "/v1/replication/"+cc.name+"/push", nil, docs, &body); err != nil {
		return nil, err
	}
	return cc.decode(body.Documents), nil
}

// decode skips items that do not parse so one bad document cannot wedge
// a collection.
func (cc *CollectionClient[T]) decode(raw []json.RawMessage) []T {
	out := make([]T, 0, len(raw))
	for i, item := range raw {
		var doc T
		if err := json.Unmarshal(item, &doc); err != nil {
			cc.c.logger.Warn("skipping undecodable remote document", "collection", cc.name, "index", i, "error", err)
			continue
		}
		out = append(out, doc)
	}
	return out
}
