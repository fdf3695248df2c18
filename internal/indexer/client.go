package indexer

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Client turns the engine's message channels into synchronous calls.
// Each call subscribes, sends a request and waits for the matching
// event; ctx bounds the wait. Searches are matched by correlation ID,
// so clients sharing an engine never steal each other's results.
type Client struct {
	engine *Engine
}

func NewClient(e *Engine) *Client {
	return &Client{engine: e}
}

// Search runs a similarity search and waits for its results.
func (c *Client) Search(ctx context.Context, query string, limit int, threshold float32, hybrid bool) ([]Hit, error) {
	ch := c.engine.Subscribe(16)
	defer c.engine.Unsubscribe(ch)

	id := uuid.New().String()
	req := Search{
		Query:         query,
		Limit:         limit,
		Threshold:     threshold,
		Hybrid:        hybrid,
		CorrelationID: id,
	}
	if err := c.engine.Send(ctx, req); err != nil {
		return nil, err
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return nil, errors.New("event stream closed")
			}
			switch m := ev.(type) {
			case SearchResults:
				if m.CorrelationID == id {
					return m.Hits, nil
				}
			case SearchError:
				if m.CorrelationID == id {
					return nil, errors.New(m.Err)
				}
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Stats requests a queue snapshot and waits for it. Any snapshot
// published after the request is a valid answer, including one from a
// concurrent worker cycle.
func (c *Client) Stats(ctx context.Context) (StatsUpdate, error) {
	ch := c.engine.Subscribe(16)
	defer c.engine.Unsubscribe(ch)

	if err := c.engine.Send(ctx, GetStats{}); err != nil {
		return StatsUpdate{}, err
	}
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return StatsUpdate{}, errors.New("event stream closed")
			}
			if m, isStats := ev.(StatsUpdate); isStats {
				return m, nil
			}
		case <-ctx.Done():
			return StatsUpdate{}, ctx.Err()
		}
	}
}

// ModelStatus reports the embedding model state without triggering a
// load.
func (c *Client) ModelStatus(ctx context.Context) (ModelStatus, error) {
	ch := c.engine.Subscribe(16)
	defer c.engine.Unsubscribe(ch)

	if err := c.engine.Send(ctx, CheckModelStatus{}); err != nil {
		return ModelStatus{}, err
	}
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return ModelStatus{}, errors.New("event stream closed")
			}
			if m, isStatus := ev.(ModelStatus); isStatus {
				return m, nil
			}
		case <-ctx.Done():
			return ModelStatus{}, ctx.Err()
		}
	}
}

// RetryFailed re-queues parked items and waits for the refreshed queue
// snapshot.
func (c *Client) RetryFailed(ctx context.Context) (StatsUpdate, error) {
	ch := c.engine.Subscribe(16)
	defer c.engine.Unsubscribe(ch)

	if err := c.engine.Send(ctx, RetryFailed{}); err != nil {
		return StatsUpdate{}, err
	}
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return StatsUpdate{}, errors.New("event stream closed")
			}
			if m, isStats := ev.(StatsUpdate); isStats {
				return m, nil
			}
		case <-ctx.Done():
			return StatsUpdate{}, ctx.Err()
		}
	}
}

// Reconcile runs a reconciliation pass and waits for its summary.
func (c *Client) Reconcile(ctx context.Context) (ReconcileDone, error) {
	ch := c.engine.Subscribe(16)
	defer c.engine.Unsubscribe(ch)

	if err := c.engine.Send(ctx, Reconcile{}); err != nil {
		return ReconcileDone{}, err
	}
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return ReconcileDone{}, errors.New("event stream closed")
			}
			if m, isDone := ev.(ReconcileDone); isDone {
				return m, nil
			}
		case <-ctx.Done():
			return ReconcileDone{}, ctx.Err()
		}
	}
}

// StartProcessing wakes the worker. Fire and forget.
func (c *Client) StartProcessing(ctx context.Context) error {
	return c.engine.Send(ctx, StartProcessing{})
}

// DeleteNote removes a note's queue rows, vectors and index entries.
// Fire and forget; the caller deletes the note row itself.
func (c *Client) DeleteNote(ctx context.Context, noteID string) error {
	return c.engine.Send(ctx, DeleteNote{NoteID: noteID})
}
