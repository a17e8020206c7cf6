package bridge

import (
	"context"
	"sync"
	"time"
)

// Operation is a target request forwarded to the native side. It resolves
// exactly once: on completion, on deadline expiry, or when its device is
// removed.
type Operation struct {
	ID            string        `json:"id"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Kind          OperationKind `json:"kind"`
	DeviceID      string        `json:"device"`
	Endpoint      EndpointID    `json:"endpoint"`
	Cluster       uint32        `json:"cluster"`
	Target        uint32        `json:"target"`
	Deadline      time.Time     `json:"deadline"`

	done chan struct{}
	once sync.Once
	err  error
}

func newOperation(id, correlation string, kind OperationKind, entry MappingEntry, cluster, target uint32, deadline time.Time) *Operation {
	return &Operation{
		ID:            id,
		CorrelationID: correlation,
		Kind:          kind,
		DeviceID:      entry.DeviceID,
		Endpoint:      entry.ID,
		Cluster:       cluster,
		Target:        target,
		Deadline:      deadline,
		done:          make(chan struct{}),
	}
}

// resolve completes the operation. Only the first call has effect; it
// reports whether this call resolved it.
func (op *Operation) resolve(err error) bool {
	resolved := false
	op.once.Do(func() {
		op.err = err
		close(op.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the operation has resolved.
func (op *Operation) Done() <-chan struct{} {
	return op.done
}

// Err returns the outcome. It is only meaningful after Done is closed.
func (op *Operation) Err() error {
	select {
	case <-op.done:
		return op.err
	default:
		return nil
	}
}

// Wait blocks until the operation resolves or ctx ends. A ctx ending only
// stops the wait; the operation itself keeps its own deadline.
func (op *Operation) Wait(ctx context.Context) error {
	select {
	case <-op.done:
		return op.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Result renders the outcome as an event payload.
func (op *Operation) Result() OperationResult {
	r := OperationResult{
		ID:            op.ID,
		CorrelationID: op.CorrelationID,
		Kind:          op.Kind,
		Endpoint:      op.Endpoint,
		Cluster:       op.Cluster,
		Target:        op.Target,
		Status:        StatusOf(op.Err()),
	}
	if err := op.Err(); err != nil {
		r.Error = err.Error()
	}
	return r
}
