package nexus

import (
	"context"
	"time"

	"github.com/io-engine/io-engine/internal/logger"
	"github.com/io-engine/io-engine/pkg/bdev"
	"github.com/io-engine/io-engine/pkg/ioerr"
)

// SnapshotReplicaSpec names one replica a volume-level snapshot request
// covers. Replicas marked Skip are not snapshotted by this nexus (they
// belong to a sibling nexus, or have no live nexus at all) but must still
// be echoed back in the result.
type SnapshotReplicaSpec struct {
	UUID string
	Skip bool
}

// SnapshotParams is the caller-supplied identity of the snapshot being
// taken, passed through unchanged to the child's CreateSnapshot call.
type SnapshotParams struct {
	EntityID     string
	ParentID     string
	TxnID        string
	Name         string
	SnapshotUUID string
	CreateTime   time.Time
	Replicas     []SnapshotReplicaSpec
}

// SnapshotReplicaResult is one replica's outcome from a snapshot request.
type SnapshotReplicaResult struct {
	UUID string
	Err  error
}

// SnapshotResult is the outcome of CreateSnapshot: per-replica status for
// every replica this nexus actually snapshotted, plus the UUIDs of every
// replica the request named but marked Skip.
type SnapshotResult struct {
	Results []SnapshotReplicaResult
	Skipped []string
}

// CreateSnapshot is a 1-replica-nexus operation: it validates the
// nexus has exactly one child and that child is Healthy, pauses I/O,
// invokes the replica snapshot through the child's handle, and resumes
// I/O. Replica UUIDs in params.Replicas that don't belong to this nexus's
// sole child are treated the same as Skip=true entries: there is no
// handle for them here, so they can only be echoed back, not snapshotted
// (an Open Question decision — see DESIGN.md).
func (n *Nexus) CreateSnapshot(ctx context.Context, params SnapshotParams) (*SnapshotResult, error) {
	n.mu.RLock()
	if len(n.children) != 1 {
		n.mu.RUnlock()
		return nil, ioerr.New(ioerr.FailedPrecondition, "nexus %s snapshot requires exactly one replica, has %d", n.Name, len(n.children))
	}
	child := n.children[0]
	n.mu.RUnlock()

	if child.State() != ChildOpen {
		return nil, ioerr.New(ioerr.FailedPrecondition, "nexus %s sole replica %s is not healthy", n.Name, child.URI)
	}

	if err := n.Pause(ctx); err != nil {
		return nil, err
	}
	defer n.Resume(ctx)

	id, status := child.handle.CreateSnapshot(ctx, bdev.SnapshotParams{
		EntityID:     params.EntityID,
		ParentID:     params.ParentID,
		TxnID:        params.TxnID,
		Name:         params.Name,
		SnapshotUUID: params.SnapshotUUID,
		CreateTime:   params.CreateTime,
	})

	result := &SnapshotResult{}
	childUUID := child.UUID.String()
	for _, r := range params.Replicas {
		if r.Skip || r.UUID != childUUID {
			result.Skipped = append(result.Skipped, r.UUID)
			continue
		}
		result.Results = append(result.Results, SnapshotReplicaResult{UUID: r.UUID, Err: status.Err()})
	}

	logger.Info("nexus snapshot taken", "nexus", n.Name, "child", child.URI, "snapshot_id", id, "err", status.Err())
	return result, nil
}
