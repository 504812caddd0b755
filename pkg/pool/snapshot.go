package pool

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/io-engine/io-engine/internal/logger"
	"github.com/io-engine/io-engine/pkg/ioerr"
)

// Reserved property keys under which a snapshot's identity is persisted.
// These live alongside "shared" in the same per-replica property
// namespace (pkg/persist.Store.PutProperty keyed by replica UUID).
const (
	propTxnID      = "tx_id"
	propEntityID   = "entity_id"
	propParentID   = "parent_id"
	propUUID       = "uuid"
	propCreateTime = "snapshot_create_time"
	propDiscarded  = "discarded_snapshot"
	propShared     = "shared"
)

// SnapshotParams carries the caller-supplied identity of a snapshot
// request: entity_id, parent_id, txn_id, snap_name, snapshot_uuid, and
// create_time.
type SnapshotParams struct {
	EntityID     string
	ParentID     string
	TxnID        string
	Name         string
	SnapshotUUID string
	CreateTime   time.Time
}

// CreateSnapshot freezes sourceName's current data as a new read-only
// replica and leaves sourceName writing into a fresh, empty blob chained to
// it, using a redirect-on-write model. Returns the snapshot's UUID.
func (p *Pool) CreateSnapshot(ctx context.Context, sourceName string, params SnapshotParams) (string, error) {
	p.mu.Lock()
	src, ok := p.replicas[sourceName]
	p.mu.Unlock()
	if !ok {
		return "", ioerr.New(ioerr.NotFound, "replica %q not found in pool %s", sourceName, p.Name)
	}

	src.mu.Lock()
	if src.role == roleSnapshot {
		src.mu.Unlock()
		return "", ioerr.New(ioerr.FailedPrecondition, "cannot snapshot a snapshot")
	}

	snapID := params.SnapshotUUID
	snapUUID, err := uuid.Parse(snapID)
	if err != nil {
		src.mu.Unlock()
		return "", ioerr.Wrap(ioerr.InvalidArgument, err, "invalid snapshot uuid %q", snapID)
	}

	snapshotBlob, headBlob := snapshotOf(src.blob)

	snap := &Replica{
		Name:     params.Name,
		UUID:     snapUUID,
		EntityID: params.EntityID,
		pool:     p,
		role:     roleSnapshot,
		size:     src.size,
		thin:     true,
		shared:   ShareOff,
		clones:   make(map[uuid.UUID]bool),
		blob:     snapshotBlob,
	}
	if err := snap.attachDevice(ctx); err != nil {
		src.mu.Unlock()
		return "", err
	}

	src.blob = headBlob
	src.backend.mu.Lock()
	src.backend.blob = headBlob
	src.backend.mu.Unlock()
	src.snapshots = append(src.snapshots, snap.UUID)
	src.mu.Unlock()

	if err := p.persistSnapshotProperties(ctx, snap, params); err != nil {
		return "", err
	}

	p.mu.Lock()
	p.replicas[snap.Name] = snap
	p.mu.Unlock()

	logger.Info("snapshot created", "pool", p.Name, "source", sourceName, "snapshot", snap.Name, "uuid", snap.UUID)
	return snap.UUID.String(), nil
}

func (p *Pool) persistSnapshotProperties(ctx context.Context, snap *Replica, params SnapshotParams) error {
	kv := map[string][]byte{
		propTxnID:      []byte(params.TxnID),
		propEntityID:   []byte(params.EntityID),
		propParentID:   []byte(params.ParentID),
		propUUID:       []byte(snap.UUID.String()),
		propCreateTime: mustJSON(params.CreateTime),
		propDiscarded:  []byte("false"),
	}
	for k, v := range kv {
		if err := p.store.PutProperty(ctx, snap.UUID.String(), k, v); err != nil {
			return ioerr.Wrap(ioerr.Internal, err, "persisting snapshot property %q", k)
		}
	}
	return nil
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

// Clone creates a writable replica backed by a snapshot: reads of clusters
// the clone has not yet written fall through to the snapshot's data.
func (p *Pool) Clone(ctx context.Context, snapshotName, name string, id uuid.UUID, entityID string) (*Replica, error) {
	p.mu.Lock()
	snap, ok := p.replicas[snapshotName]
	p.mu.Unlock()
	if !ok {
		return nil, ioerr.New(ioerr.NotFound, "snapshot %q not found in pool %s", snapshotName, p.Name)
	}

	snap.mu.Lock()
	if snap.role != roleSnapshot {
		snap.mu.Unlock()
		return nil, ioerr.New(ioerr.FailedPrecondition, "%q is not a snapshot", snapshotName)
	}
	parent := snap.UUID
	clone := &Replica{
		Name:       name,
		UUID:       id,
		EntityID:   entityID,
		pool:       p,
		role:       roleClone,
		size:       snap.size,
		thin:       true,
		shared:     ShareOff,
		parentUUID: &parent,
		blob:       newBlob(p.clusters, snap.blob),
	}
	snap.clones[id] = true
	snap.mu.Unlock()

	if err := clone.attachDevice(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.replicas[clone.Name] = clone
	p.mu.Unlock()

	logger.Info("clone created", "pool", p.Name, "snapshot", snapshotName, "clone", clone.Name, "uuid", clone.UUID)
	return clone, nil
}

// DestroyReplica removes name from the pool, applying the snapshot/clone
// destroy rules:
//   - a replica with descendant (live) snapshots cannot be destroyed
//   - a snapshot with live clones is marked discarded instead of destroyed
//   - destroying the last clone of a discarded snapshot also destroys it
func (p *Pool) DestroyReplica(ctx context.Context, name string) error {
	p.mu.Lock()
	r, ok := p.replicas[name]
	p.mu.Unlock()
	if !ok {
		return ioerr.New(ioerr.NotFound, "replica %q not found in pool %s", name, p.Name)
	}
	return p.destroyReplica(ctx, r)
}

func (p *Pool) destroyReplica(ctx context.Context, r *Replica) error {
	r.mu.Lock()

	if len(r.liveSnapshots()) > 0 {
		r.mu.Unlock()
		return ioerr.New(ioerr.FailedPrecondition, "replica %s has descendant snapshots", r.Name)
	}

	if r.role == roleSnapshot {
		if len(r.clones) > 0 {
			r.discarded = true
			r.mu.Unlock()
			return p.store.PutProperty(ctx, r.UUID.String(), propDiscarded, []byte("true"))
		}
	}

	parent := r.parentUUID
	r.mu.Unlock()

	if err := p.tearDownReplica(ctx, r); err != nil {
		return err
	}

	if parent == nil {
		return nil
	}

	p.mu.Lock()
	snap := p.findByUUID(*parent)
	p.mu.Unlock()
	if snap == nil {
		return nil
	}

	snap.mu.Lock()
	delete(snap.clones, r.UUID)
	autoDestroy := snap.discarded && len(snap.clones) == 0
	snap.mu.Unlock()

	if autoDestroy {
		return p.destroyReplica(ctx, snap)
	}
	return nil
}

// liveSnapshots filters r.snapshots down to the ones this pool still knows
// about (an already-destroyed snapshot no longer counts as a descendant).
func (r *Replica) liveSnapshots() []uuid.UUID {
	live := r.snapshots[:0:0]
	for _, id := range r.snapshots {
		if r.pool.findByUUID(id) != nil {
			live = append(live, id)
		}
	}
	return live
}

func (p *Pool) findByUUID(id uuid.UUID) *Replica {
	for _, r := range p.replicas {
		if r.UUID == id {
			return r
		}
	}
	return nil
}

func (p *Pool) tearDownReplica(ctx context.Context, r *Replica) error {
	if err := p.registry.Unregister(r.device.Name); err != nil {
		return err
	}
	r.blob.release()
	if err := p.store.DeleteProperties(ctx, r.UUID.String()); err != nil {
		return ioerr.Wrap(ioerr.Internal, err, "deleting properties for replica %s", r.Name)
	}

	p.mu.Lock()
	delete(p.replicas, r.Name)
	p.mu.Unlock()
	return nil
}
