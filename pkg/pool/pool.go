// Package pool implements the Logical Volume Store (LVS) layer: it
// imports or creates a pool over a raw BlockDevice, and creates, resizes,
// shares, snapshots, and clones the thin-provisioned replicas carved from
// it. It sits directly on top of pkg/bdev (the base device and every
// replica's own published BlockDevice) and pkg/persist (replica property
// persistence, so sharing and snapshot identity survive a pool re-import).
package pool

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/io-engine/io-engine/internal/bytesize"
	"github.com/io-engine/io-engine/internal/logger"
	"github.com/io-engine/io-engine/pkg/bdev"
	"github.com/io-engine/io-engine/pkg/ioerr"
	"github.com/io-engine/io-engine/pkg/persist"
	"github.com/io-engine/io-engine/pkg/uri"
)

const (
	// defaultClusterSize matches SPDK/Mayastor's default LVS cluster size.
	defaultClusterSize = 4 * bytesize.MiB
	// purgeWipeSize is how much of the base device's head is zeroed before
	// a Purge-mode create.
	purgeWipeSize = 8 * bytesize.MiB

	poolNamespacePrefix = "pool:"
	propPoolMetadata    = "pool_metadata"
	propReplicaIndex    = "replica_index"
)

// poolMetadata is the durable record written to the pool's own property
// namespace (keyed by "pool:<uuid>") so a later Import/CreateOrImport can
// tell whether this base device already carries a pool, and recover its
// identity without reformatting.
type poolMetadata struct {
	Name        string
	UUID        uuid.UUID
	ClusterSize uint64
	DeviceName  string
}

// replicaRecord is the durable identity of one replica, stored as part of
// the pool's replica index so names/UUIDs/shares survive re-import. Blob
// contents are not part of the durable format: this implementation keeps
// cluster allocation in-memory only (see DESIGN.md).
type replicaRecord struct {
	Name     string
	UUID     uuid.UUID
	EntityID string
	Size     uint64
	Thin     bool
	Shared   ShareProtocol
}

// Pool is an imported Logical Volume Store.
type Pool struct {
	mu sync.Mutex

	Name string
	UUID uuid.UUID

	device      *bdev.BlockDevice
	handle      *bdev.Handle
	clusterSize bytesize.ByteSize
	clusters    *clusterAllocator

	state    State
	replicas map[string]*Replica

	store    persist.Store
	registry *bdev.Registry
}

// Import opens or creates a pool described by an `lvs://` URI (see
// pkg/uri.ParseLvs), applying the create/import/create-or-import/purge
// mode semantics.
func Import(ctx context.Context, registry *bdev.Registry, store persist.Store, rawLvsURI string) (*Pool, error) {
	lvs, err := uri.ParseLvs(rawLvsURI)
	if err != nil {
		return nil, err
	}

	devURI, err := uri.ParseDevice(lvs.DiskURI)
	if err != nil {
		return nil, err
	}
	dev, err := registry.Lookup(devURI.Name)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		Name:     lvs.PoolName,
		device:   dev,
		state:    Importing,
		replicas: make(map[string]*Replica),
		store:    store,
		registry: registry,
	}

	guard, err := dev.Open(true, poolNamespacePrefix+lvs.PoolName)
	if err != nil {
		return nil, err
	}
	p.handle = guard.IntoHandle()

	existing, findErr := p.findExistingMetadata(ctx)

	switch lvs.Mode {
	case uri.LvsModeCreate:
		if findErr == nil {
			p.rollback(guard)
			return nil, ioerr.New(ioerr.AlreadyExists, "pool metadata already present on %s", devURI.Name)
		}
		err = p.format(ctx, lvs)

	case uri.LvsModeImport:
		if findErr != nil {
			p.rollback(guard)
			return nil, ioerr.New(ioerr.NotFound, "no pool metadata on %s", devURI.Name)
		}
		if existing.Name != lvs.PoolName {
			p.rollback(guard)
			return nil, ioerr.New(ioerr.InvalidArgument, "device %s holds pool %q, not %q", devURI.Name, existing.Name, lvs.PoolName)
		}
		err = p.reimport(ctx, existing)

	case uri.LvsModeCreateImport:
		if findErr == nil {
			err = p.reimport(ctx, existing)
		} else {
			err = p.format(ctx, lvs)
		}

	case uri.LvsModePurge:
		if status := p.handle.WriteZeroesAt(ctx, 0, purgeWipeSize.Uint64()); status.Err() != nil {
			p.rollback(guard)
			return nil, status.Err()
		}
		err = p.format(ctx, lvs)

	default:
		err = ioerr.New(ioerr.InvalidArgument, "unknown lvs mode %q", lvs.Mode)
	}

	if err != nil {
		p.rollback(guard)
		return nil, err
	}

	p.state = Imported
	logger.Info("pool imported", "pool", p.Name, "uuid", p.UUID, "mode", lvs.Mode, "device", devURI.Name)
	return p, nil
}

func (p *Pool) rollback(guard *bdev.DescriptorGuard) {
	guard.Close()
}

func (p *Pool) findExistingMetadata(ctx context.Context) (poolMetadata, error) {
	// Pool metadata is namespaced under "pool:" plus the base device's name
	// rather than a replica UUID, since it describes the pool itself, not
	// any one replica.
	raw, err := p.store.GetProperty(ctx, p.metadataNamespace(), propPoolMetadata)
	if err != nil {
		return poolMetadata{}, err
	}
	var meta poolMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return poolMetadata{}, ioerr.Wrap(ioerr.Internal, err, "corrupt pool metadata")
	}
	return meta, nil
}

// metadataNamespace is a stable key independent of the pool's own (not yet
// known, on first create) UUID: "pool:" plus the base device's name.
func (p *Pool) metadataNamespace() string {
	return poolNamespacePrefix + p.device.Name
}

func (p *Pool) format(ctx context.Context, lvs *uri.Lvs) error {
	p.UUID = uuid.New()
	p.clusterSize = lvs.ClusterSize
	if p.clusterSize == 0 {
		p.clusterSize = defaultClusterSize
	}

	capacity := p.device.BlockCount * uint64(p.device.BlockSize)
	clusterCount := capacity / p.clusterSize.Uint64()
	p.clusters = newClusterAllocator(clusterCount)

	return p.persistMetadata(ctx)
}

func (p *Pool) persistMetadata(ctx context.Context) error {
	meta := poolMetadata{Name: p.Name, UUID: p.UUID, ClusterSize: p.clusterSize.Uint64(), DeviceName: p.device.Name}
	raw, _ := json.Marshal(meta)
	if err := p.store.PutProperty(ctx, p.metadataNamespace(), propPoolMetadata, raw); err != nil {
		return ioerr.Wrap(ioerr.Internal, err, "persisting pool metadata")
	}
	return nil
}

// reimport restores pool identity and cluster geometry from persisted
// metadata, and recreates replica objects (sans their blob extents, which
// are not part of the durable format) from the persisted replica index so
// names, UUIDs, and share protocol survive the re-import.
func (p *Pool) reimport(ctx context.Context, meta poolMetadata) error {
	p.UUID = meta.UUID
	p.clusterSize = bytesize.ByteSize(meta.ClusterSize)
	capacity := p.device.BlockCount * uint64(p.device.BlockSize)
	p.clusters = newClusterAllocator(capacity / p.clusterSize.Uint64())

	raw, err := p.store.GetProperty(ctx, p.metadataNamespace(), propReplicaIndex)
	if ioerr.Is(err, ioerr.NotFound) {
		return nil
	}
	if err != nil {
		return ioerr.Wrap(ioerr.Internal, err, "reading replica index")
	}

	var records []replicaRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return ioerr.Wrap(ioerr.Internal, err, "corrupt replica index")
	}

	for _, rec := range records {
		r, err := createReplica(ctx, p, rec.Name, bytesize.ByteSize(rec.Size), rec.UUID, rec.Thin, rec.EntityID)
		if err != nil {
			return err
		}
		shared, err := p.store.GetProperty(ctx, rec.UUID.String(), propShared)
		if err == nil {
			r.shared = ShareProtocol(shared)
		}
		p.replicas[r.Name] = r
	}
	return nil
}

func (p *Pool) persistReplicaIndex(ctx context.Context) error {
	records := make([]replicaRecord, 0, len(p.replicas))
	for _, r := range p.replicas {
		records = append(records, replicaRecord{
			Name: r.Name, UUID: r.UUID, EntityID: r.EntityID,
			Size: r.size.Uint64(), Thin: r.thin, Shared: r.shared,
		})
	}
	raw, _ := json.Marshal(records)
	if err := p.store.PutProperty(ctx, p.metadataNamespace(), propReplicaIndex, raw); err != nil {
		return ioerr.Wrap(ioerr.Internal, err, "persisting replica index")
	}
	return nil
}

// CreateReplica creates a new thin (or thick-accounted, still
// lazily-allocated at the cluster level) replica on the pool.
func (p *Pool) CreateReplica(ctx context.Context, name string, size bytesize.ByteSize, id uuid.UUID, thin bool, entityID string) (*Replica, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Imported {
		return nil, ioerr.New(ioerr.FailedPrecondition, "pool %s is not imported", p.Name)
	}
	if _, exists := p.replicas[name]; exists {
		return nil, ioerr.New(ioerr.AlreadyExists, "replica %q already exists in pool %s", name, p.Name)
	}

	r, err := createReplica(ctx, p, name, size, id, thin, entityID)
	if err != nil {
		return nil, err
	}
	p.replicas[name] = r

	if err := p.persistReplicaIndex(ctx); err != nil {
		delete(p.replicas, name)
		return nil, err
	}
	return r, nil
}

// Replica looks up a replica by name.
func (p *Pool) Replica(name string) (*Replica, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.replicas[name]
	if !ok {
		return nil, ioerr.New(ioerr.NotFound, "replica %q not found in pool %s", name, p.Name)
	}
	return r, nil
}

// ListReplicas returns every replica currently in the pool.
func (p *Pool) ListReplicas() []*Replica {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Replica, 0, len(p.replicas))
	for _, r := range p.replicas {
		out = append(out, r)
	}
	return out
}

// UsedBytes returns the pool's current cluster-level allocation.
func (p *Pool) UsedBytes() uint64 {
	return p.clusters.Used() * p.clusterSize.Uint64()
}

// CapacityBytes returns the pool's total cluster-level capacity.
func (p *Pool) CapacityBytes() uint64 {
	return p.clusters.Total() * p.clusterSize.Uint64()
}

// Grow re-probes the base device's capacity and extends the cluster
// allocator, used after the underlying device has been resized out of band.
func (p *Pool) Grow(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Imported {
		return ioerr.New(ioerr.FailedPrecondition, "pool %s is not imported", p.Name)
	}
	p.state = Growing

	newCapacity := p.device.BlockCount * uint64(p.device.BlockSize)
	newClusterCount := newCapacity / p.clusterSize.Uint64()
	oldClusterCount := p.clusters.Total()
	if newClusterCount > oldClusterCount {
		p.clusters.extend(newClusterCount)
	}
	p.state = Imported

	logger.Info("pool grown", "pool", p.Name, "old_clusters", oldClusterCount, "new_clusters", newClusterCount)
	return p.persistMetadata(ctx)
}

// Export releases the pool's claim on its base device without destroying
// any persisted state, so a later Import/CreateOrImport can recover it.
func (p *Pool) Export(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Imported {
		return ioerr.New(ioerr.FailedPrecondition, "pool %s is not imported", p.Name)
	}
	p.state = Exporting

	for _, r := range p.replicas {
		if err := p.registry.Unregister(r.device.Name); err != nil {
			return err
		}
	}
	p.handle.Close()
	p.state = Absent
	return nil
}

// Destroy permanently removes the pool: every replica's properties are
// deleted, the pool metadata property is deleted, and the base device is
// unclaimed.
func (p *Pool) Destroy(ctx context.Context) error {
	// Destroy bottom-up: clones first (so their snapshots have no live
	// clones left), then snapshots, then everything else — mirroring the
	// dependency order DestroyReplica itself enforces one replica at a time.
	for _, phase := range []func(*Replica) bool{
		func(r *Replica) bool { return r.IsClone() },
		func(r *Replica) bool { return r.IsSnapshot() },
		func(r *Replica) bool { return true },
	} {
		for {
			p.mu.Lock()
			var target string
			var found bool
			for name, r := range p.replicas {
				if phase(r) {
					target, found = name, true
					break
				}
			}
			p.mu.Unlock()
			if !found {
				break
			}
			if err := p.DestroyReplica(ctx, target); err != nil {
				return err
			}
		}
	}

	if err := p.store.DeleteProperties(ctx, p.metadataNamespace()); err != nil {
		return ioerr.Wrap(ioerr.Internal, err, "deleting pool metadata")
	}

	p.mu.Lock()
	p.state = Destroyed
	p.mu.Unlock()
	p.handle.Close()
	return nil
}

// State returns the pool's current lifecycle state.
func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}
