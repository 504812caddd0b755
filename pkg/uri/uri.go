// Package uri parses the create-device / create-replica / add-child URI
// grammar accepted throughout the data plane (malloc, aio, nvmf, bdev,
// lvol, inject schemes).
package uri

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/io-engine/io-engine/internal/bytesize"
	"github.com/io-engine/io-engine/pkg/ioerr"
)

// Scheme identifies which URI grammar variant was parsed.
type Scheme string

const (
	SchemeMalloc Scheme = "malloc"
	SchemeAio    Scheme = "aio"
	SchemeNvmf   Scheme = "nvmf"
	SchemeBdev   Scheme = "bdev"
	SchemeLvol   Scheme = "lvol"
	SchemeInject Scheme = "inject"
)

// Device is the parsed form of a device-creating URI: malloc, aio, nvmf, or
// bdev.
type Device struct {
	Scheme  Scheme
	Name    string // malloc/bdev name, aio path, or nvmf nqn
	Host    string // nvmf only
	Port    int    // nvmf only
	UUID    uuid.UUID
	SizeMB  uint64 // malloc only
	BlkSize uint64 // aio/malloc
	Rescan  bool   // aio only
	RefTag  bool   // nvmf only
	Guard   bool   // nvmf only
	HostNQN string // nvmf only
	Raw     string
}

// ParseDevice parses a malloc://, aio://, nvmf://, or bdev:// URI.
func ParseDevice(raw string) (*Device, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, ioerr.Wrap(ioerr.InvalidArgument, err, "malformed device URI %q", raw)
	}

	d := &Device{Raw: raw}
	q := u.Query()

	switch u.Scheme {
	case string(SchemeMalloc):
		d.Scheme = SchemeMalloc
		d.Name = strings.TrimPrefix(u.Path, "/")
		if d.Name == "" {
			return nil, ioerr.New(ioerr.InvalidArgument, "malloc:// URI missing device name")
		}
		sizeMB, err := requireUint(q, "size_mb")
		if err != nil {
			return nil, err
		}
		d.SizeMB = sizeMB
		if v := q.Get("blk_size"); v != "" {
			d.BlkSize, err = parseUint(v, "blk_size")
			if err != nil {
				return nil, err
			}
		} else {
			d.BlkSize = 512
		}
		if err := applyUUID(&d.UUID, q); err != nil {
			return nil, err
		}

	case string(SchemeAio):
		d.Scheme = SchemeAio
		d.Name = u.Path
		if d.Name == "" {
			return nil, ioerr.New(ioerr.InvalidArgument, "aio:// URI missing path")
		}
		if v := q.Get("blk_size"); v != "" {
			d.BlkSize, err = parseUint(v, "blk_size")
			if err != nil {
				return nil, err
			}
		} else {
			d.BlkSize = 512
		}
		_, d.Rescan = q["rescan"]

	case string(SchemeNvmf):
		d.Scheme = SchemeNvmf
		d.Host = u.Hostname()
		if d.Host == "" {
			return nil, ioerr.New(ioerr.InvalidArgument, "nvmf:// URI missing host")
		}
		if u.Port() == "" {
			return nil, ioerr.New(ioerr.InvalidArgument, "nvmf:// URI missing port")
		}
		d.Port, err = strconv.Atoi(u.Port())
		if err != nil {
			return nil, ioerr.Wrap(ioerr.InvalidArgument, err, "invalid nvmf port %q", u.Port())
		}
		d.Name = strings.TrimPrefix(u.Path, "/")
		if d.Name == "" {
			return nil, ioerr.New(ioerr.InvalidArgument, "nvmf:// URI missing nqn")
		}
		if err := applyUUID(&d.UUID, q); err != nil {
			return nil, err
		}
		_, d.RefTag = q["reftag"]
		_, d.Guard = q["guard"]
		d.HostNQN = q.Get("hostnqn")

	case string(SchemeBdev):
		d.Scheme = SchemeBdev
		d.Name = strings.TrimPrefix(u.Path, "/")
		if d.Name == "" {
			return nil, ioerr.New(ioerr.InvalidArgument, "bdev:// URI missing device name")
		}
		if err := applyUUID(&d.UUID, q); err != nil {
			return nil, err
		}

	default:
		return nil, ioerr.New(ioerr.InvalidArgument, "unsupported device scheme %q", u.Scheme)
	}

	return d, nil
}

// LvsMode is the import mode for a pool referenced by an lvol:// shorthand.
type LvsMode string

const (
	LvsModeCreate       LvsMode = "create"
	LvsModeImport       LvsMode = "import"
	LvsModeCreateImport LvsMode = "create_import"
	LvsModePurge        LvsMode = "purge"
)

// Lvol is the parsed form of an `lvol:///` shorthand URI that creates a
// pool from an embedded disk URI and a replica on it.
type Lvol struct {
	Name     string
	Size     bytesize.ByteSize
	PoolName string
	Mode     LvsMode
	DiskURI  string
	Raw      string
}

// ParseLvol parses an `lvol:///<name>?size=<S>&lvs=lvs:///<pool>?mode=<m>&disk=<uri>` URI.
func ParseLvol(raw string) (*Lvol, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, ioerr.Wrap(ioerr.InvalidArgument, err, "malformed lvol URI %q", raw)
	}
	if u.Scheme != string(SchemeLvol) {
		return nil, ioerr.New(ioerr.InvalidArgument, "expected lvol:// scheme, got %q", u.Scheme)
	}

	l := &Lvol{Raw: raw, Name: strings.TrimPrefix(u.Path, "/")}
	if l.Name == "" {
		return nil, ioerr.New(ioerr.InvalidArgument, "lvol:// URI missing replica name")
	}

	q := u.Query()
	sizeStr := q.Get("size")
	if sizeStr == "" {
		return nil, ioerr.New(ioerr.InvalidArgument, "lvol:// URI missing size")
	}
	size, err := bytesize.ParseByteSize(sizeStr)
	if err != nil {
		return nil, ioerr.Wrap(ioerr.InvalidArgument, err, "invalid lvol size %q", sizeStr)
	}
	l.Size = size

	lvsURI := q.Get("lvs")
	if lvsURI == "" {
		return nil, ioerr.New(ioerr.InvalidArgument, "lvol:// URI missing lvs=")
	}
	lu, err := url.Parse(lvsURI)
	if err != nil {
		return nil, ioerr.Wrap(ioerr.InvalidArgument, err, "malformed lvs URI %q", lvsURI)
	}
	if lu.Scheme != "lvs" {
		return nil, ioerr.New(ioerr.InvalidArgument, "expected lvs:// scheme in lvol's lvs= parameter")
	}
	l.PoolName = strings.TrimPrefix(lu.Path, "/")
	if l.PoolName == "" {
		return nil, ioerr.New(ioerr.InvalidArgument, "lvs:// URI missing pool name")
	}

	lq := lu.Query()
	mode := lq.Get("mode")
	if mode == "" {
		mode = string(LvsModeCreateImport)
	}
	switch LvsMode(mode) {
	case LvsModeCreate, LvsModeImport, LvsModeCreateImport, LvsModePurge:
		l.Mode = LvsMode(mode)
	default:
		return nil, ioerr.New(ioerr.InvalidArgument, "unknown lvs mode %q", mode)
	}

	l.DiskURI = lq.Get("disk")
	if l.DiskURI == "" {
		return nil, ioerr.New(ioerr.InvalidArgument, "lvs:// URI missing disk=")
	}

	return l, nil
}

// Lvs is the parsed form of a standalone `lvs:///<pool>?mode=&disk=&cluster_sz=`
// URI used to import or create a pool directly (as opposed to the `lvs=`
// parameter embedded in an `lvol://` replica-creation shorthand).
type Lvs struct {
	PoolName    string
	Mode        LvsMode
	DiskURI     string
	ClusterSize bytesize.ByteSize
	Raw         string
}

// ParseLvs parses a top-level `lvs:///<pool>?mode=<m>&disk=<uri>&cluster_sz=<S>` URI.
func ParseLvs(raw string) (*Lvs, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, ioerr.Wrap(ioerr.InvalidArgument, err, "malformed lvs URI %q", raw)
	}
	if u.Scheme != "lvs" {
		return nil, ioerr.New(ioerr.InvalidArgument, "expected lvs:// scheme, got %q", u.Scheme)
	}

	l := &Lvs{Raw: raw, PoolName: strings.TrimPrefix(u.Path, "/")}
	if l.PoolName == "" {
		return nil, ioerr.New(ioerr.InvalidArgument, "lvs:// URI missing pool name")
	}

	q := u.Query()
	mode, err := parseLvsMode(q.Get("mode"))
	if err != nil {
		return nil, err
	}
	l.Mode = mode

	l.DiskURI = q.Get("disk")
	if l.DiskURI == "" {
		return nil, ioerr.New(ioerr.InvalidArgument, "lvs:// URI missing disk=")
	}

	if v := q.Get("cluster_sz"); v != "" {
		size, err := bytesize.ParseByteSize(v)
		if err != nil {
			return nil, ioerr.Wrap(ioerr.InvalidArgument, err, "invalid cluster_sz %q", v)
		}
		l.ClusterSize = size
	}

	return l, nil
}

func parseLvsMode(mode string) (LvsMode, error) {
	if mode == "" {
		mode = string(LvsModeCreateImport)
	}
	switch LvsMode(mode) {
	case LvsModeCreate, LvsModeImport, LvsModeCreateImport, LvsModePurge:
		return LvsMode(mode), nil
	default:
		return "", ioerr.New(ioerr.InvalidArgument, "unknown lvs mode %q", mode)
	}
}

// InjectOp names the operation an injection matches.
type InjectOp string

const (
	InjectOpRead  InjectOp = "read"
	InjectOpWrite InjectOp = "write"
)

// Inject is the parsed form of an `inject://` fault-injection registration.
type Inject struct {
	Device   string
	Op       InjectOp
	BeginMs  uint64
	EndMs    uint64
	StartCnt uint64
	EndCnt   uint64
	Raw      string
}

// ParseInject parses an `inject://<device>?op=read|write&begin=<ms>&end=<ms>&start_cnt=<n>&end_cnt=<n>` URI.
func ParseInject(raw string) (*Inject, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, ioerr.Wrap(ioerr.InvalidArgument, err, "malformed inject URI %q", raw)
	}
	if u.Scheme != string(SchemeInject) {
		return nil, ioerr.New(ioerr.InvalidArgument, "expected inject:// scheme, got %q", u.Scheme)
	}

	i := &Inject{Raw: raw, Device: u.Hostname()}
	if i.Device == "" {
		i.Device = strings.TrimPrefix(u.Path, "/")
	}
	if i.Device == "" {
		return nil, ioerr.New(ioerr.InvalidArgument, "inject:// URI missing device name")
	}

	q := u.Query()
	switch InjectOp(q.Get("op")) {
	case InjectOpRead, InjectOpWrite:
		i.Op = InjectOp(q.Get("op"))
	default:
		return nil, ioerr.New(ioerr.InvalidArgument, "inject:// URI requires op=read|write")
	}

	i.BeginMs, err = optionalUint(q, "begin")
	if err != nil {
		return nil, err
	}
	i.EndMs, err = optionalUint(q, "end")
	if err != nil {
		return nil, err
	}
	i.StartCnt, err = optionalUint(q, "start_cnt")
	if err != nil {
		return nil, err
	}
	i.EndCnt, err = optionalUint(q, "end_cnt")
	if err != nil {
		return nil, err
	}
	return i, nil
}

func applyUUID(dst *uuid.UUID, q url.Values) error {
	v := q.Get("uuid")
	if v == "" {
		*dst = uuid.New()
		return nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return ioerr.Wrap(ioerr.InvalidArgument, err, "invalid uuid %q", v)
	}
	*dst = id
	return nil
}

func requireUint(q url.Values, key string) (uint64, error) {
	v := q.Get(key)
	if v == "" {
		return 0, ioerr.New(ioerr.InvalidArgument, "missing required query parameter %q", key)
	}
	return parseUint(v, key)
}

func optionalUint(q url.Values, key string) (uint64, error) {
	v := q.Get(key)
	if v == "" {
		return 0, nil
	}
	return parseUint(v, key)
}

func parseUint(v, key string) (uint64, error) {
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, ioerr.Wrap(ioerr.InvalidArgument, err, "invalid value for %q: %q", key, v)
	}
	return n, nil
}

// String returns the canonical scheme string, used in log frames.
func (s Scheme) String() string {
	return string(s)
}
