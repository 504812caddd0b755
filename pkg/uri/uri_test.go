package uri

import (
	"testing"

	"github.com/io-engine/io-engine/pkg/ioerr"
)

func TestParseDevice_Malloc(t *testing.T) {
	d, err := ParseDevice("malloc:///mem0?size_mb=100&blk_size=512")
	if err != nil {
		t.Fatalf("ParseDevice() error = %v", err)
	}
	if d.Scheme != SchemeMalloc {
		t.Errorf("Scheme = %v, want %v", d.Scheme, SchemeMalloc)
	}
	if d.Name != "mem0" {
		t.Errorf("Name = %q, want %q", d.Name, "mem0")
	}
	if d.SizeMB != 100 {
		t.Errorf("SizeMB = %d, want 100", d.SizeMB)
	}
	if d.BlkSize != 512 {
		t.Errorf("BlkSize = %d, want 512", d.BlkSize)
	}
	if d.UUID.String() == "" {
		t.Error("expected an auto-generated UUID")
	}
}

func TestParseDevice_MallocMissingSize(t *testing.T) {
	_, err := ParseDevice("malloc:///mem0")
	if !ioerr.Is(err, ioerr.InvalidArgument) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestParseDevice_Aio(t *testing.T) {
	d, err := ParseDevice("aio:///tmp/disk0.img?blk_size=4096&rescan")
	if err != nil {
		t.Fatalf("ParseDevice() error = %v", err)
	}
	if d.Scheme != SchemeAio {
		t.Errorf("Scheme = %v, want %v", d.Scheme, SchemeAio)
	}
	if d.Name != "/tmp/disk0.img" {
		t.Errorf("Name = %q, want %q", d.Name, "/tmp/disk0.img")
	}
	if d.BlkSize != 4096 {
		t.Errorf("BlkSize = %d, want 4096", d.BlkSize)
	}
	if !d.Rescan {
		t.Error("expected Rescan to be true")
	}
}

func TestParseDevice_Nvmf(t *testing.T) {
	d, err := ParseDevice("nvmf://10.0.0.5:8420/nqn.2026-07.io.example:replica-1?uuid=9f54d1f8-1234-4e1e-9a1a-000000000001&reftag&guard&hostnqn=nqn.2026-07.io.example:host-a")
	if err != nil {
		t.Fatalf("ParseDevice() error = %v", err)
	}
	if d.Host != "10.0.0.5" || d.Port != 8420 {
		t.Errorf("Host/Port = %q/%d, want 10.0.0.5/8420", d.Host, d.Port)
	}
	if d.Name != "nqn.2026-07.io.example:replica-1" {
		t.Errorf("Name = %q", d.Name)
	}
	if !d.RefTag || !d.Guard {
		t.Error("expected RefTag and Guard to be true")
	}
	if d.HostNQN != "nqn.2026-07.io.example:host-a" {
		t.Errorf("HostNQN = %q", d.HostNQN)
	}
}

func TestParseDevice_NvmfMissingPort(t *testing.T) {
	_, err := ParseDevice("nvmf://10.0.0.5/nqn.2026-07.io.example:replica-1")
	if !ioerr.Is(err, ioerr.InvalidArgument) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestParseDevice_UnknownScheme(t *testing.T) {
	_, err := ParseDevice("ftp://host/path")
	if !ioerr.Is(err, ioerr.InvalidArgument) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestParseLvol(t *testing.T) {
	l, err := ParseLvol("lvol:///r0?size=50MiB&lvs=lvs:///pool0?mode=create_import&disk=malloc:///mem0?size_mb=100")
	if err != nil {
		t.Fatalf("ParseLvol() error = %v", err)
	}
	if l.Name != "r0" {
		t.Errorf("Name = %q, want %q", l.Name, "r0")
	}
	if l.Size != 50*1024*1024 {
		t.Errorf("Size = %d, want %d", l.Size, 50*1024*1024)
	}
	if l.PoolName != "pool0" {
		t.Errorf("PoolName = %q, want %q", l.PoolName, "pool0")
	}
	if l.Mode != LvsModeCreateImport {
		t.Errorf("Mode = %q, want %q", l.Mode, LvsModeCreateImport)
	}
}

func TestParseLvol_DefaultMode(t *testing.T) {
	l, err := ParseLvol("lvol:///r1?size=1GiB&lvs=lvs:///pool1?disk=malloc:///mem1?size_mb=2000")
	if err != nil {
		t.Fatalf("ParseLvol() error = %v", err)
	}
	if l.Mode != LvsModeCreateImport {
		t.Errorf("Mode = %q, want default %q", l.Mode, LvsModeCreateImport)
	}
}

func TestParseInject(t *testing.T) {
	inj, err := ParseInject("inject://mem0?op=write&begin=10&end=20&start_cnt=1&end_cnt=5")
	if err != nil {
		t.Fatalf("ParseInject() error = %v", err)
	}
	if inj.Device != "mem0" {
		t.Errorf("Device = %q, want %q", inj.Device, "mem0")
	}
	if inj.Op != InjectOpWrite {
		t.Errorf("Op = %q, want %q", inj.Op, InjectOpWrite)
	}
	if inj.BeginMs != 10 || inj.EndMs != 20 || inj.StartCnt != 1 || inj.EndCnt != 5 {
		t.Errorf("unexpected fields: %+v", inj)
	}
}

func TestParseInject_MissingOp(t *testing.T) {
	_, err := ParseInject("inject://mem0?begin=10&end=20")
	if !ioerr.Is(err, ioerr.InvalidArgument) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}
