package initiator_test

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/io-engine/io-engine/pkg/bdev"
	"github.com/io-engine/io-engine/pkg/bdev/backend/malloc"
	"github.com/io-engine/io-engine/pkg/config"
	"github.com/io-engine/io-engine/pkg/ioerr"
	"github.com/io-engine/io-engine/pkg/nvmf/initiator"
	"github.com/io-engine/io-engine/pkg/nvmf/target"
	"github.com/io-engine/io-engine/pkg/uri"
)

const testNQN = "nqn.test:disk0"

func startTestTarget(t *testing.T) (*target.Target, *bdev.Registry) {
	t.Helper()
	reg := bdev.NewRegistry()
	tgt := target.New(config.NvmfConfig{NexusPort: 0, ReplicaPort: 0, Address: "127.0.0.1"}, reg)
	if err := tgt.Start(context.Background(), 1); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	backend := malloc.New(512, 4096)
	dev, err := bdev.NewBlockDevice("disk0", "malloc", "malloc", uuid.New().String(), 512, 4096, 512, backend)
	if err != nil {
		t.Fatalf("NewBlockDevice() error = %v", err)
	}
	if err := reg.Register(dev); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	sub, err := tgt.CreateSubsystem(testNQN)
	if err != nil {
		t.Fatalf("CreateSubsystem() error = %v", err)
	}
	sub.AllowAnyHost(true)
	if err := tgt.PublishNamespace(testNQN, "disk0"); err != nil {
		t.Fatalf("PublishNamespace() error = %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := tgt.Shutdown(ctx); err != nil {
			t.Fatalf("Shutdown() error = %v", err)
		}
	})
	return tgt, reg
}

func parseHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("SplitHostPort(%q) error = %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("Atoi(%q) error = %v", portStr, err)
	}
	return host, port
}

func TestConnect_AttachesNamespaceAsBlockDevice(t *testing.T) {
	tgt, _ := startTestTarget(t)
	initReg := initiator.NewRegistry()
	devReg := bdev.NewRegistry()

	host, port := parseHostPort(t, tgt.ReplicaAddr())
	dev := &uri.Device{Scheme: uri.SchemeNvmf, Name: testNQN, Host: host, Port: port}

	ctrl, err := initiator.Connect(context.Background(), "nvme0", dev, initiator.ControllerOptions{}, initReg, devReg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if ctrl.State() != initiator.ProbeAttached {
		t.Fatalf("State() = %v, want Attached", ctrl.State())
	}

	blockDev := ctrl.BlockDevice()
	if blockDev == nil {
		t.Fatalf("BlockDevice() = nil")
	}
	if blockDev.Name != "nvme0n1" {
		t.Fatalf("BlockDevice().Name = %q, want %q", blockDev.Name, "nvme0n1")
	}
	if blockDev.BlockSize != 512 || blockDev.BlockCount != 4096 {
		t.Fatalf("surfaced geometry = %d/%d, want 512/4096", blockDev.BlockSize, blockDev.BlockCount)
	}

	if _, err := devReg.Lookup("nvme0n1"); err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if _, err := initReg.Lookup("nvme0"); err != nil {
		t.Fatalf("initiator registry Lookup() error = %v", err)
	}

	if err := ctrl.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if _, err := devReg.Lookup("nvme0n1"); ioerr.KindOf(err) != ioerr.NotFound {
		t.Fatalf("Lookup() after destroy error = %v, want NotFound", err)
	}
}

func TestConnect_DuplicateNameRejected(t *testing.T) {
	tgt, _ := startTestTarget(t)
	initReg := initiator.NewRegistry()
	devReg := bdev.NewRegistry()

	host, port := parseHostPort(t, tgt.ReplicaAddr())
	dev := &uri.Device{Scheme: uri.SchemeNvmf, Name: testNQN, Host: host, Port: port}

	ctrl, err := initiator.Connect(context.Background(), "nvme0", dev, initiator.ControllerOptions{}, initReg, devReg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer ctrl.Destroy(context.Background())

	if _, err := initiator.Connect(context.Background(), "nvme0", dev, initiator.ControllerOptions{}, initReg, devReg); ioerr.KindOf(err) != ioerr.AlreadyExists {
		t.Fatalf("second Connect() error = %v, want AlreadyExists", err)
	}
}

func TestRemoteBackend_WriteThenReadRoundTrip(t *testing.T) {
	tgt, _ := startTestTarget(t)
	initReg := initiator.NewRegistry()
	devReg := bdev.NewRegistry()

	host, port := parseHostPort(t, tgt.ReplicaAddr())
	dev := &uri.Device{Scheme: uri.SchemeNvmf, Name: testNQN, Host: host, Port: port}

	ctrl, err := initiator.Connect(context.Background(), "nvme0", dev, initiator.ControllerOptions{}, initReg, devReg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer ctrl.Destroy(context.Background())

	blockDev := ctrl.BlockDevice()
	guard, err := blockDev.Open(true, "test")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	handle := guard.IntoHandle()
	defer handle.Close()

	buf, err := bdev.NewDmaBuf(512, 512)
	if err != nil {
		t.Fatalf("NewDmaBuf() error = %v", err)
	}
	defer buf.Release()
	for i := range buf.Bytes() {
		buf.Bytes()[i] = byte(i)
	}

	if status := handle.WriteAt(context.Background(), buf, 0); status.Err() != nil {
		t.Fatalf("WriteAt() error = %v", status.Err())
	}

	readBuf, err := bdev.NewDmaBuf(512, 512)
	if err != nil {
		t.Fatalf("NewDmaBuf() error = %v", err)
	}
	defer readBuf.Release()
	if status := handle.ReadAt(context.Background(), readBuf, 0); status.Err() != nil {
		t.Fatalf("ReadAt() error = %v", status.Err())
	}

	original := buf.Bytes()
	roundtripped := readBuf.Bytes()
	for i := range original {
		if original[i] != roundtripped[i] {
			t.Fatalf("byte %d = %d, want %d", i, roundtripped[i], original[i])
		}
	}
}
