//go:build integration

package s3_test

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/io-engine/io-engine/pkg/bdev"
	s3backend "github.com/io-engine/io-engine/pkg/bdev/backend/s3"
)

func TestBackend_WriteThenReadAgainstLocalstack(t *testing.T) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "localstack/localstack:3.0",
		ExposedPorts: []string{"4566/tcp"},
		Env: map[string]string{
			"SERVICES":       "s3",
			"GATEWAY_LISTEN": "0.0.0.0:4566",
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("4566/tcp"),
			wait.ForHTTP("/_localstack/health").WithPort("4566/tcp"),
		).WithDeadline(2 * time.Minute),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("failed to start localstack container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "4566")
	if err != nil {
		t.Fatalf("failed to get container port: %v", err)
	}
	endpoint := fmt.Sprintf("http://%s:%s", host, port.Port())

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "")),
	)
	if err != nil {
		t.Fatalf("failed to load AWS config: %v", err)
	}
	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	bucket := "io-engine-test"
	if _, err := client.CreateBucket(ctx, &awss3.CreateBucketInput{Bucket: aws.String(bucket)}); err != nil {
		t.Fatalf("failed to create bucket: %v", err)
	}

	backend := s3backend.New(client, s3backend.Config{
		Bucket:     bucket,
		BlockSize:  4096,
		BlockCount: 16,
	})
	defer backend.Close()

	wbuf, err := bdev.NewDmaBuf(4096, 4096)
	if err != nil {
		t.Fatalf("NewDmaBuf() error = %v", err)
	}
	defer wbuf.Release()
	copy(wbuf.Bytes(), bytes.Repeat([]byte{0x7E}, 4096))

	if status := backend.WriteAt(ctx, wbuf, 4096); status.Err() != nil {
		t.Fatalf("WriteAt() status = %v", status.Err())
	}

	rbuf, err := bdev.NewDmaBuf(4096, 4096)
	if err != nil {
		t.Fatalf("NewDmaBuf() error = %v", err)
	}
	defer rbuf.Release()
	if status := backend.ReadAt(ctx, rbuf, 4096); status.Err() != nil {
		t.Fatalf("ReadAt() status = %v", status.Err())
	}
	if !bytes.Equal(rbuf.Bytes(), wbuf.Bytes()) {
		t.Error("read data does not match written data")
	}

	// Never-written block reads as zeroes.
	zbuf, _ := bdev.NewDmaBuf(4096, 4096)
	defer zbuf.Release()
	if status := backend.ReadAt(ctx, zbuf, 8192); status.Err() != nil {
		t.Fatalf("ReadAt() status = %v", status.Err())
	}
	for _, v := range zbuf.Bytes() {
		if v != 0 {
			t.Fatal("expected unwritten block to read as zeroes")
		}
	}
}
