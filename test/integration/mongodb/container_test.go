package mongodb

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"time"

	"github.com/hms/billing/internal/platform/docstore"
)

// startMongoContainer runs mongo:7 through the Docker CLI and returns its
// connection string and a cleanup function.
func startMongoContainer(ctx context.Context) (string, func(), error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return "", nil, fmt.Errorf("docker not found: %w", err)
	}

	port, err := getFreePort()
	if err != nil {
		return "", nil, fmt.Errorf("find free port: %w", err)
	}
	name := fmt.Sprintf("billing-mongo-integration-%d", port)
	_ = exec.CommandContext(ctx, "docker", "rm", "-f", name).Run()

	out, err := exec.CommandContext(ctx, "docker", "run",
		"--name", name,
		"-d",
		"-p", fmt.Sprintf("%d:27017", port),
		"mongo:7",
	).CombinedOutput()
	if err != nil {
		return "", nil, fmt.Errorf("docker run: %w\noutput: %s", err, out)
	}
	containerID := strings.TrimSpace(string(out))
	cleanup := func() {
		_ = exec.Command("docker", "rm", "-f", containerID).Run()
	}

	uri := fmt.Sprintf("mongodb://localhost:%d/?directConnection=true", port)
	if err := waitForMongo(ctx, uri, 60*time.Second); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("wait for mongo: %w", err)
	}
	return uri, cleanup, nil
}

func getFreePort() (int, error) {
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// waitForMongo polls until the primary answers a ping.
func waitForMongo(ctx context.Context, uri string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		connCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		client, err := docstore.Connect(connCtx, uri)
		cancel()
		if err == nil {
			_ = client.Disconnect(context.Background())
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("mongo not ready after %v", timeout)
}
