// Package mongodb runs the ledger against a real MongoDB server.
package mongodb

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/hms/billing/internal/domain/billing"
	"github.com/hms/billing/internal/platform/docstore"
)

var globalClient *mongo.Client

// TestMain uses BILLING_TEST_MONGO_URI when set and otherwise starts a
// throwaway container. Without either the suite is skipped.
func TestMain(m *testing.M) {
	ctx := context.Background()

	uri := os.Getenv("BILLING_TEST_MONGO_URI")
	cleanup := func() {}
	if uri == "" {
		var err error
		uri, cleanup, err = startMongoContainer(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "skipping mongo integration tests: %v\n", err)
			os.Exit(0)
		}
	}

	client, err := docstore.Connect(ctx, uri)
	if err != nil {
		cleanup()
		fmt.Fprintf(os.Stderr, "connect test mongo: %v\n", err)
		os.Exit(1)
	}

	globalClient = client
	code := m.Run()
	_ = client.Disconnect(context.Background())
	cleanup()
	os.Exit(code)
}

// freshDatabase returns an indexed database private to the test. It is
// dropped when the test ends.
func freshDatabase(t *testing.T, prefix string) *mongo.Database {
	t.Helper()
	name := fmt.Sprintf("billing_%s_%s", prefix, strings.ReplaceAll(uuid.NewString()[:8], "-", ""))
	db := globalClient.Database(name)

	if err := billing.EnsureBillIndexes(context.Background(), db); err != nil {
		t.Fatalf("ensure indexes in %s: %v", name, err)
	}
	t.Cleanup(func() {
		if err := db.Drop(context.Background()); err != nil {
			t.Logf("warning: failed to drop database %s: %v", name, err)
		}
	})
	return db
}
