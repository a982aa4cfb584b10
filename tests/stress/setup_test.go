//go:build stress

package stress

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/redis/go-redis/v9"

	"github.com/couponforge/issuance-engine/internal/cache"
	"github.com/couponforge/issuance-engine/internal/consumer"
	"github.com/couponforge/issuance-engine/internal/coordinator"
	"github.com/couponforge/issuance-engine/internal/model"
	"github.com/couponforge/issuance-engine/internal/repository"
)

// syncPublisher applies every published event straight through the
// materializer, standing in for the Kafka broker these stress tests
// don't spin up: dockertest here only provisions Postgres, matching
// the footprint of the original stress harness.
type syncPublisher struct {
	processor *consumer.Processor
}

func (s *syncPublisher) Publish(ctx context.Context, event model.IssuanceEvent) error {
	return s.processor.Apply(ctx, event)
}

// newPipeline wires a coordinator backed by a fresh miniredis cache and
// the shared dockertest Postgres pool, materializing every admission
// synchronously so assertions can read the database immediately.
func newPipeline(t *testing.T, cfg coordinator.Config) *coordinator.Coordinator {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	kv := cache.New(rdb, time.Hour)
	if err := kv.LoadAdmissionScript(context.Background()); err != nil {
		t.Fatalf("failed to load admission script: %v", err)
	}

	processor := consumer.NewProcessor(
		repository.NewEventRepository(testPool),
		repository.NewUserCouponRepository(testPool),
	)

	return coordinator.New(kv, &syncPublisher{processor: processor}, cfg)
}

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	pool, err := dockertest.NewPool("")
	if err != nil {
		log.Fatalf("Could not construct pool: %s", err)
	}

	if err := pool.Client.Ping(); err != nil {
		log.Fatalf("Could not connect to Docker: %s", err)
	}

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "postgres",
		Tag:        "15-alpine",
		Env: []string{
			"POSTGRES_PASSWORD=testpass",
			"POSTGRES_USER=testuser",
			"POSTGRES_DB=testdb",
			"listen_addresses='*'",
		},
	}, func(config *docker.HostConfig) {
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		log.Fatalf("Could not start resource: %s", err)
	}

	hostAndPort := resource.GetHostPort("5432/tcp")
	databaseURL := fmt.Sprintf("postgres://testuser:testpass@%s/testdb?sslmode=disable", hostAndPort)
	log.Println("Connecting to database on url:", databaseURL)

	_ = resource.Expire(120)

	pool.MaxWait = 120 * time.Second
	if err = pool.Retry(func() error {
		var err error
		testPool, err = pgxpool.New(context.Background(), databaseURL)
		if err != nil {
			return err
		}
		return testPool.Ping(context.Background())
	}); err != nil {
		log.Fatalf("Could not connect to database: %s", err)
	}

	if err := runMigrations(testPool); err != nil {
		log.Fatalf("Could not run migrations: %s", err)
	}

	code := m.Run()

	if err := pool.Purge(resource); err != nil {
		log.Fatalf("Could not purge resource: %s", err)
	}

	os.Exit(code)
}

func runMigrations(pool *pgxpool.Pool) error {
	schema := `
		CREATE TABLE IF NOT EXISTS coupon_events (
			event_id        TEXT PRIMARY KEY,
			total_stock     INTEGER NOT NULL DEFAULT 0,
			remaining_stock INTEGER NOT NULL DEFAULT 0,
			is_active       BOOLEAN NOT NULL DEFAULT true,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS user_coupons (
			coupon_id TEXT PRIMARY KEY,
			user_id   TEXT NOT NULL,
			event_id  TEXT NOT NULL REFERENCES coupon_events(event_id),
			issued_at TIMESTAMPTZ NOT NULL,
			is_used   BOOLEAN NOT NULL DEFAULT false,
			used_at   TIMESTAMPTZ,
			UNIQUE (user_id, event_id)
		);

		CREATE INDEX IF NOT EXISTS idx_user_coupons_event_id ON user_coupons(event_id);

		CREATE TABLE IF NOT EXISTS coupon_usage (
			coupon_id TEXT PRIMARY KEY REFERENCES user_coupons(coupon_id),
			user_id   TEXT NOT NULL,
			event_id  TEXT NOT NULL,
			used_at   TIMESTAMPTZ NOT NULL
		);
	`
	_, err := pool.Exec(context.Background(), schema)
	return err
}

func cleanupTables(t *testing.T) {
	t.Helper()
	_, err := testPool.Exec(context.Background(), "TRUNCATE TABLE coupon_usage, user_coupons, coupon_events CASCADE")
	if err != nil {
		t.Fatalf("Failed to cleanup tables: %v", err)
	}
}
