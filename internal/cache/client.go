package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// NewClient builds a redis.UniversalClient from configuration. Cluster
// mode and single-node mode are both supported, but the choice is made
// once at startup from explicit configuration; there is no silent
// fallback from clustered to single-node if the cluster is momentarily
// unreachable; a redesign flag (see DESIGN.md) removes that behavior
// because it would defeat the admission script's atomicity contract,
// which depends on running under cluster semantics when configured.
func NewClient(ctx context.Context, addrs []string, clusterMode bool, poolSize int) (redis.UniversalClient, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("cache: no redis addresses configured")
	}

	var client redis.UniversalClient
	if clusterMode {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    addrs,
			PoolSize: poolSize,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:     addrs[0],
			PoolSize: poolSize,
		})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: ping failed: %w", err)
	}

	log.Info().Bool("cluster_mode", clusterMode).Strs("addrs", addrs).Msg("redis connection established")
	return client, nil
}
