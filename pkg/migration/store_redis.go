package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	redisv9 "github.com/redis/go-redis/v9"
)

type redisStore struct {
	cli         *redisv9.Client
	manifestKey string
	tarballKey  string
}

// initRedisStore init redis store client
func initRedisStore() (*redisStore, error) {
	redisOptions, err := makeRedisOptions()
	if err != nil {
		return nil, fmt.Errorf("make redis options failed: %w", err)
	}

	return &redisStore{
		cli:         redisv9.NewClient(redisOptions),
		manifestKey: manifestKey,
		tarballKey:  tarballKey,
	}, nil
}

// makeRedisOptions creates redis options from environment variables
func makeRedisOptions() (*redisv9.Options, error) {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		return nil, fmt.Errorf("missing env var REDIS_ADDR")
	}

	redisPassword := os.Getenv("REDIS_PASSWORD")
	if redisPassword == "" {
		return nil, fmt.Errorf("missing env var REDIS_PASSWORD")
	}

	redisOptions := &redisv9.Options{
		Addr:     redisAddr,
		Password: redisPassword,
	}
	return redisOptions, nil
}

func (rs *redisStore) Ping(ctx context.Context) error {
	resp, err := rs.cli.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("ping error: %w", err)
	}
	if resp != "PONG" {
		return fmt.Errorf("unexpected ping response: %s", resp)
	}
	return nil
}

func (rs *redisStore) PutManifest(ctx context.Context, m *Manifest) error {
	if m == nil {
		return errors.New("PutManifest: manifest is nil")
	}

	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("PutManifest: marshal manifest failed: %w", err)
	}

	if err := rs.cli.Set(ctx, rs.manifestKey, b, 0).Err(); err != nil {
		return fmt.Errorf("PutManifest: redis SET %s failed: %w", rs.manifestKey, err)
	}
	return nil
}

// GetManifest loads the migration manifest.
// Underlying Redis: GET migration-manifest -> Manifest(JSON).
func (rs *redisStore) GetManifest(ctx context.Context) (*Manifest, error) {
	b, err := rs.cli.Get(ctx, rs.manifestKey).Bytes()
	if errors.Is(err, redisv9.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetManifest: redis GET %s failed: %w", rs.manifestKey, err)
	}

	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("GetManifest: unmarshal manifest failed: %w", err)
	}
	return &m, nil
}

func (rs *redisStore) PutTarball(ctx context.Context, data []byte) error {
	if err := rs.cli.Set(ctx, rs.tarballKey, data, 0).Err(); err != nil {
		return fmt.Errorf("PutTarball: redis SET %s failed: %w", rs.tarballKey, err)
	}
	return nil
}

func (rs *redisStore) GetTarball(ctx context.Context) ([]byte, error) {
	b, err := rs.cli.Get(ctx, rs.tarballKey).Bytes()
	if errors.Is(err, redisv9.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetTarball: redis GET %s failed: %w", rs.tarballKey, err)
	}
	return b, nil
}

func (rs *redisStore) Close() error {
	return rs.cli.Close()
}
