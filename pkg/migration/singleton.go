package migration

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
)

const (
	redisStoreType  string = "redis"
	valkeyStoreType string = "valkey"
)

var (
	initStoreOnce       = &sync.Once{}
	provider      Store = nil
	providerErr   error
)

// Storage get store singleton
// support Redis, Valkey, Redis as default, can be setting by env STORE_TYPE
// --- redis STORE_TYPE environments ---
// REDIS_ADDR:     redis address, required
// REDIS_PASSWORD: redis password, required
// --- valkey STORE_TYPE environments ---
// VALKEY_ADDR:          valkey address, required
// VALKEY_PASSWORD:      valkey password, required unless VALKEY_PASSWORD_REQUIRED=false
// VALKEY_DISABLE_CACHE: disable valkey client cache, optional
// VALKEY_FORCE_SINGLE:  force setting valkey single mode, optional
//
// Unlike a control-plane service, the sandbox must still boot from the base
// image when no store is reachable, so a failed init is returned to the
// caller instead of aborting the process.
func Storage() (Store, error) {
	initStoreOnce.Do(func() {
		providerErr = initStore()
	})
	return provider, providerErr
}

func initStore() error {
	// Setting storage provider type by env STORE_TYPE
	providerType, exists := os.LookupEnv("STORE_TYPE")
	if !exists {
		// redis as default
		providerType = redisStoreType
	}
	// case-insensitive
	providerType = strings.ToLower(providerType)
	switch providerType {
	case redisStoreType:
		redisProvider, err := initRedisStore()
		if err != nil {
			return fmt.Errorf("init redis store failed: %w", err)
		}
		provider = redisProvider
		log.Println("init redis store successfully")
	case valkeyStoreType:
		valkeyProvider, err := initValkeyStore()
		if err != nil {
			return fmt.Errorf("init valkey store failed: %w", err)
		}
		provider = valkeyProvider
		log.Println("init valkey store successfully")
	default:
		return fmt.Errorf("unsupported provider type: %v", providerType)
	}
	return nil
}
