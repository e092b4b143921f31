package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"k8s.io/klog/v2"

	"github.com/valkey-io/valkey-go"
)

type valkeyStore struct {
	cli         valkey.Client
	manifestKey string
	tarballKey  string
}

// initValkeyStore init valkey store client
func initValkeyStore() (*valkeyStore, error) {
	clientOpts, err := makeValkeyOptions()
	if err != nil {
		return nil, fmt.Errorf("make valkey client options failed: %w", err)
	}

	client, err := valkey.NewClient(*clientOpts)
	if err != nil {
		return nil, fmt.Errorf("create valkey client failed: %w", err)
	}
	return &valkeyStore{
		cli:         client,
		manifestKey: manifestKey,
		tarballKey:  tarballKey,
	}, nil
}

// makeValkeyOptions creates valkey ClientOption from environment variables
func makeValkeyOptions() (*valkey.ClientOption, error) {
	valkeyAddr := os.Getenv("VALKEY_ADDR")
	if valkeyAddr == "" {
		return nil, fmt.Errorf("missing env var VALKEY_ADDR")
	}

	valkeyPassword := os.Getenv("VALKEY_PASSWORD")
	// Secure-by-default: require non-empty password unless explicitly disabled via VALKEY_PASSWORD_REQUIRED=false.
	if strings.ToLower(os.Getenv("VALKEY_PASSWORD_REQUIRED")) != "false" && valkeyPassword == "" {
		return nil, fmt.Errorf("VALKEY_PASSWORD is required but not set")
	}

	valkeyClientOptions := &valkey.ClientOption{
		InitAddress: strings.Split(valkeyAddr, ","),
		Password:    valkeyPassword,
	}
	valkeyDisableCache := os.Getenv("VALKEY_DISABLE_CACHE")
	if valkeyDisableCache != "" {
		disableCache, err := strconv.ParseBool(valkeyDisableCache)
		if err == nil && disableCache {
			valkeyClientOptions.DisableCache = true
			klog.Info("valkeyClientOptions DisableCache is set to true")
		}
	}
	valkeyForceSingle := os.Getenv("VALKEY_FORCE_SINGLE")
	if valkeyForceSingle != "" {
		forceSingleCache, err := strconv.ParseBool(valkeyForceSingle)
		if err == nil && forceSingleCache {
			valkeyClientOptions.ForceSingleClient = true
			klog.Info("valkeyClientOptions ForceSingleClient is set to true")
		}
	}
	return valkeyClientOptions, nil
}

// Ping check valkey store available or not
func (vs *valkeyStore) Ping(ctx context.Context) error {
	resp, err := vs.cli.Do(ctx, vs.cli.B().Ping().Build()).ToString()
	if err != nil {
		return fmt.Errorf("ping error: %w", err)
	}
	if resp != "PONG" {
		return fmt.Errorf("unexpected ping response: %s", resp)
	}
	return nil
}

func (vs *valkeyStore) PutManifest(ctx context.Context, m *Manifest) error {
	if m == nil {
		return errors.New("PutManifest: manifest is nil")
	}

	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("PutManifest: marshal manifest failed: %w", err)
	}

	cmd := vs.cli.B().Set().Key(vs.manifestKey).Value(string(b)).Build()
	if err := vs.cli.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("PutManifest: valkey SET %s failed: %w", vs.manifestKey, err)
	}
	return nil
}

func (vs *valkeyStore) GetManifest(ctx context.Context) (*Manifest, error) {
	b, err := vs.cli.Do(ctx, vs.cli.B().Get().Key(vs.manifestKey).Build()).AsBytes()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			// no snapshot exists yet
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("GetManifest: valkey GET %s: %w", vs.manifestKey, err)
	}

	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("GetManifest: unmarshal manifest failed: %w", err)
	}
	return &m, nil
}

func (vs *valkeyStore) PutTarball(ctx context.Context, data []byte) error {
	cmd := vs.cli.B().Set().Key(vs.tarballKey).Value(string(data)).Build()
	if err := vs.cli.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("PutTarball: valkey SET %s failed: %w", vs.tarballKey, err)
	}
	return nil
}

func (vs *valkeyStore) GetTarball(ctx context.Context) ([]byte, error) {
	b, err := vs.cli.Do(ctx, vs.cli.B().Get().Key(vs.tarballKey).Build()).AsBytes()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("GetTarball: valkey GET %s: %w", vs.tarballKey, err)
	}
	return b, nil
}

func (vs *valkeyStore) Close() error {
	vs.cli.Close()
	return nil
}
