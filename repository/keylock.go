package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"rustic/backend"
	"rustic/crypto"
	"rustic/id"
)

// decodeConfig/encodeConfig handle the one Config object, which (unlike
// every other file kind) is never encrypted: a fresh repository has no
// master key yet when Config must first be read.
func decodeConfig(raw []byte) (ConfigFile, error) {
	var cfg ConfigFile
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return ConfigFile{}, fmt.Errorf("repository: decode config: %w", err)
	}
	return cfg, nil
}

func encodeConfig(cfg ConfigFile) ([]byte, error) {
	return json.Marshal(cfg)
}

// lockKey wraps rawKey under password and publishes a new KeyFile.
func lockKey(ctx context.Context, store backend.ObjectStore, password string, rawKey []byte) error {
	params, err := crypto.DefaultKDFParams()
	if err != nil {
		return err
	}
	wrapped, err := crypto.WrapMasterKey(password, params, rawKey)
	if err != nil {
		return fmt.Errorf("repository: wrap key: %w", err)
	}

	kf := KeyFile{
		Created: time.Now(),
		N:       params.N,
		R:       params.R,
		P:       params.P,
		Salt:    params.Salt,
		Data:    wrapped,
	}
	data, err := json.Marshal(kf)
	if err != nil {
		return fmt.Errorf("repository: encode key file: %w", err)
	}

	keyID := id.Hash(data)
	if err := store.WriteBytes(ctx, backend.Key, keyID, false, data); err != nil {
		return fmt.Errorf("repository: write key file: %w", err)
	}
	return nil
}

// unlockKey tries every stored KeyFile against password until one unwraps,
// matching restic's support for multiple passwords per repository.
func unlockKey(ctx context.Context, store backend.ObjectStore, password string) (*crypto.Key, error) {
	entries, err := store.ListWithSize(ctx, backend.Key)
	if err != nil {
		return nil, fmt.Errorf("repository: list keys: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("repository: no key files in repository")
	}

	var lastErr error
	for _, e := range entries {
		raw, err := store.ReadFull(ctx, backend.Key, e.ID)
		if err != nil {
			lastErr = err
			continue
		}
		var kf KeyFile
		if err := json.Unmarshal(raw, &kf); err != nil {
			lastErr = err
			continue
		}
		params := crypto.KDFParams{N: kf.N, R: kf.R, P: kf.P, Salt: kf.Salt}
		key, err := crypto.UnwrapMasterKey(password, params, kf.Data)
		if err != nil {
			lastErr = err
			continue
		}
		return key, nil
	}
	return nil, fmt.Errorf("repository: no key file unlocked with given password: %w", lastErr)
}
