package pmemkv

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	configFileName   = "configs"
	dataFileName     = "data"
	pendingBatchDir  = "pending_batch_files"
	configVersion    = 1
	backupFileMagic  = "PMKVBAK1"
	backupFormatVers = 1
)

// immutableConfig is written once when the store is created and checked for
// compatibility on every reopen. The arena layout depends on these values,
// so a mismatch is startup-fatal.
type immutableConfig struct {
	Version       int    `json:"version"`
	PMemFileSize  uint64 `json:"pmem_file_size"`
	ChunkSize     uint32 `json:"chunk_size"`
	MaxWriteSlots int    `json:"max_write_slots"`
}

func configFromOptions(o *Options) immutableConfig {
	return immutableConfig{
		Version:       configVersion,
		PMemFileSize:  o.PMemFileSize,
		ChunkSize:     o.ChunkSize,
		MaxWriteSlots: o.MaxWriteSlots,
	}
}

// persistOrVerifyConfig loads the persisted immutable config, or persists
// the requested one if this is a fresh store. It returns the effective
// config.
func persistOrVerifyConfig(dir string, want immutableConfig) (immutableConfig, error) {
	path := filepath.Join(dir, configFileName)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return want, writeConfigAtomic(dir, path, want)
	}
	if err != nil {
		return immutableConfig{}, err
	}

	var got immutableConfig
	if err := json.Unmarshal(data, &got); err != nil {
		return immutableConfig{}, fmt.Errorf("corrupt config file %s: %w", path, err)
	}
	if got.Version != want.Version {
		return immutableConfig{}, &ConfigMismatchError{Field: "version", Persisted: uint64(got.Version), Requested: uint64(want.Version)}
	}
	if got.PMemFileSize != want.PMemFileSize {
		return immutableConfig{}, &ConfigMismatchError{Field: "pmem_file_size", Persisted: got.PMemFileSize, Requested: want.PMemFileSize}
	}
	if got.ChunkSize != want.ChunkSize {
		return immutableConfig{}, &ConfigMismatchError{Field: "chunk_size", Persisted: uint64(got.ChunkSize), Requested: uint64(want.ChunkSize)}
	}
	if got.MaxWriteSlots != want.MaxWriteSlots {
		return immutableConfig{}, &ConfigMismatchError{Field: "max_write_slots", Persisted: uint64(got.MaxWriteSlots), Requested: uint64(want.MaxWriteSlots)}
	}
	return got, nil
}

// writeConfigAtomic writes the config via temp file, fsync, rename, and
// fsync of the directory, so a crash never leaves a half-written config.
func writeConfigAtomic(dir, path string, cfg immutableConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.OpenFile(dir, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
