// SPDX-FileCopyrightText: Copyright 2026 Quartzband, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package secrets owns the two long-lived secrets of the appliance: the HMAC
// shared secret that authenticates loopback clients, and the symmetric data
// key used for at-rest protection of signing-key material.
//
// Both live under a 0700 directory and are generated with a cryptographic RNG
// on first launch. The loopback HMAC path must work before any token exists,
// so the shared secret is the trust root for on-device bootstrap.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/quartzband/beacond/pkg/logger"
	"github.com/quartzband/beacond/pkg/secrets/aes"
)

const (
	// SharedSecretFile holds the 32-byte HMAC shared secret.
	SharedSecretFile = "shared_secret.bin"
	// DataKeyFile holds the base64url-encoded AES-256 data key.
	DataKeyFile = "fernet_key.b64"

	sharedSecretLen = 32

	dirMode  = 0700
	fileMode = 0600
)

// ErrSecretsInit is returned when the secrets directory or files cannot be
// created, or exist but are unusable.
var ErrSecretsInit = errors.New("secrets initialization failed")

// Store guards the secrets directory and exposes the shared secret and the
// data-encryption primitives. File contents are read once by LoadOrCreate and
// kept in memory for the process lifetime.
type Store struct {
	dir          string
	sharedSecret []byte
	dataKey      []byte
}

// New creates a Store rooted at dir. No filesystem access happens until
// LoadOrCreate is called.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the secrets directory path.
func (s *Store) Dir() string {
	return s.dir
}

// LoadOrCreate ensures the secrets directory and both secret files exist with
// restrictive permissions, generating them on first run. It is idempotent.
func (s *Store) LoadOrCreate() error {
	if err := os.MkdirAll(s.dir, dirMode); err != nil {
		return fmt.Errorf("%w: creating %s: %v", ErrSecretsInit, s.dir, err)
	}
	// MkdirAll does not tighten permissions on a pre-existing directory.
	if err := os.Chmod(s.dir, dirMode); err != nil {
		return fmt.Errorf("%w: securing %s: %v", ErrSecretsInit, s.dir, err)
	}

	secret, err := s.loadOrCreateFile(SharedSecretFile, func() ([]byte, error) {
		buf := make([]byte, sharedSecretLen)
		if _, err := io.ReadFull(rand.Reader, buf); err != nil {
			return nil, err
		}
		return buf, nil
	})
	if err != nil {
		return err
	}
	s.sharedSecret = secret

	encodedKey, err := s.loadOrCreateFile(DataKeyFile, func() ([]byte, error) {
		key, err := aes.GenerateKey()
		if err != nil {
			return nil, err
		}
		return []byte(base64.URLEncoding.EncodeToString(key)), nil
	})
	if err != nil {
		return err
	}

	dataKey, err := base64.URLEncoding.DecodeString(string(encodedKey))
	if err != nil {
		return fmt.Errorf("%w: decoding %s: %v", ErrSecretsInit, DataKeyFile, err)
	}
	if len(dataKey) != aes.KeySize {
		return fmt.Errorf("%w: %s holds a %d-byte key, want %d",
			ErrSecretsInit, DataKeyFile, len(dataKey), aes.KeySize)
	}
	s.dataKey = dataKey

	return nil
}

// SharedSecret returns the HMAC shared secret. LoadOrCreate must have been
// called first.
func (s *Store) SharedSecret() []byte {
	return s.sharedSecret
}

// Encrypt seals data under the data key using AES-256-GCM.
func (s *Store) Encrypt(plaintext []byte) ([]byte, error) {
	return aes.Encrypt(plaintext, s.dataKey)
}

// Decrypt opens data sealed by Encrypt.
func (s *Store) Decrypt(ciphertext []byte) ([]byte, error) {
	return aes.Decrypt(ciphertext, s.dataKey)
}

// loadOrCreateFile reads the named secret file, generating and atomically
// writing it when missing. An existing empty file is treated as corruption
// rather than silently regenerated, since another process may own it.
func (s *Store) loadOrCreateFile(name string, generate func() ([]byte, error)) ([]byte, error) {
	path := filepath.Join(s.dir, name)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(data) == 0 {
			return nil, fmt.Errorf("%w: %s exists but is empty", ErrSecretsInit, path)
		}
		if err := os.Chmod(path, fileMode); err != nil {
			return nil, fmt.Errorf("%w: securing %s: %v", ErrSecretsInit, path, err)
		}
		return data, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("%w: reading %s: %v", ErrSecretsInit, path, err)
	}

	data, err = generate()
	if err != nil {
		return nil, fmt.Errorf("%w: generating %s: %v", ErrSecretsInit, name, err)
	}

	if err := writeFileAtomic(path, data, fileMode); err != nil {
		return nil, fmt.Errorf("%w: writing %s: %v", ErrSecretsInit, path, err)
	}

	logger.Infof("Generated new secret file: %s", path)
	return data, nil
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place, so a crash never leaves a partially written secret.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}
