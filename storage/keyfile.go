// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package storage

import (
	"crypto/rand"
	"encoding/base64"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// LoadOrCreateKey reads the sealing key kept at path, generating and persisting a random
// one on first use. The file holds the base64 encoded key and is only readable by its owner.
func LoadOrCreateKey(path string) ([32]byte, error) {
	var key [32]byte

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if err != nil || len(decoded) != len(key) {
			return key, errors.Errorf("key file %s does not hold a 32 byte base64 key", path)
		}
		copy(key[:], decoded)
		return key, nil
	case !os.IsNotExist(err):
		return key, errors.Wrapf(err, "failed to read key file %s", path)
	}

	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return key, errors.Wrap(err, "failed to generate storage key")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return key, errors.Wrap(err, "failed to create key directory")
	}

	// Another process may create the key between the read above and this open.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if os.IsExist(err) {
		return LoadOrCreateKey(path)
	}
	if err != nil {
		return key, errors.Wrapf(err, "failed to create key file %s", path)
	}
	if _, err := f.WriteString(base64.StdEncoding.EncodeToString(key[:]) + "\n"); err != nil {
		f.Close()
		return key, errors.Wrapf(err, "failed to write key file %s", path)
	}
	if err := f.Close(); err != nil {
		return key, errors.Wrapf(err, "failed to write key file %s", path)
	}
	return key, nil
}
