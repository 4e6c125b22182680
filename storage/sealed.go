// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package storage

import (
	"context"
	"crypto/rand"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

const (
	saltKey   = "storage_sealed_salt_v1"
	saltSize  = 16
	nonceSize = 24
)

// ErrSealBroken is returned when a stored value cannot be authenticated with the store key.
var ErrSealBroken = errors.New("stored value failed authentication")

// SealedStore encrypts values at rest before handing them to the wrapped store.
type SealedStore struct {
	inner KVStore
	key   [32]byte
}

// NewSealedStore derives the sealing key from passphrase. The salt is created on first use
// and kept in the wrapped store.
func NewSealedStore(ctx context.Context, inner KVStore, passphrase string) (*SealedStore, error) {
	if passphrase == "" {
		return nil, errors.New("sealed storage requires a passphrase")
	}

	salt, err := inner.Get(ctx, saltKey)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load storage salt")
	}
	if salt == nil {
		salt = make([]byte, saltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, errors.Wrap(err, "failed to generate storage salt")
		}
		if err := inner.Set(ctx, saltKey, salt); err != nil {
			return nil, errors.Wrap(err, "failed to persist storage salt")
		}
	}

	derived, err := scrypt.Key([]byte(passphrase), salt, 1<<15, 8, 1, 32)
	if err != nil {
		return nil, errors.Wrap(err, "failed to derive storage key")
	}

	var key [32]byte
	copy(key[:], derived)
	return NewSealedStoreWithKey(inner, key), nil
}

func NewSealedStoreWithKey(inner KVStore, key [32]byte) *SealedStore {
	return &SealedStore{inner: inner, key: key}
}

func (s *SealedStore) Get(ctx context.Context, key string) ([]byte, error) {
	sealed, err := s.inner.Get(ctx, key)
	if err != nil || sealed == nil {
		return nil, err
	}
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, errors.Wrapf(ErrSealBroken, "value for key %s is truncated", key)
	}

	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, errors.Wrapf(ErrSealBroken, "key %s", key)
	}
	return plain, nil
}

func (s *SealedStore) Set(ctx context.Context, key string, value []byte) error {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return errors.Wrap(err, "failed to generate nonce")
	}
	sealed := secretbox.Seal(nonce[:], value, &nonce, &s.key)
	return s.inner.Set(ctx, key, sealed)
}

func (s *SealedStore) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}
