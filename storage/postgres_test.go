// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStoreQueries(t *testing.T) {
	store := NewPostgresStore(nil, "")

	t.Run("select", func(t *testing.T) {
		query, args, err := store.getQuery("mcp_server_configs").ToSql()
		require.NoError(t, err)
		assert.Equal(t, "SELECT value FROM mcp_kv WHERE key = $1", query)
		assert.Equal(t, []interface{}{"mcp_server_configs"}, args)
	})

	t.Run("upsert", func(t *testing.T) {
		now := time.UnixMilli(1700000000000)
		query, args, err := store.setQuery("k", []byte("v"), now).ToSql()
		require.NoError(t, err)
		assert.Equal(t, "INSERT INTO mcp_kv (key,value,updated_at) VALUES ($1,$2,$3) "+
			"ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at", query)
		assert.Equal(t, []interface{}{"k", []byte("v"), int64(1700000000000)}, args)
	})

	t.Run("delete", func(t *testing.T) {
		query, args, err := store.deleteQuery("k").ToSql()
		require.NoError(t, err)
		assert.Equal(t, "DELETE FROM mcp_kv WHERE key = $1", query)
		assert.Equal(t, []interface{}{"k"}, args)
	})

	t.Run("custom table", func(t *testing.T) {
		custom := NewPostgresStore(nil, "client_kv")
		assert.Contains(t, custom.schemaSQL(), "CREATE TABLE IF NOT EXISTS client_kv")
	})
}
