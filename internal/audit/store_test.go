// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package audit

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStore_RecordAndHistory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	store, err := Open(dbPath)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Record(ctx, "GAME_1", "OPEN", nil))
	require.NoError(t, store.Record(ctx, "GAME_1", "PUBLISHED", []string{"CAM_L", "CAM_R"}))

	events, err := store.History(ctx, "GAME_1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "OPEN", events[0].Status)
	require.Equal(t, "PUBLISHED", events[1].Status)
	require.Equal(t, []string{"CAM_L", "CAM_R"}, events[1].Cameras)
}

func TestStore_HistoryUnknownSessionIsEmpty(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	store, err := Open(dbPath)
	require.NoError(t, err)
	defer store.Close()

	events, err := store.History(context.Background(), "NOPE")
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestStore_ReopenPreservesData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	s1, err := Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.Record(context.Background(), "GAME_2", "PARTIAL", []string{"CAM_L"}))
	require.NoError(t, s1.Close())

	s2, err := Open(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	events, err := s2.History(context.Background(), "GAME_2")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "PARTIAL", events[0].Status)
}
