// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package peers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRegistry_StaticTakesPrecedenceOverDiscovery(t *testing.T) {
	r := NewRegistry(5 * time.Second)
	r.AddStatic("CAM_R", "10.0.0.3:9001")
	r.Discover("CAM_R", "10.0.0.99:9001")

	p, ok := r.Get("CAM_R")
	require.True(t, ok)
	assert.Equal(t, SourceStatic, p.Source)
	assert.Equal(t, "10.0.0.3:9001", p.Endpoint)
}

func TestRegistry_LearnDoesNotOverrideStatic(t *testing.T) {
	r := NewRegistry(5 * time.Second)
	r.AddStatic("CAM_C", "10.0.0.2:9001")
	r.Learn("CAM_C", "10.0.0.55:9001")

	p, _ := r.Get("CAM_C")
	assert.Equal(t, SourceStatic, p.Source)
}

func TestRegistry_OfflineAfterTimeout(t *testing.T) {
	r := NewRegistry(10 * time.Millisecond)
	r.AddStatic("CAM_L", "10.0.0.1:9001")
	r.MarkSeen("CAM_L")

	time.Sleep(20 * time.Millisecond)
	p, _ := r.Get("CAM_L")
	assert.Equal(t, StatusOffline, p.Status)
}

func TestRegistry_ProbeDedupesConcurrentCallers(t *testing.T) {
	r := NewRegistry(5 * time.Second)
	r.AddStatic("CAM_R", "10.0.0.3:9001")

	var calls int32
	prober := func(ctx context.Context, p Peer) error {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return nil
	}

	done := make(chan struct{}, 5)
	for i := 0; i < 5; i++ {
		go func() {
			_, _ = r.Probe(context.Background(), "CAM_R", prober)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 5; i++ {
		<-done
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRegistry_ProbeUnreachableMarksOffline(t *testing.T) {
	r := NewRegistry(5 * time.Second)
	r.AddStatic("CAM_R", "10.0.0.3:9001")

	_, err := r.Probe(context.Background(), "CAM_R", func(ctx context.Context, p Peer) error {
		return errors.New("connection refused")
	})
	require.Error(t, err)

	p, _ := r.Get("CAM_R")
	assert.Equal(t, StatusOffline, p.Status)
}

func TestRegistry_RemoveStaticOnlyAffectsStatic(t *testing.T) {
	r := NewRegistry(5 * time.Second)
	r.Discover("CAM_X", "10.0.0.9:9001")
	assert.False(t, r.RemoveStatic("CAM_X"))

	r.AddStatic("CAM_Y", "10.0.0.10:9001")
	assert.True(t, r.RemoveStatic("CAM_Y"))
	_, ok := r.Get("CAM_Y")
	assert.False(t, ok)
}
