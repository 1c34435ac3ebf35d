package dist

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// freeAddr reserviert einen freien Loopback-Port
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// joinAll startet world Ranks und gibt ihre Gruppen nach Rank sortiert zurueck
func joinAll(t *testing.T, world int) []*Group {
	t.Helper()
	addr := freeAddr(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	groups := make([]*Group, world)
	var eg errgroup.Group
	for rank := range world {
		eg.Go(func() error {
			g, err := Join(ctx, rank, world, addr)
			groups[rank] = g
			return err
		})
	}
	require.NoError(t, eg.Wait())

	t.Cleanup(func() {
		for _, g := range groups {
			g.Close()
		}
	})
	return groups
}

func TestJoinInvalidRank(t *testing.T) {
	_, err := Join(context.Background(), 2, 2, "127.0.0.1:0")
	assert.Error(t, err)
}

func TestSingleRankGroup(t *testing.T) {
	g, err := Join(context.Background(), 0, 1, "unused")
	require.NoError(t, err)

	mean, err := g.AllReduceMean(context.Background(), 3.5)
	require.NoError(t, err)
	assert.Equal(t, 3.5, mean)

	all, err := g.AllGather(context.Background(), []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("x")}, all)
}

func TestAllReduceMean(t *testing.T) {
	groups := joinAll(t, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results := make([]float64, len(groups))
	var eg errgroup.Group
	for i, g := range groups {
		eg.Go(func() error {
			v, err := g.AllReduceMean(ctx, float64(i+1))
			results[i] = v
			return err
		})
	}
	require.NoError(t, eg.Wait())

	for rank, v := range results {
		assert.InDelta(t, 2.0, v, 1e-12, "rank %d", rank)
	}
}

func TestAllGatherAndBarrier(t *testing.T) {
	groups := joinAll(t, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results := make([][][]byte, len(groups))
	var eg errgroup.Group
	for i, g := range groups {
		eg.Go(func() error {
			if err := g.Barrier(ctx); err != nil {
				return err
			}
			all, err := g.AllGather(ctx, []byte(fmt.Sprintf("rank-%d", i)))
			results[i] = all
			return err
		})
	}
	require.NoError(t, eg.Wait())

	want := [][]byte{[]byte("rank-0"), []byte("rank-1")}
	for rank, all := range results {
		assert.Equal(t, want, all, "rank %d", rank)
	}
}

func TestDesyncDetected(t *testing.T) {
	groups := joinAll(t, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errs := make(chan error, 2)
	go func() { errs <- groups[0].Barrier(ctx) }()
	go func() {
		_, err := groups[1].AllReduceMean(ctx, 1)
		errs <- err
	}()

	err := <-errs
	assert.ErrorIs(t, err, ErrDesync)
}

func TestJoinTimeout(t *testing.T) {
	addr := freeAddr(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := Join(ctx, 1, 2, addr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
