// remote.go - Queue- und Barrieren-Handles fuer Worker-Prozesse
package ipc

import (
	"context"
	"log/slog"

	"github.com/sphinx-mllm/sphinx/api"
)

// RemoteOutbound liest die Outbound-Queue eines Ranks ueber den Broker
type RemoteOutbound struct {
	client *api.Client
	rank   int
}

// NewRemoteOutbound erstellt den Lese-Handle fuer rank
func NewRemoteOutbound(client *api.Client, rank int) *RemoteOutbound {
	return &RemoteOutbound{client: client, rank: rank}
}

// Get wartet bis ein Request ankommt oder ctx endet
func (q *RemoteOutbound) Get(ctx context.Context) (api.GenerationRequest, error) {
	for {
		req, err := q.client.NextRequest(ctx, q.rank)
		if err != nil {
			return api.GenerationRequest{}, err
		}
		if req != nil {
			return *req, nil
		}
	}
}

// RemoteInbound schreibt in die gemeinsame Inbound-Queue
type RemoteInbound struct {
	client *api.Client
	rank   int
}

// NewRemoteInbound erstellt den Schreib-Handle fuer rank
func NewRemoteInbound(client *api.Client, rank int) *RemoteInbound {
	return &RemoteInbound{client: client, rank: rank}
}

// Put sendet msg an den Orchestrator
func (q *RemoteInbound) Put(ctx context.Context, msg api.Message) error {
	return q.client.Push(ctx, q.rank, msg)
}

// RemoteBarrier ist die Start-Barriere aus Sicht eines Workers
type RemoteBarrier struct {
	client *api.Client
}

// NewRemoteBarrier erstellt einen Barrieren-Handle
func NewRemoteBarrier(client *api.Client) *RemoteBarrier {
	return &RemoteBarrier{client: client}
}

// Wait meldet party an und pollt bis zur Freigabe
func (b *RemoteBarrier) Wait(ctx context.Context, party int) error {
	for {
		resp, err := b.client.Barrier(ctx, party)
		if err != nil {
			return err
		}
		if resp.Released {
			return nil
		}
		slog.Debug("waiting at barrier", "rank", party, "arrived", resp.Arrived, "parties", resp.Parties)
	}
}
