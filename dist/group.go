// Package dist - Prozessgruppe fuer Tensor-Parallel-Worker und verteiltes Training.
// Rank 0 nimmt die Verbindungen aller anderen Ranks an (Stern-Topologie);
// Kollektive laufen als Gather an Rank 0 plus Broadcast des Ergebnisses.
package dist

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// ErrDesync: ein Peer hat eine andere Kollektive aufgerufen
var ErrDesync = errors.New("process group out of sync")

// Group ist die Mitgliedschaft eines Prozesses in der Gruppe
type Group struct {
	rank  int
	world int

	mu    sync.Mutex
	seq   uint64
	peers []*peer // nur auf Rank 0 belegt, Index = Rank
	root  *peer   // nur auf Rank > 0 belegt
	ln    net.Listener
}

type peer struct {
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder
}

func newPeer(conn net.Conn) *peer {
	return &peer{
		conn: conn,
		enc:  json.NewEncoder(conn),
		dec:  json.NewDecoder(bufio.NewReader(conn)),
	}
}

type frame struct {
	Op   string            `json:"op"`
	Seq  uint64            `json:"seq"`
	Rank int               `json:"rank"`
	Data json.RawMessage   `json:"data,omitempty"`
	All  []json.RawMessage `json:"all,omitempty"`
}

// Join tritt der Gruppe bei. Rank 0 lauscht auf addr, alle anderen verbinden sich
// mit Wiederholung bis ctx endet.
func Join(ctx context.Context, rank, world int, addr string) (*Group, error) {
	if world < 1 || rank < 0 || rank >= world {
		return nil, fmt.Errorf("invalid rank %d for world size %d", rank, world)
	}

	g := &Group{rank: rank, world: world}
	if world == 1 {
		return g, nil
	}

	if rank == 0 {
		if err := g.accept(ctx, addr); err != nil {
			g.Close()
			return nil, err
		}
	} else {
		if err := g.dial(ctx, addr); err != nil {
			return nil, err
		}
	}

	slog.Debug("joined process group", "rank", rank, "world", world, "addr", addr)
	return g, nil
}

// Addr setzt master_addr und master_port zusammen
func Addr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func (g *Group) accept(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	g.ln = ln

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	g.peers = make([]*peer, g.world)
	for joined := 1; joined < g.world; {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("waiting for %d of %d ranks: %w", g.world-joined, g.world-1, ctx.Err())
			}
			return err
		}

		p := newPeer(conn)
		var hello frame
		if err := p.dec.Decode(&hello); err != nil || hello.Op != "hello" {
			slog.Warn("rejecting peer without hello", "remote", conn.RemoteAddr(), "error", err)
			conn.Close()
			continue
		}

		if hello.Rank <= 0 || hello.Rank >= g.world || g.peers[hello.Rank] != nil {
			slog.Warn("rejecting peer with invalid rank", "rank", hello.Rank)
			conn.Close()
			continue
		}

		g.peers[hello.Rank] = p
		joined++
	}
	return nil
}

func (g *Group) dial(ctx context.Context, addr string) error {
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			p := newPeer(conn)
			if err := p.enc.Encode(frame{Op: "hello", Rank: g.rank}); err != nil {
				conn.Close()
				return err
			}
			g.root = p
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("connect to rank 0 at %s: %w", addr, errors.Join(ctx.Err(), err))
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Rank gibt den eigenen Rank zurueck
func (g *Group) Rank() int { return g.rank }

// World gibt die Gruppengroesse zurueck
func (g *Group) World() int { return g.world }

// Close schliesst alle Verbindungen
func (g *Group) Close() error {
	var errs []error
	if g.ln != nil {
		errs = append(errs, g.ln.Close())
	}
	for _, p := range g.peers {
		if p != nil {
			errs = append(errs, p.conn.Close())
		}
	}
	if g.root != nil {
		errs = append(errs, g.root.conn.Close())
	}
	return errors.Join(errs...)
}

func (g *Group) conns() []net.Conn {
	if g.root != nil {
		return []net.Conn{g.root.conn}
	}

	var out []net.Conn
	for _, p := range g.peers {
		if p != nil {
			out = append(out, p.conn)
		}
	}
	return out
}

// exchange sammelt data aller Ranks an Rank 0 und verteilt die vollstaendige Liste
func (g *Group) exchange(ctx context.Context, op string, data json.RawMessage) ([]json.RawMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.seq++
	if g.world == 1 {
		return []json.RawMessage{data}, nil
	}

	// Deadline und Abbruch von ctx auf alle Verbindungen uebertragen
	conns := g.conns()
	deadline, _ := ctx.Deadline()
	for _, c := range conns {
		c.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		for _, c := range conns {
			c.SetDeadline(time.Now())
		}
	})
	defer stop()

	all, err := g.exchangeLocked(op, data)
	if err != nil && ctx.Err() != nil {
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	}
	return all, err
}

func (g *Group) exchangeLocked(op string, data json.RawMessage) ([]json.RawMessage, error) {
	if g.rank != 0 {
		if err := g.root.enc.Encode(frame{Op: op, Seq: g.seq, Rank: g.rank, Data: data}); err != nil {
			return nil, fmt.Errorf("%s: send: %w", op, err)
		}

		var resp frame
		if err := g.root.dec.Decode(&resp); err != nil {
			return nil, fmt.Errorf("%s: receive: %w", op, err)
		}
		if resp.Op != op || resp.Seq != g.seq {
			return nil, fmt.Errorf("%w: expected %s#%d, got %s#%d", ErrDesync, op, g.seq, resp.Op, resp.Seq)
		}
		return resp.All, nil
	}

	all := make([]json.RawMessage, g.world)
	all[0] = data
	for r := 1; r < g.world; r++ {
		var f frame
		if err := g.peers[r].dec.Decode(&f); err != nil {
			return nil, fmt.Errorf("%s: receive from rank %d: %w", op, r, err)
		}
		if f.Op != op || f.Seq != g.seq {
			return nil, fmt.Errorf("%w: rank %d sent %s#%d, expected %s#%d", ErrDesync, r, f.Op, f.Seq, op, g.seq)
		}
		all[r] = f.Data
	}

	for r := 1; r < g.world; r++ {
		if err := g.peers[r].enc.Encode(frame{Op: op, Seq: g.seq, All: all}); err != nil {
			return nil, fmt.Errorf("%s: send to rank %d: %w", op, r, err)
		}
	}
	return all, nil
}

// Barrier blockiert bis alle Ranks angekommen sind
func (g *Group) Barrier(ctx context.Context) error {
	_, err := g.exchange(ctx, "barrier", nil)
	return err
}

// AllGather verteilt data jedes Ranks an alle; Ergebnis nach Rank sortiert
func (g *Group) AllGather(ctx context.Context, data []byte) ([][]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	all, err := g.exchange(ctx, "all_gather", raw)
	if err != nil {
		return nil, err
	}

	out := make([][]byte, len(all))
	for i, r := range all {
		if err := json.Unmarshal(r, &out[i]); err != nil {
			return nil, fmt.Errorf("all_gather: decode rank %d: %w", i, err)
		}
	}
	return out, nil
}

// AllReduceMean mittelt v ueber alle Ranks
func (g *Group) AllReduceMean(ctx context.Context, v float64) (float64, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}

	all, err := g.exchange(ctx, "all_reduce_mean", raw)
	if err != nil {
		return 0, err
	}

	xs := make([]float64, len(all))
	for i, r := range all {
		if err := json.Unmarshal(r, &xs[i]); err != nil {
			return 0, fmt.Errorf("all_reduce_mean: decode rank %d: %w", i, err)
		}
	}
	return stat.Mean(xs, nil), nil
}
