// broker.go - HTTP-Broker der die Queues des Orchestrators fuer Worker-Prozesse freigibt
// Enthaelt: Broker, Handler, Serve
package ipc

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sphinx-mllm/sphinx/api"
)

const defaultPollWindow = 30 * time.Second

// Broker verbindet die prozesslokalen Queues mit den Worker-Prozessen.
// Jeder Rank liest seine eigene Outbound-Queue; nur der Responder darf
// in die Inbound-Queue schreiben.
type Broker struct {
	outbound  []Receiver[api.GenerationRequest]
	inbound   Sender[api.Message]
	barrier   *LocalBarrier
	beats     *Heartbeats
	responder int

	// PollWindow begrenzt jeden Long-Poll
	PollWindow time.Duration
}

// NewBroker erstellt einen Broker; outbound[i] gehoert zu Rank i
func NewBroker(outbound []Receiver[api.GenerationRequest], inbound Sender[api.Message], barrier *LocalBarrier, beats *Heartbeats, responder int) *Broker {
	return &Broker{
		outbound:   outbound,
		inbound:    inbound,
		barrier:    barrier,
		beats:      beats,
		responder:  responder,
		PollWindow: defaultPollWindow,
	}
}

// Handler gibt den gin-Router des Brokers zurueck
func (b *Broker) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), loopbackOnly())

	v1 := r.Group("/v1")
	v1.GET("/queues/:rank/next", b.nextHandler)
	v1.POST("/inbound/:rank", b.inboundHandler)
	v1.POST("/barrier/:rank", b.barrierHandler)
	v1.POST("/heartbeat/:rank", b.heartbeatHandler)
	return r
}

// Serve bedient ln bis ctx endet
func (b *Broker) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: b.Handler()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("broker shutdown", "error", err)
		}
	}()

	slog.Debug("broker listening", "addr", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// loopbackOnly lehnt Anfragen ab die nicht vom lokalen Rechner kommen
func loopbackOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		addr, err := netip.ParseAddrPort(c.Request.RemoteAddr)
		if err == nil && !addr.Addr().IsLoopback() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "broker only accepts loopback connections"})
			return
		}
		c.Next()
	}
}

func (b *Broker) rank(c *gin.Context) (int, bool) {
	rank, err := strconv.Atoi(c.Param("rank"))
	if err != nil || rank < 0 || rank >= len(b.outbound) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown rank " + c.Param("rank")})
		return 0, false
	}
	return rank, true
}

func (b *Broker) nextHandler(c *gin.Context) {
	rank, ok := b.rank(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), b.PollWindow)
	defer cancel()

	req, err := b.outbound[rank].Get(ctx)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, req)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
		c.Status(http.StatusNoContent)
	case errors.Is(err, context.Canceled):
		// Worker hat die Verbindung geschlossen
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (b *Broker) inboundHandler(c *gin.Context) {
	rank, ok := b.rank(c)
	if !ok {
		return
	}

	if rank != b.responder {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "only the responder may write to the inbound queue"})
		return
	}

	var msg api.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := msg.Validate(); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := b.inbound.Put(c.Request.Context(), msg); err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	c.Status(http.StatusOK)
}

func (b *Broker) barrierHandler(c *gin.Context) {
	rank, ok := b.rank(c)
	if !ok {
		return
	}

	if err := b.barrier.Arrive(rank); err != nil {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	t := time.NewTimer(b.PollWindow)
	defer t.Stop()

	select {
	case <-b.barrier.Released():
	case <-t.C:
	case <-c.Request.Context().Done():
		return
	}

	arrived, parties := b.barrier.Status()
	c.JSON(http.StatusOK, api.BarrierResponse{
		Released: arrived == parties,
		Arrived:  arrived,
		Parties:  parties,
	})
}

func (b *Broker) heartbeatHandler(c *gin.Context) {
	rank, ok := b.rank(c)
	if !ok {
		return
	}

	if b.beats != nil {
		b.beats.Beat(rank)
	}
	c.Status(http.StatusOK)
}
