// Package feedsim is a development stand-in for the market-data service: a
// websocket feed speaking the engine's subscribe/unsubscribe protocol plus a
// /bars endpoint serving synthetic history in the backfill wire shape.
package feedsim

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"chart-sync-engine/internal/bucket"
	"chart-sync-engine/internal/logger"
	"chart-sync-engine/internal/types"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type Server struct {
	engine *gin.Engine
	source *walkSource

	mu      sync.Mutex
	clients map[*client]struct{}

	tickInterval time.Duration
}

func NewServer(tickInterval time.Duration) *Server {
	if tickInterval <= 0 {
		tickInterval = 500 * time.Millisecond
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		engine:       gin.New(),
		source:       newWalkSource(),
		clients:      make(map[*client]struct{}),
		tickInterval: tickInterval,
	}
	s.engine.Use(gin.Recovery())
	s.engine.GET("/ws", s.handleWS)
	s.engine.GET("/bars", s.handleBars)
	return s
}

// Run blocks serving HTTP and the tick generator.
func (s *Server) Run(addr string) error {
	go s.generate()
	return s.engine.Run(addr)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn(c.Request.Context(), "Websocket upgrade failed", "error", err)
		return
	}

	cl := newClient(s, conn)
	s.mu.Lock()
	s.clients[cl] = struct{}{}
	s.mu.Unlock()

	go cl.writePump()
	go cl.readPump()
}

func (s *Server) dropClient(cl *client) {
	s.mu.Lock()
	if _, ok := s.clients[cl]; ok {
		delete(s.clients, cl)
		close(cl.send)
	}
	s.mu.Unlock()
}

// generate steps every subscribed instrument's random walk and fans the
// resulting ticks out to subscribed clients.
func (s *Server) generate() {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for range ticker.C {
		s.mu.Lock()
		clients := make([]*client, 0, len(s.clients))
		for cl := range s.clients {
			clients = append(clients, cl)
		}
		s.mu.Unlock()

		instruments := make(map[types.InstrumentKey]struct{})
		for _, cl := range clients {
			for _, ik := range cl.instruments() {
				instruments[ik] = struct{}{}
			}
		}

		now := float64(time.Now().UnixNano()) / 1e9
		for ik := range instruments {
			tick := s.source.next(ik, now)
			for _, cl := range clients {
				cl.offer(tick)
			}
		}
	}
}

// handleBars serves synthetic history: one bar per bucket over [from, to],
// aligned through the same bucket clock the aggregator uses.
func (s *Server) handleBars(c *gin.Context) {
	symbol := c.Query("symbol")
	tf := types.Timeframe(c.Query("timeframe"))
	from, errF := strconv.ParseInt(c.Query("from"), 10, 64)
	to, errT := strconv.ParseInt(c.Query("to"), 10, 64)

	if symbol == "" || !tf.Valid() || errF != nil || errT != nil || to < from {
		c.JSON(http.StatusOK, gin.H{"s": "error", "errmsg": "bad symbol/timeframe/range"})
		return
	}

	interval := tf.Seconds()
	start := bucket.Start(float64(from), tf)
	end := bucket.Start(float64(to), tf)

	bars := s.source.history(symbol, start, end, interval)
	c.JSON(http.StatusOK, gin.H{
		"s": "ok",
		"t": bars.T,
		"o": bars.O,
		"h": bars.H,
		"l": bars.L,
		"c": bars.C,
	})
}
