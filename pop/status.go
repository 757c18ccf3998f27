package pop

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"
)

// Status is what the status server reports about a controller.
type Status struct {
	Name        string    `json:"name"`
	Training    bool      `json:"training"`
	Counters    Counters  `json:"counters"`
	Epoch       int       `json:"partition_epoch"`
	Communities [][]int   `json:"communities"`
	Last        *Decision `json:"last_decision,omitempty"`
}

// Status snapshots the controller for reporting.
func (p *POP) Status() Status {
	p.mux.RLock()
	defer p.mux.RUnlock()
	s := Status{
		Name:        p.cfg.Name,
		Training:    p.cfg.Training,
		Counters:    p.counters,
		Epoch:       p.epoch,
		Communities: make([][]int, len(p.communities)),
		Last:        p.last,
	}
	for k, c := range p.communities {
		s.Communities[k] = append([]int(nil), c...)
	}
	return s
}

// StatusServer serves the state of a running controller over http.
type StatusServer struct {
	Addr     string
	ctx      context.Context
	server   *http.Server
	pop      *POP
	recorder *Recorder
}

// NewStatusServer serves /status, /agents, /losses (when recorder is not nil) and /metrics from
// gatherer.
func NewStatusServer(ctx context.Context, addr string, p *POP, recorder *Recorder, gatherer prometheus.Gatherer) *StatusServer {
	s := &StatusServer{
		Addr:     addr,
		ctx:      ctx,
		pop:      p,
		recorder: recorder,
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.GET("/status", s.handleStatus)
	r.GET("/agents", s.handleAgents)
	r.GET("/losses", s.handleLosses)
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	s.server = &http.Server{
		Addr:    addr,
		Handler: r,
	}
	return s
}

// Handler is the http handler of the server, for mounting elsewhere and tests.
func (s *StatusServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *StatusServer) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.pop.Status())
}

func (s *StatusServer) handleAgents(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	stats, err := s.pop.Agents(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *StatusServer) handleLosses(c *gin.Context) {
	if s.recorder == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "losses are not recorded"})
		return
	}
	c.JSON(http.StatusOK, s.recorder.LastLosses())
}

// Start serves until the context of the server is done.
func (s *StatusServer) Start() {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.Errorf("status server on %s: %v", s.Addr, err)
		}
	}()

	go func() {
		<-s.ctx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.server.Shutdown(ctx)
	}()
}
