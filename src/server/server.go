package server

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/tradiny/tradiny/src/coalesce"
	"github.com/tradiny/tradiny/src/fetcher"
	"github.com/tradiny/tradiny/src/indicator"
	"github.com/tradiny/tradiny/src/interfaces"
	"github.com/tradiny/tradiny/src/logger"
	"github.com/tradiny/tradiny/src/models"
	"github.com/tradiny/tradiny/src/provider"
	"github.com/tradiny/tradiny/src/registry"
	"github.com/tradiny/tradiny/src/utils"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

type Server struct {
	Config *models.MConfig
	Logger *logger.Logger
	engine *gin.Engine

	Store      interfaces.SeriesStore
	Registry   *registry.Registry
	Coalescer  *coalesce.Coalescer
	Indicators *indicator.Registry
	Pool       *fetcher.Pool

	gateways map[string]*provider.Gateway

	// WebSocket clients
	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client

	// Per-IP accounting
	limiter     *utils.RateLimiter
	dataLimiter *utils.RateLimiter
	connsMu     sync.Mutex
	connsPerIP  map[string]int
}

// -----------------------------------------------------------------------------
// Constructor
// -----------------------------------------------------------------------------

func NewServer(
	cfg *models.MConfig,
	store interfaces.SeriesStore,
	reg *registry.Registry,
	coalescer *coalesce.Coalescer,
	indicators *indicator.Registry,
	pool *fetcher.Pool,
	gateways []*provider.Gateway,
	log *logger.Logger,
) *Server {
	if cfg.LogLevel != "DEBUG" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		Config:      cfg,
		Logger:      log,
		engine:      gin.Default(),
		Store:       store,
		Registry:    reg,
		Coalescer:   coalescer,
		Indicators:  indicators,
		Pool:        pool,
		gateways:    make(map[string]*provider.Gateway),
		clients:     make(map[*Client]struct{}),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		limiter:     utils.NewRateLimiter(cfg.Limits.MaxRequestsPerIPPerHour, cfg.Limits.WhitelistIP),
		dataLimiter: utils.NewRateLimiter(cfg.Limits.MaxDataRequestsPerIPPerHour, cfg.Limits.WhitelistIP),
		connsPerIP:  make(map[string]int),
	}
	for _, g := range gateways {
		s.gateways[g.Key()] = g
	}

	// CORS middleware; charts are typically embedded cross-origin.
	s.engine.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	s.setupRoutes()
	return s
}

// -----------------------------------------------------------------------------
// Route Setup
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.engine.GET("/api/health", s.getHealth)
	s.engine.GET("/api/dataset", s.getDataset)
	s.engine.GET("/api/config", s.getConfig)

	// WebSocket endpoint
	s.engine.GET("/ws", s.handleWebSocket)
}

// -----------------------------------------------------------------------------
// Server Lifecycle
// -----------------------------------------------------------------------------

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.Config.Host, s.Config.Port)
	s.Logger.Info("Starting server on %s", addr)

	go s.handleLifecycle()

	return s.engine.Run(addr)
}

// -----------------------------------------------------------------------------
// Route Handlers
// -----------------------------------------------------------------------------

func (s *Server) getHealth(c *gin.Context) {
	c.JSON(200, gin.H{
		"status":      "ok",
		"name":        s.Config.Name,
		"connections": len(s.clients),
		"pending":     s.Coalescer.PendingCount(),
	})
}

// -----------------------------------------------------------------------------

// getDataset serves the merged instrument catalog of every provider plus
// the indicator catalog. ?search= filters instruments by substring.
func (s *Server) getDataset(c *gin.Context) {
	search := strings.ToLower(c.Query("search"))

	var instruments []models.MInstrumentDescriptor
	for _, g := range s.gateways {
		ds, err := g.Dataset()
		if err != nil {
			s.Logger.Warning("Dataset for %s unavailable: %v", g.Key(), err)
			continue
		}
		for _, d := range ds {
			if search != "" &&
				!strings.Contains(strings.ToLower(d.Name), search) &&
				!strings.Contains(strings.ToLower(d.NameLabel), search) {
				continue
			}
			instruments = append(instruments, d)
		}
	}
	sort.Slice(instruments, func(i, j int) bool {
		if instruments[i].Source != instruments[j].Source {
			return instruments[i].Source < instruments[j].Source
		}
		return instruments[i].Name < instruments[j].Name
	})

	c.JSON(200, gin.H{
		"data":       instruments,
		"indicators": s.Indicators.Descriptors(),
	})
}

// -----------------------------------------------------------------------------

func (s *Server) getConfig(c *gin.Context) {
	c.JSON(200, gin.H{
		"name":      s.Config.Name,
		"intervals": utils.KnownIntervals(),
	})
}
