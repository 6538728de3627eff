package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"pricewatch/internal/apperror"
	"pricewatch/internal/engine"
	"pricewatch/internal/feed"
	"pricewatch/internal/finnhub"
	"pricewatch/internal/prices"
	"pricewatch/internal/watchlist"
)

// Engine is the command surface of the reconciliation loop.
type Engine interface {
	AddInstrument(ctx context.Context, inst watchlist.Instrument) (watchlist.WatchedInstrument, bool, error)
	RemoveInstrument(ctx context.Context, sym string) (bool, error)
	AddAlert(ctx context.Context, sym string, price float64) (watchlist.Alert, error)
	SeedQuote(ctx context.Context, sym string, q prices.Quote) (prices.Record, bool, error)
	Retry()
	ConnectionState() feed.State
}

// Watchlist is the read side of the watchlist model.
type Watchlist interface {
	List() []watchlist.WatchedInstrument
	Alerts() []watchlist.AlertView
	Normalize(raw string) string
}

type Prices interface {
	Get(sym string) (prices.Record, bool)
	Snapshot() map[string]prices.Record
}

// Lookup is the REST side of the data provider.
type Lookup interface {
	Search(ctx context.Context, query string) (finnhub.SearchResponse, error)
	Quote(ctx context.Context, symbol string) (prices.Quote, error)
}

type Options struct {
	Engine         Engine
	Watchlist      Watchlist
	Prices         Prices
	Lookup         Lookup
	Hub            *Hub
	RequestTimeout time.Duration
	QuoteTimeout   time.Duration
	Logger         *zap.Logger
}

type HTTPServer struct {
	eng    Engine
	wl     Watchlist
	px     Prices
	lookup Lookup
	hub    *Hub
	log    *zap.Logger

	quoteTimeout time.Duration
	router       *gin.Engine
}

func NewHTTPServer(opts Options) *HTTPServer {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.QuoteTimeout <= 0 {
		opts.QuoteTimeout = 10 * time.Second
	}
	s := &HTTPServer{
		eng:          opts.Engine,
		wl:           opts.Watchlist,
		px:           opts.Prices,
		lookup:       opts.Lookup,
		hub:          opts.Hub,
		log:          opts.Logger,
		quoteTimeout: opts.QuoteTimeout,
	}
	s.routes(opts.RequestTimeout)
	return s
}

func (s *HTTPServer) Router() http.Handler { return s.router }

func (s *HTTPServer) routes(timeout time.Duration) {
	r := gin.New()
	r.Use(gin.Recovery(), Logger(s.log))

	r.GET("/ws", gin.WrapF(s.hub.ServeWS))

	api := r.Group("/api")
	api.Use(Error(), Timeout(timeout))
	{
		api.GET("/health", s.apiHealth)
		api.GET("/search", s.apiSearch)
		api.GET("/watchlist", s.apiWatchlist)
		api.POST("/watchlist", s.apiAddInstrument)
		api.DELETE("/watchlist/:symbol", s.apiRemoveInstrument)
		api.POST("/watchlist/:symbol/alerts", s.apiAddAlert)
		api.GET("/alerts", s.apiAlerts)
		api.GET("/prices", s.apiPrices)
		api.GET("/prices/:symbol", s.apiPrice)
		api.POST("/reconnect", s.apiReconnect)
	}
	s.router = r
}

func ok(c *gin.Context, status int, data any) {
	c.JSON(status, res{Success: true, Data: data})
}

func (s *HTTPServer) apiHealth(c *gin.Context) {
	ok(c, http.StatusOK, gin.H{
		"ok":    true,
		"state": s.eng.ConnectionState(),
	})
}

type searchQuery struct {
	Q string `form:"q"`
}

func (s *HTTPServer) apiSearch(c *gin.Context) {
	var q searchQuery
	if err := c.ShouldBindQuery(&q); err != nil || q.Q == "" {
		c.Error(apperror.ErrNoQuery)
		return
	}
	out, err := s.lookup.Search(c.Request.Context(), q.Q)
	if err != nil {
		c.Error(lookupError(err))
		return
	}
	ok(c, http.StatusOK, out)
}

func (s *HTTPServer) apiWatchlist(c *gin.Context) {
	ok(c, http.StatusOK, s.wl.List())
}

type addInstrumentReq struct {
	Symbol        string `json:"symbol" binding:"required"`
	Description   string `json:"description"`
	DisplaySymbol string `json:"displaySymbol"`
	Type          string `json:"type"`
}

func (s *HTTPServer) apiAddInstrument(c *gin.Context) {
	var req addInstrumentReq
	if !bindJSON(c, &req) {
		return
	}
	w, added, err := s.eng.AddInstrument(c.Request.Context(), watchlist.Instrument{
		Symbol:        req.Symbol,
		Description:   req.Description,
		DisplaySymbol: req.DisplaySymbol,
		Type:          req.Type,
	})
	if err != nil {
		c.Error(engineError(err))
		return
	}
	status := http.StatusOK
	if added {
		status = http.StatusCreated
		go s.seedQuote(w.Symbol)
	}
	ok(c, status, w)
}

// seedQuote fills the live record from a REST quote so a new row shows a
// price before the first trade. Failures only cost the early price.
func (s *HTTPServer) seedQuote(sym string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.quoteTimeout)
	defer cancel()
	q, err := s.lookup.Quote(ctx, sym)
	if err != nil {
		s.log.Debug("quote seed skipped", zap.String("symbol", sym), zap.Error(err))
		return
	}
	if _, _, err := s.eng.SeedQuote(ctx, sym, q); err != nil {
		s.log.Debug("quote seed not applied", zap.String("symbol", sym), zap.Error(err))
	}
}

func (s *HTTPServer) apiRemoveInstrument(c *gin.Context) {
	removed, err := s.eng.RemoveInstrument(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		c.Error(engineError(err))
		return
	}
	if !removed {
		c.Error(apperror.ErrNotWatched)
		return
	}
	ok(c, http.StatusOK, gin.H{"symbol": s.wl.Normalize(c.Param("symbol"))})
}

type addAlertReq struct {
	Price float64 `json:"price" binding:"required,gt=0"`
}

func (s *HTTPServer) apiAddAlert(c *gin.Context) {
	var req addAlertReq
	if !bindJSON(c, &req) {
		return
	}
	a, err := s.eng.AddAlert(c.Request.Context(), c.Param("symbol"), req.Price)
	if err != nil {
		c.Error(engineError(err))
		return
	}
	ok(c, http.StatusCreated, a)
}

func (s *HTTPServer) apiAlerts(c *gin.Context) {
	ok(c, http.StatusOK, s.wl.Alerts())
}

func (s *HTTPServer) apiPrices(c *gin.Context) {
	ok(c, http.StatusOK, s.px.Snapshot())
}

func (s *HTTPServer) apiPrice(c *gin.Context) {
	rec, found := s.px.Get(c.Param("symbol"))
	if !found {
		c.Error(apperror.ErrNoData)
		return
	}
	ok(c, http.StatusOK, rec)
}

func (s *HTTPServer) apiReconnect(c *gin.Context) {
	s.eng.Retry()
	ok(c, http.StatusAccepted, gin.H{"state": s.eng.ConnectionState()})
}

// bindJSON binds the body into v, attaching a renderable error on failure.
func bindJSON(c *gin.Context, v any) bool {
	err := c.ShouldBindJSON(v)
	if err == nil {
		return true
	}
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		c.Error(err)
	} else {
		c.Error(apperror.ErrBadBody)
	}
	return false
}

func engineError(err error) error {
	switch {
	case errors.Is(err, watchlist.ErrUnknownInstrument):
		return apperror.ErrNotWatched
	case errors.Is(err, watchlist.ErrInvalidSymbol):
		return apperror.ErrInvalidSymbol
	case errors.Is(err, engine.ErrStopped):
		return apperror.ErrUnavailable
	}
	return err
}

func lookupError(err error) error {
	if errors.Is(err, finnhub.ErrNoToken) {
		return apperror.ErrNoToken
	}
	var ae *finnhub.APIError
	if errors.As(err, &ae) {
		return apperror.New(http.StatusBadGateway, ae.Error())
	}
	return err
}
