package server

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AvaProtocol/ap-userop/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-userop/pkg/logger"
	"github.com/AvaProtocol/ap-userop/storage"
	"github.com/AvaProtocol/ap-userop/version"
)

const shutdownTimeout = 5 * time.Second

type HttpJsonResp[T any] struct {
	Data T `json:"data"`
}

type errorResp struct {
	Error string `json:"error"`
}

// StatusReader looks up the live status of an operation. *preset.Builder implements it.
type StatusReader interface {
	GetStatus(ctx context.Context, hash string) (*bundler.UserOperationStatus, error)
}

// UserOpView is the /userops/:hash payload.
type UserOpView struct {
	UserOpHash      string     `json:"userOpHash"`
	Status          string     `json:"status"`
	TransactionHash string     `json:"transactionHash,omitempty"`
	ExplorerURL     string     `json:"explorerUrl,omitempty"`
	Tracked         bool       `json:"tracked"`
	Sender          string     `json:"sender,omitempty"`
	Nonce           string     `json:"nonce,omitempty"`
	SubmittedAt     *time.Time `json:"submittedAt,omitempty"`
}

type Options struct {
	Addr string
	// TxURL links a transaction hash to a block explorer. Optional.
	TxURL func(txHash string) string
}

// Server is the read only HTTP surface of a running pipeline: liveness, Prometheus metrics
// and the status of submitted operations.
type Server struct {
	opts     Options
	status   StatusReader
	journal  *storage.Journal
	gatherer prometheus.Gatherer
	logger   logger.Logger

	ready atomic.Bool
	e     *echo.Echo
}

// New builds the router. journal may be nil, in which case only live lookups are served.
func New(opts Options, status StatusReader, journal *storage.Journal, gatherer prometheus.Gatherer, log logger.Logger) *Server {
	s := &Server{
		opts:     opts,
		status:   status,
		journal:  journal,
		gatherer: gatherer,
		logger:   logger.EnsureLogger(log),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug("http request", "method", v.Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	e.GET("/up", s.up)
	e.GET("/version", s.version)
	if gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	e.GET("/userops", s.listUserOps)
	e.GET("/userops/:hash", s.getUserOp)

	s.e = e
	return s
}

func (s *Server) Handler() http.Handler {
	return s.e
}

// SetReady flips /up to 200 once the pipeline has finished starting.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "address", s.opts.Addr)
		if err := s.e.Start(s.opts.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.e.Shutdown(shutdownCtx)
}

func (s *Server) up(c echo.Context) error {
	if s.ready.Load() {
		return c.String(http.StatusOK, "up")
	}
	return c.String(http.StatusServiceUnavailable, "pending...")
}

func (s *Server) version(c echo.Context) error {
	return c.JSON(http.StatusOK, &HttpJsonResp[map[string]string]{
		Data: map[string]string{"version": version.Get(), "revision": version.Commit()},
	})
}

func (s *Server) listUserOps(c echo.Context) error {
	if s.journal == nil {
		return c.JSON(http.StatusNotFound, errorResp{Error: "journal disabled"})
	}

	var (
		entries []*storage.JournalEntry
		err     error
	)
	switch state := c.QueryParam("state"); state {
	case "", "pending":
		entries, err = s.journal.Pending()
	case "done":
		entries, err = s.journal.Done()
	default:
		return c.JSON(http.StatusBadRequest, errorResp{Error: "state must be pending or done"})
	}
	if err != nil {
		s.logger.Error("cannot list journal", "error", err)
		return c.JSON(http.StatusInternalServerError, errorResp{Error: "journal unavailable"})
	}

	views := make([]UserOpView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, s.fromEntry(entry))
	}
	return c.JSON(http.StatusOK, &HttpJsonResp[[]UserOpView]{Data: views})
}

func (s *Server) getUserOp(c echo.Context) error {
	hash := c.Param("hash")
	if b, err := hexutil.Decode(hash); err != nil || len(b) != common.HashLength {
		return c.JSON(http.StatusBadRequest, errorResp{Error: "hash must be 32 bytes of 0x prefixed hex"})
	}

	var entry *storage.JournalEntry
	if s.journal != nil {
		found, err := s.journal.Get(hash)
		switch {
		case err == nil:
			entry = found
		case !errors.Is(err, storage.ErrNotFound):
			s.logger.Error("cannot read journal", "hash", hash, "error", err)
		}
	}

	// final statuses never change, so the journal answers without a bundler round trip
	if entry != nil && entry.Done {
		return c.JSON(http.StatusOK, &HttpJsonResp[UserOpView]{Data: s.fromEntry(entry)})
	}

	status, err := s.status.GetStatus(c.Request().Context(), hash)
	if err != nil {
		s.logger.Warn("status lookup failed", "hash", hash, "error", err)
		if entry != nil {
			return c.JSON(http.StatusOK, &HttpJsonResp[UserOpView]{Data: s.fromEntry(entry)})
		}
		return c.JSON(http.StatusBadGateway, errorResp{Error: err.Error()})
	}

	view := UserOpView{UserOpHash: hash, Status: string(status.Status)}
	if entry != nil {
		view = s.fromEntry(entry)
		if bundler.CanTransition(bundler.Status(entry.Status), status.Status) {
			view.Status = string(status.Status)
		}
	}
	if status.TransactionHash != nil {
		view.TransactionHash = *status.TransactionHash
		view.ExplorerURL = s.explorerURL(view.TransactionHash)
	}
	if status.Status == bundler.StatusNotFound && entry == nil {
		return c.JSON(http.StatusNotFound, &HttpJsonResp[UserOpView]{Data: view})
	}
	return c.JSON(http.StatusOK, &HttpJsonResp[UserOpView]{Data: view})
}

func (s *Server) fromEntry(entry *storage.JournalEntry) UserOpView {
	submitted := entry.SubmittedAt
	return UserOpView{
		UserOpHash:      entry.UserOpHash,
		Status:          entry.Status,
		TransactionHash: entry.TransactionHash,
		ExplorerURL:     s.explorerURL(entry.TransactionHash),
		Tracked:         true,
		Sender:          entry.Sender,
		Nonce:           entry.Nonce,
		SubmittedAt:     &submitted,
	}
}

func (s *Server) explorerURL(txHash string) string {
	if txHash == "" || s.opts.TxURL == nil {
		return ""
	}
	return s.opts.TxURL(txHash)
}
