package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	offlinecache "github.com/huykn/offline-cache"
	"github.com/huykn/offline-cache/router"
	syncer "github.com/huykn/offline-cache/sync"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "run",
	Short:   "Run the offline proxy",
	Long: `Run the offline proxy in front of --upstream.

Every request is forwarded to the upstream through the cache router. On
startup the --precache resources are installed under the current cache
version and caches of older versions are deleted.

Control endpoints:
  POST /_offline/sync      connectivity restored, drain the queue now
  POST /_offline/push      display a push message
  POST /_offline/action    select an action on a displayed alert
  GET  /_offline/queue     list pending requests
  GET  /_offline/abandoned list abandoned requests
  POST /_offline/abandon/{id}
                           cancel a pending request and raise its alert
  GET  /_offline/ws        notification websocket`,
	RunE: func(cmd *cobra.Command, args []string) error {
		listen, _ := cmd.Flags().GetString("listen")

		logger := newLogger()
		cfg, err := loadConfig(logger)
		if err != nil {
			return err
		}
		if cfg.Origin == "" {
			return fmt.Errorf("--upstream is required")
		}

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		if endpoint := viper.GetString("otlp-endpoint"); endpoint != "" && cfg.EnableMetrics {
			shutdown, err := initMetrics(ctx, endpoint)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(shutdownCtx); err != nil {
					logger.Warn("metrics shutdown failed", "error", err)
				}
			}()
		}

		layer, err := offlinecache.New(cfg)
		if err != nil {
			return err
		}
		defer layer.Close()

		// A failed install keeps the previous version's caches.
		if err := layer.Handle(ctx, offlinecache.Event{Kind: offlinecache.EventInstall}); err != nil {
			logger.Warn("install failed, skipping activation", "version", cfg.VersionTag, "error", err)
		} else if err := layer.Handle(ctx, offlinecache.Event{Kind: offlinecache.EventActivate}); err != nil {
			logger.Warn("activation failed", "version", cfg.VersionTag, "error", err)
		}

		p, err := newProxy(layer, cfg.Origin, logger)
		if err != nil {
			return err
		}
		server := &http.Server{
			Addr:              listen,
			Handler:           p.routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			if err := layer.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			logger.Info("offline proxy listening", "addr", listen, "upstream", cfg.Origin)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			layer.Hub().Close()
			return server.Shutdown(shutdownCtx)
		})

		err = g.Wait()
		logger.Info("offline proxy stopped")
		return err
	},
}

func init() {
	serveCmd.Flags().StringP("listen", "l", "127.0.0.1:8787", "address to listen on")
	rootCmd.AddCommand(serveCmd)
}

// proxy forwards requests to the upstream through the layer's router.
type proxy struct {
	layer    *offlinecache.Layer
	upstream *url.URL
	client   *http.Client
	logger   *slog.Logger
}

func newProxy(layer *offlinecache.Layer, upstream string, logger *slog.Logger) (*proxy, error) {
	u, err := url.Parse(upstream)
	if err != nil {
		return nil, err
	}
	client := layer.HTTPClient()
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &proxy{layer: layer, upstream: u, client: client, logger: logger}, nil
}

func (p *proxy) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /_offline/sync", p.handleSync)
	mux.HandleFunc("POST /_offline/push", p.handlePush)
	mux.HandleFunc("POST /_offline/action", p.handleAction)
	mux.HandleFunc("GET /_offline/queue", p.handleQueue)
	mux.HandleFunc("GET /_offline/abandoned", p.handleAbandoned)
	mux.HandleFunc("POST /_offline/abandon/{id}", p.handleAbandon)
	mux.HandleFunc("GET /_offline/health", func(w http.ResponseWriter, r *http.Request) {
		health := map[string]any{
			"status":  "ok",
			"version": p.layer.Store().Tag(),
			"clients": p.layer.Hub().ClientCount(),
		}
		if err := p.layer.Degraded(); err != nil {
			health["status"] = "degraded"
			health["error"] = err.Error()
		}
		writeJSON(w, http.StatusOK, health)
	})
	mux.Handle("GET /_offline/ws", p.layer.Hub())
	mux.HandleFunc("/", p.forward)
	return mux
}

var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

func (p *proxy) forward(w http.ResponseWriter, r *http.Request) {
	target := p.upstream.ResolveReference(&url.URL{Path: r.URL.Path, RawQuery: r.URL.RawQuery})

	out, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	out.Header = r.Header.Clone()
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	out.ContentLength = r.ContentLength

	resp, err := p.client.Do(out)
	if err != nil {
		var queued *router.QueuedError
		switch {
		case errors.As(err, &queued):
			writeJSON(w, http.StatusAccepted, map[string]any{
				"queued":    true,
				"id":        queued.Request.ID,
				"coalesced": queued.Coalesced,
			})
		case errors.Is(err, offlinecache.ErrUnavailable):
			writeError(w, http.StatusServiceUnavailable, err)
		default:
			p.logger.Warn("forward failed", "method", r.Method, "url", target.String(), "error", err)
			writeError(w, http.StatusBadGateway, err)
		}
		return
	}
	defer resp.Body.Close()

	for _, h := range hopHeaders {
		resp.Header.Del(h)
	}
	for k, v := range resp.Header {
		w.Header()[k] = v
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func (p *proxy) handleSync(w http.ResponseWriter, r *http.Request) {
	report, err := p.layer.Sync(r.Context(), syncer.SignalConnectivityRestored)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (p *proxy) handlePush(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	alert, err := p.layer.Dispatcher().Push(r.Context(), raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (p *proxy) handleAction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AlertID string `json:"alert_id"`
		Action  string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	target, err := p.layer.Dispatcher().Select(r.Context(), req.AlertID, req.Action)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"target": target})
}

func (p *proxy) handleQueue(w http.ResponseWriter, r *http.Request) {
	q := p.layer.Queue()
	if q == nil {
		writeError(w, http.StatusServiceUnavailable, offlinecache.ErrNoQueue)
		return
	}
	pending, err := q.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

func (p *proxy) handleAbandoned(w http.ResponseWriter, r *http.Request) {
	q := p.layer.Queue()
	if q == nil {
		writeError(w, http.StatusServiceUnavailable, offlinecache.ErrNoQueue)
		return
	}
	abandoned, err := q.ListAbandoned(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, abandoned)
}

func (p *proxy) handleAbandon(w http.ResponseWriter, r *http.Request) {
	ab, err := p.layer.Abandon(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, offlinecache.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, offlinecache.ErrNoQueue):
		writeError(w, http.StatusServiceUnavailable, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, ab)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
