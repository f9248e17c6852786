// Package api is the HTTP surface of the engine: a chi router that decodes
// requests, resolves the caller identity and wraps every reply in the
// {code, message, data} envelope.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"storystudio/assets"
	"storystudio/catalog"
	"storystudio/dispatch"
	"storystudio/domain"
	"storystudio/ledger"
	"storystudio/obs"
	"storystudio/payment"
	"storystudio/query"
	"storystudio/toolbox"
	"storystudio/wechat"
)

type Deps struct {
	Dispatcher *dispatch.Dispatcher
	Query      *query.Facade
	Ledger     *ledger.Ledger
	Assets     *assets.Service
	Catalog    catalog.Catalog
	Toolbox    *toolbox.Service
	Payment    *payment.Service
	Wechat     *wechat.Client
	Auth       *Authenticator
}

type Config struct {
	ServiceName     string
	CORSAllowOrigin string
	MaxUploadBytes  int64
}

type Server struct {
	Deps
	cfg      Config
	log      *slog.Logger
	validate *validator.Validate
}

func New(d Deps, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "storystudio-api"
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = assets.MaxUploadBytes
	}
	return &Server{Deps: d, cfg: cfg, log: logger.With("component", "api"), validate: validator.New()}
}

// Handler builds the router. Wrap order: cors -> otel/metrics -> chi.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
	)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		if s.Wechat != nil && s.Payment != nil {
			r.Method(http.MethodPost, "/recharge/notify/wechat", s.Wechat.NotifyHandler(s.Payment))
		}

		r.Group(func(r chi.Router) {
			r.Use(s.Auth.Middleware)

			r.Route("/projects/{projectId}", func(r chi.Router) {
				r.Post("/generate/{category}", s.submitBatch)
				r.Post("/shots/parse-script", s.submitParseText)
				r.Post("/export", s.submitExport)
			})

			r.Route("/jobs", func(r chi.Router) {
				r.Get("/", s.listJobs)
				r.Get("/{id}", s.getJob)
				r.Post("/{id}/cancel", s.cancelJob)
			})

			r.Route("/wallet", func(r chi.Router) {
				r.Get("/", s.getWallet)
				r.Get("/transactions", s.listTransactions)
				r.Get("/transactions/export", s.exportTransactions)
			})

			r.Route("/assets/{id}", func(r chi.Router) {
				r.Get("/versions", s.assetHistory)
				r.Get("/current", s.assetCurrent)
				r.Put("/current", s.setAssetCurrent)
				r.Post("/versions/upload", s.uploadAsset)
			})

			r.Route("/toolbox", func(r chi.Router) {
				r.Post("/text", s.toolboxText)
				r.Post("/image", s.toolboxImage)
			})

			r.Route("/recharge/orders", func(r chi.Router) {
				r.Post("/", s.createOrder)
				r.Get("/{orderNo}", s.getOrder)
				r.Post("/{orderNo}/cancel", s.closeOrder)
			})

			r.Route("/admin/wallets/{userId}", func(r chi.Router) {
				r.Use(requireAdmin)
				r.Post("/adjust", s.adjustWallet)
				r.Get("/verify", s.verifyWallet)
			})
		})
	})

	return corsMiddleware(s.cfg.CORSAllowOrigin, obs.WrapHTTP(s.cfg.ServiceName, r))
}

type envelope struct {
	Code      domain.Code `json:"code"`
	Message   string      `json:"message"`
	Data      any         `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Code: domain.CodeOK, Message: "success", Data: data, Timestamp: time.Now().UnixMilli()})
}

// writeError maps a domain code to the envelope. Business failures keep HTTP 200.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := domain.CodeOf(err)
	msg := code.Message()
	var de *domain.Error
	if errors.As(err, &de) {
		msg = de.Message()
	}
	status := http.StatusOK
	switch code {
	case domain.CodeBadRequest, domain.CodeParamInvalid:
		status = http.StatusBadRequest
	case domain.CodeUnauthorized:
		status = http.StatusUnauthorized
	case domain.CodeAccessDenied:
		status = http.StatusForbidden
	case domain.CodeSystem:
		status = http.StatusInternalServerError
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path,
			"requestId", middleware.GetReqID(r.Context()), "err", err)
	}
	writeJSON(w, status, envelope{Code: code, Message: msg, Timestamp: time.Now().UnixMilli()})
}

func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(dst); err != nil {
		return domain.Errorf(domain.CodeBadRequest, "请求体格式错误: %v", err)
	}
	return nil
}

func (s *Server) check(v any) error {
	if err := s.validate.Struct(v); err != nil {
		return domain.Errorf(domain.CodeParamInvalid, "参数校验失败: %v", err)
	}
	return nil
}

func chiParam(r *http.Request, name string) string {
	return strings.TrimSpace(chi.URLParam(r, name))
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chiParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.Errorf(domain.CodeParamInvalid, "无效的 %s", name)
	}
	return id, nil
}

func queryInt(r *http.Request, name string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func corsMiddleware(allowOrigin string, next http.Handler) http.Handler {
	if allowOrigin == "" {
		allowOrigin = "http://localhost:5173"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-Id, X-User-Role")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
