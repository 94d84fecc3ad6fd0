package main

import (
	"context"
	"expvar"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"clinicflow/internal/availability"
	"clinicflow/internal/config"
	"clinicflow/internal/feed"
	"clinicflow/internal/httpapi"
	"clinicflow/internal/lifecycle"
	"clinicflow/internal/models"
	"clinicflow/internal/retry"
	"clinicflow/internal/store"
	"clinicflow/internal/store/postgres"
	"clinicflow/internal/telemetry"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg := config.Load()
	shutdownTelemetry := telemetry.Setup(context.Background(), "clinicflow", telemetry.Config{
		Endpoint: cfg.OTLPEndpoint,
		Insecure: cfg.OTLPInsecure,
	})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	db := postgres.NewStore(pool, postgres.Options{HistoryLimit: cfg.HistoryLimit})
	policy := retry.Policy{
		MaxAttempts: uint(cfg.RetryMaxAttempts),
		BaseDelay:   cfg.RetryBaseDelay,
	}

	cases := lifecycle.NewController(db, db, lifecycle.Options{Retry: policy})
	presence := availability.NewController(db, db, availability.Options{Retry: policy})
	defer presence.Close()

	hub := feed.NewHub()
	router := feed.NewRouter(db, db, db, hub, feed.RouterOptions{
		PollInterval: cfg.FeedPollInterval,
		BatchSize:    cfg.FeedBatchSize,
	})
	router.OnCaseEvent(func(ctx context.Context, eventType string, payload store.CaseEventPayload) {
		if err := presence.ReconcileLoad(ctx, payload.AssignedDoctorID); err != nil {
			log.Printf("reconcile doctor load %s: %v", payload.AssignedDoctorID, err)
		}
		if payload.PharmacistID != nil {
			if err := presence.ReconcileLoad(ctx, *payload.PharmacistID); err != nil {
				log.Printf("reconcile pharmacist load %s: %v", *payload.PharmacistID, err)
			}
		}
	})

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 10*time.Second)
	if err := presence.ReconcileBreakTimers(startupCtx); err != nil {
		log.Printf("break timer reconcile: %v", err)
	}
	cancelStartup()

	handler := httpapi.NewHandler(cases, presence, db)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:   cfg.RateLimitPerMinute,
		IPBurst:       cfg.RateLimitBurst,
		UserPerMinute: cfg.RateLimitPerMinute,
		UserBurst:     cfg.RateLimitBurst,
	})

	routes := handler.Routes()
	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle("/api/", routes)
	mux.Handle("/healthz", routes)

	sockjsHandler := sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		req := session.Request()
		filter := filterFromRequest(req)

		client := feed.NewClient(uuid.NewString(), filter, 16)
		attachCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := router.Attach(attachCtx, client)
		cancel()
		if err != nil {
			_ = session.Close(4002, "attach failed")
			return
		}
		defer router.Detach(client)

		go func() {
			for msg := range client.Send {
				_ = session.Send(string(msg))
			}
		}()

		for {
			if _, err := session.Recv(); err != nil {
				return
			}
		}
	})
	mux.Handle("/realtime/", sockjsHandler)

	otelHandler := otelhttp.NewHandler(httpapi.LoggingMiddleware(limiter.Middleware(mux)), "clinicflow")
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	routerCtx, cancelRouter := context.WithCancel(context.Background())
	go router.Run(routerCtx)

	go func() {
		log.Printf("clinicflow listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancelRouter()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

// filterFromRequest builds the observer filter from the connection query.
// No role and no practitioner id means the supervisory view.
func filterFromRequest(r *http.Request) feed.Filter {
	if r == nil {
		return feed.Filter{}
	}
	role := strings.TrimSpace(r.URL.Query().Get("role"))
	practitionerID := strings.TrimSpace(r.URL.Query().Get("practitioner_id"))
	return feed.Filter{
		Role:           models.Role(role),
		PractitionerID: practitionerID,
	}
}
