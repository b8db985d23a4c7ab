package server

import (
	"context"
	"net/http"
	"time"

	"github.com/careledger/careledger/internal/checkout"
	checkoutdomain "github.com/careledger/careledger/internal/checkout/domain"
	"github.com/careledger/careledger/internal/config"
	"github.com/careledger/careledger/internal/email"
	"github.com/careledger/careledger/internal/invoice"
	invoicedomain "github.com/careledger/careledger/internal/invoice/domain"
	"github.com/careledger/careledger/internal/migration"
	"github.com/careledger/careledger/internal/observability"
	obslogger "github.com/careledger/careledger/internal/observability/logger"
	obsmetrics "github.com/careledger/careledger/internal/observability/metrics"
	obstracing "github.com/careledger/careledger/internal/observability/tracing"
	"github.com/careledger/careledger/internal/patient"
	patientdomain "github.com/careledger/careledger/internal/patient/domain"
	"github.com/careledger/careledger/internal/payment"
	paymentdomain "github.com/careledger/careledger/internal/payment/domain"
	"github.com/careledger/careledger/internal/pdf"
	"github.com/careledger/careledger/internal/ratelimit"
	"github.com/careledger/careledger/internal/webhook"
	webhookdomain "github.com/careledger/careledger/internal/webhook/domain"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	config.Module,
	migration.Module,
	observability.Module,
	ratelimit.Module,
	email.Module,
	pdf.Module,
	invoice.Module,
	payment.Module,
	webhook.Module,
	checkout.Module,
	patient.Module,
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger, metrics *obsmetrics.Metrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(log))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(metrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(log *zap.Logger, metrics *obsmetrics.Metrics) *gin.Engine {
	return NewEngine(log, metrics)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine      *gin.Engine
	cfg         config.Config
	log         *zap.Logger
	invoiceSvc  invoicedomain.Service
	paymentSvc  paymentdomain.Service
	webhookSvc  webhookdomain.Service
	checkoutSvc checkoutdomain.Service
	patientSvc  patientdomain.Service
	metrics     *obsmetrics.Metrics
	limiter     *ratelimit.TokenBucket
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	Log         *zap.Logger
	InvoiceSvc  invoicedomain.Service
	PaymentSvc  paymentdomain.Service
	WebhookSvc  webhookdomain.Service
	CheckoutSvc checkoutdomain.Service
	PatientSvc  patientdomain.Service
	Metrics     *obsmetrics.Metrics    `optional:"true"`
	Limiter     *ratelimit.TokenBucket `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		log:         p.Log.Named("server"),
		invoiceSvc:  p.InvoiceSvc,
		paymentSvc:  p.PaymentSvc,
		webhookSvc:  p.WebhookSvc,
		checkoutSvc: p.CheckoutSvc,
		patientSvc:  p.PatientSvc,
		metrics:     p.Metrics,
		limiter:     p.Limiter,
	}

	svc.registerAPIRoutes()
	svc.registerPublicRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("", s.PractitionerContext())

	api.POST("/invoices", s.CreateInvoice)
	api.GET("/invoices", s.ListInvoices)
	api.GET("/invoices/:id", s.GetInvoiceByID)
	api.PATCH("/invoices/:id", s.EditInvoice)
	api.POST("/invoices/:id/send", s.SendInvoice)
	api.POST("/invoices/:id/void", s.VoidInvoice)
	api.GET("/invoices/:id/pdf", s.GetInvoicePDF)

	api.POST("/payments", s.CreatePayment)
	api.GET("/payments", s.ListPayments)
	api.GET("/payments/:id", s.GetPaymentByID)

	api.GET("/patients", s.ListPatients)
	api.GET("/patients/:id", s.GetPatientByID)

	api.POST("/checkout", s.RateLimit("checkout"), s.CreateCheckoutSession)
}

func (s *Server) registerPublicRoutes() {
	s.engine.POST("/webhook", s.RateLimit("webhook"), s.HandleWebhook)
}
