package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azkeys"
	gcpkms "cloud.google.com/go/kms/apiv1"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/mongocrypt-go/internal/api"
	"github.com/kenneth/mongocrypt-go/internal/audit"
	"github.com/kenneth/mongocrypt-go/internal/config"
	"github.com/kenneth/mongocrypt-go/internal/hostkms"
	"github.com/kenneth/mongocrypt-go/internal/metrics"
	"github.com/kenneth/mongocrypt-go/internal/middleware"
	"github.com/kenneth/mongocrypt-go/internal/mongostore"
	"github.com/kenneth/mongocrypt-go/internal/schemacache"
	"github.com/kenneth/mongocrypt-go/mongocrypt"
)

var (
	version = "dev"
	commit  = "unknown"
)

// discardWriter is the EventWriter used when audit logging is disabled
// in config: events are still buffered in memory (zero-capacity, so
// Events() always returns empty) but never written anywhere.
type discardWriter struct{}

func (discardWriter) WriteEvent(event *audit.Event) error { return nil }

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.WithError(err).Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	watcher, err := config.WatchConfig(configPath, logger, func(reloaded *config.Config) {
		if lvl, err := logrus.ParseLevel(reloaded.LogLevel); err == nil {
			logger.SetLevel(lvl)
		} else {
			logger.WithError(err).Warn("reloaded config has invalid log level, keeping current")
		}
	})
	if err != nil {
		logger.WithError(err).Warn("config hot-reload disabled: failed to start watcher")
	} else {
		defer watcher.Close()
	}

	logger.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
	}).Info("Starting mongocrypt pump server")

	m := metrics.NewMetrics()
	m.StartSystemMetricsCollector()

	var localMasterKey []byte
	if cfg.KMS.LocalMasterKeyFile != "" {
		localMasterKey, err = os.ReadFile(cfg.KMS.LocalMasterKeyFile)
		if err != nil {
			logger.WithError(err).Fatal("Failed to read local master key file")
		}
	}

	crypt, st := mongocrypt.NewCrypt(mongocrypt.CryptOpts{LocalMasterKey: localMasterKey})
	if !st.OK() {
		logger.WithField("status", st.Message).Fatal("Failed to initialize mongocrypt handle")
	}
	defer crypt.Destroy()

	store, err := mongostore.NewStore(&cfg.Store, cfg.Store.Bucket)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create mongostore")
	}

	schemaCacheMaxItems := cfg.Cache.MaxItems
	if !cfg.Cache.Enabled {
		schemaCacheMaxItems = 0
	}
	cache := schemacache.NewMemoryCache(schemaCacheMaxItems, cfg.Cache.DefaultTTL)

	var auditLogger audit.Logger
	if cfg.Audit.Enabled {
		auditLogger = audit.NewLogger(cfg.Audit.MaxEvents, nil)
		logger.WithField("max_events", cfg.Audit.MaxEvents).Info("Audit logging enabled")
	} else {
		auditLogger = audit.NewLogger(0, discardWriter{})
	}

	router := hostkms.NewRouter()
	registerDialers(context.Background(), router, cfg, logger)

	handler := api.NewHandler(crypt, store, cache, router, logger, m, auditLogger, cfg.Cache.DefaultTTL)

	httpRouter := mux.NewRouter()
	handler.RegisterRoutes(httpRouter)

	httpHandler := middleware.RecoveryMiddleware(logger)(httpRouter)
	httpHandler = middleware.LoggingMiddleware(logger)(httpHandler)
	httpHandler = middleware.SecurityHeadersMiddleware()(httpHandler)
	httpHandler = middleware.NamespaceValidationMiddleware(cfg.AllowedNamespaces, logger)(httpHandler)
	httpHandler = middleware.TracingMiddleware(cfg.Tracing.RedactSensitive)(httpHandler)

	if cfg.RateLimit.Enabled {
		rateLimiter := middleware.NewRateLimiter(cfg.RateLimit.Limit, cfg.RateLimit.Window, logger)
		defer rateLimiter.Stop()
		httpHandler = middleware.RateLimitMiddleware(rateLimiter)(httpHandler)
		logger.WithFields(logrus.Fields{
			"limit":  cfg.RateLimit.Limit,
			"window": cfg.RateLimit.Window,
		}).Info("Rate limiting enabled")
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpHandler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	go func() {
		var err error
		if cfg.TLS.Enabled {
			logger.WithFields(logrus.Fields{
				"addr":      cfg.ListenAddr,
				"cert_file": cfg.TLS.CertFile,
				"key_file":  cfg.TLS.KeyFile,
			}).Info("Starting HTTPS server")
			err = server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			logger.WithField("addr", cfg.ListenAddr).Info("Starting HTTP server")
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	} else {
		logger.Info("Server stopped gracefully")
	}
}

// registerDialers wires the local dialer unconditionally (it never makes
// a network call) and each remote provider's dialer only when its config
// section is populated, so a deployment using only the local provider
// never needs AWS/Azure/GCP credentials on its ambient credential chain.
func registerDialers(ctx context.Context, router *hostkms.Router, cfg *config.Config, logger *logrus.Logger) {
	router.Register(mongocrypt.ProviderLocal, hostkms.LocalDialer{})

	if cfg.KMS.AWSRegion != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.KMS.AWSRegion))
		if err != nil {
			logger.WithError(err).Fatal("Failed to load AWS config for KMS dialer")
		}
		router.Register(mongocrypt.ProviderAWS, hostkms.NewAWSDialer(kms.NewFromConfig(awsCfg)))
		logger.WithField("region", cfg.KMS.AWSRegion).Info("AWS KMS dialer registered")
	}

	if cfg.KMS.AzureVaultEndpoint != "" {
		var cred azcore.TokenCredential
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			logger.WithError(err).Fatal("Failed to load Azure credential for KMS dialer")
		}
		client, err := azkeys.NewClient(cfg.KMS.AzureVaultEndpoint, cred, nil)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create Azure Key Vault client")
		}
		router.Register(mongocrypt.ProviderAzure, hostkms.NewAzureDialer(client, ""))
		logger.WithField("vault_endpoint", cfg.KMS.AzureVaultEndpoint).Info("Azure Key Vault dialer registered")
	}

	if cfg.KMS.GCPLocation != "" {
		client, err := gcpkms.NewKeyManagementClient(ctx)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create GCP Cloud KMS client")
		}
		router.Register(mongocrypt.ProviderGCP, hostkms.NewGCPDialer(client))
		logger.WithField("location", cfg.KMS.GCPLocation).Info("GCP Cloud KMS dialer registered")
	}
}
