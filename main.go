package main

import (
	"encoding/json"
	stdlog "log"
	"net/http"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/dotpay/backend/src/chain"
	"github.com/dotpay/backend/src/config"
	"github.com/dotpay/backend/src/daraja"
	"github.com/dotpay/backend/src/database"
	"github.com/dotpay/backend/src/handlers"
	"github.com/dotpay/backend/src/logger"
	"github.com/dotpay/backend/src/quotes"
	"github.com/dotpay/backend/src/repository"
	"github.com/dotpay/backend/src/security"
	"github.com/dotpay/backend/src/services"
)

func rateLimitMiddleware(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				logger.L.Warn("Rate limit exceeded", "path", r.URL.Path)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func main() {
	config.LoadConfig()
	logger.InitLogger(config.Cfg.LogLevel)

	logger.L.Info("DotPay backend server starting...")

	if len(config.Cfg.JWTSecret) < 32 {
		logger.L.Error("DOTPAY_BACKEND_JWT_SECRET configuration invalid.")
		os.Exit(1)
	}
	if err := config.Cfg.ValidateStrict(); err != nil {
		logger.L.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}

	// In sandbox an empty cert path falls back to the bundled sandbox
	// certificate; production requires an explicit MPESA_CERT_PATH.
	if config.Cfg.MpesaSecurityCredential == "" && config.Cfg.MpesaInitiatorPassword != "" &&
		(config.Cfg.MpesaCertPath != "" || config.Cfg.MpesaEnv == "sandbox") {
		credential, err := daraja.DeriveSecurityCredential(config.Cfg.MpesaInitiatorPassword, config.Cfg.MpesaCertPath)
		if err != nil {
			logger.L.Error("Failed to derive provider security credential", "error", err)
			os.Exit(1)
		}
		config.Cfg.MpesaSecurityCredential = credential
	} else if config.Cfg.MpesaSecurityCredential != "" {
		if err := daraja.ValidateSecurityCredential(config.Cfg.MpesaSecurityCredential); err != nil {
			logger.L.Warn("Provider security credential looks malformed", "error", err)
		}
	}

	logger.L.Info("Initializing database...", "path", config.Cfg.DatabasePath)
	database.InitDB(config.Cfg.DatabasePath)
	database.RunMigrations(config.Cfg.DatabasePath)

	store := repository.NewSQLiteTransactionStore(database.DB)
	dedupStore := repository.NewSQLiteDedupStore(database.DB)

	darajaClient := daraja.NewClient(daraja.Config{
		Environment:        config.Cfg.MpesaEnv,
		BaseURL:            config.Cfg.MpesaBaseURL,
		ConsumerKey:        config.Cfg.MpesaConsumerKey,
		ConsumerSecret:     config.Cfg.MpesaConsumerSecret,
		Passkey:            config.Cfg.MpesaPasskey,
		Shortcode:          config.Cfg.MpesaShortcode,
		STKShortcode:       config.Cfg.MpesaSTKShortcode,
		B2CShortcode:       config.Cfg.MpesaB2CShortcode,
		B2BShortcode:       config.Cfg.MpesaB2BShortcode,
		InitiatorName:      config.Cfg.MpesaInitiatorName,
		SecurityCredential: config.Cfg.MpesaSecurityCredential,
		B2BPaybillType:     config.Cfg.MpesaB2BPaybillType,
		B2BBuygoodsType:    config.Cfg.MpesaB2BBuygoodsType,
		Timeout:            config.Cfg.MpesaHTTPTimeout,
	})

	treasury, err := chain.NewTreasury(chain.TreasuryConfig{
		RPCURL:            config.Cfg.TreasuryRPCURL,
		PrivateKeyHex:     config.Cfg.TreasuryPrivateKey,
		TokenAddress:      config.Cfg.TreasuryTokenContract,
		ChainID:           config.Cfg.TreasuryChainID,
		TokenDecimals:     config.Cfg.TreasuryTokenDecimals,
		WaitConfirmations: config.Cfg.TreasuryWaitConfs,
	})
	if err != nil {
		logger.L.Error("Failed to initialize treasury wallet", "error", err)
		os.Exit(1)
	}
	var treasuryWallet services.TreasuryWallet
	if treasury != nil {
		treasuryWallet = treasury
		logger.L.Info("Treasury wallet ready", "address", treasury.Address())
	} else {
		logger.L.Warn("Treasury wallet not configured, transfers will be simulated in sandbox")
	}

	platformAddress := config.Cfg.TreasuryPlatformAddress
	if platformAddress == "" && treasury != nil {
		platformAddress = treasury.Address()
	}

	var fundingVerifier services.FundingVerifier
	if config.Cfg.RequireFunding && config.Cfg.TreasuryRPCURL != "" {
		evmClient, err := ethclient.Dial(config.Cfg.TreasuryRPCURL)
		if err != nil {
			logger.L.Error("Failed to dial funding RPC", "error", err)
			os.Exit(1)
		}
		fundingVerifier = chain.NewVerifier(evmClient, config.Cfg.TreasuryChainID,
			config.Cfg.TreasuryTokenContract, platformAddress,
			config.Cfg.TreasuryTokenDecimals, config.Cfg.MinConfirmations)
	}

	settings := services.Settings{
		Enabled:         config.Cfg.MpesaEnabled,
		Environment:     config.Cfg.MpesaEnv,
		ResultBaseURL:   config.Cfg.MpesaResultBaseURL,
		TimeoutBaseURL:  config.Cfg.MpesaTimeoutBaseURL,
		MaxTxnKes:       config.Cfg.MaxTxnKes,
		MaxDailyKes:     config.Cfg.MaxDailyKes,
		SignatureMaxAge: config.Cfg.SignatureMaxAge,
		AutoRefund:      config.Cfg.AutoRefund,
		RequireFunding:  config.Cfg.RequireFunding,
		ChainID:         config.Cfg.TreasuryChainID,
		TokenAddress:    config.Cfg.TreasuryTokenContract,
		TreasuryAddress: platformAddress,
		TokenDecimals:   config.Cfg.TreasuryTokenDecimals,
		ReconcileMaxAge: config.Cfg.ReconcileMaxAge,
	}

	authService := security.NewAuthService(config.Cfg.JWTSecret)
	quoteService := quotes.NewService(config.Cfg.KesPerUsd, config.Cfg.QuoteTTL)
	refundService := services.NewRefundService(store, treasuryWallet,
		config.Cfg.TreasuryTokenDecimals, config.Cfg.MpesaEnv, config.Cfg.TreasuryRefundEnabled)
	settlementService := services.NewSettlementService(store, treasuryWallet,
		config.Cfg.TreasuryTokenDecimals, config.Cfg.MpesaEnv)
	paymentService := services.NewPaymentService(store, quoteService, darajaClient,
		fundingVerifier, nil, refundService, settings)
	webhookService := services.NewWebhookService(store, dedupStore, refundService, settlementService, settings)
	reconcileService := services.NewReconcileService(store, darajaClient, refundService, settings)

	paymentHandler := handlers.NewPaymentHandler(authService, paymentService)
	webhookHandler := handlers.NewWebhookHandler(webhookService)
	reconcileHandler := handlers.NewReconcileHandler(reconcileService)

	globalLimiter := rate.NewLimiter(rate.Limit(config.Cfg.GlobalRatePerSecond), config.Cfg.GlobalRateBurst)
	legacyHits := cache.New(config.Cfg.LegacyRateWindow, 2*config.Cfg.LegacyRateWindow)

	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(handlers.ContextualLoggerMiddleware)
	r.Use(rateLimitMiddleware(globalLimiter))

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"message": "DotPay Backend is running"})
	})

	r.Route("/api/mpesa", func(r chi.Router) {
		// Authenticated payment routes
		r.Group(func(r chi.Router) {
			r.Use(paymentHandler.AuthMiddleware)

			r.Post("/quotes", paymentHandler.HandleCreateQuote)
			r.Post("/onramp/stk/initiate", paymentHandler.HandleInitiateOnramp)
			r.Post("/offramp/initiate", paymentHandler.HandleInitiateOfframp)
			r.Post("/merchant/paybill/initiate", paymentHandler.HandleInitiatePaybill)
			r.Post("/merchant/buygoods/initiate", paymentHandler.HandleInitiateBuygoods)
			r.Get("/transactions", paymentHandler.HandleListTransactions)
			r.Get("/transactions/{transactionID}", paymentHandler.HandleGetTransaction)
		})

		// Provider callbacks
		r.Group(func(r chi.Router) {
			r.Use(handlers.WebhookAuthMiddleware(config.Cfg.MpesaWebhookSecret))

			r.Post("/webhooks/stk", webhookHandler.HandleSTK)
			r.Post("/webhooks/b2c/result", webhookHandler.HandleB2CResult)
			r.Post("/webhooks/b2c/timeout", webhookHandler.HandleB2CTimeout)
			r.Post("/webhooks/b2b/result", webhookHandler.HandleB2BResult)
			r.Post("/webhooks/b2b/timeout", webhookHandler.HandleB2BTimeout)
		})

		// Operator routes
		r.Group(func(r chi.Router) {
			r.Use(handlers.InternalAuthMiddleware(config.Cfg.InternalAPIKey))

			r.Post("/internal/reconcile", reconcileHandler.HandleReconcile)
		})

		// Pre-wallet phone-only routes
		r.Group(func(r chi.Router) {
			r.Use(handlers.LegacyRateLimitMiddleware(legacyHits, config.Cfg.LegacyRateLimit, config.Cfg.LegacyRateWindow))

			r.Post("/legacy/deposit", paymentHandler.HandleLegacyDeposit)
			r.Post("/legacy/withdraw", paymentHandler.HandleLegacyWithdraw)
		})
	})

	serverAddr := ":" + config.Cfg.Port
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.L.Info("Server starting", "address", serverAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		stdlog.Fatalf("Failed to start server: %v", err)
	}
}
