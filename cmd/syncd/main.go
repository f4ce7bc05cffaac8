package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/garapa/mailmirror/internal/config"
	"github.com/garapa/mailmirror/internal/mailbox"
	"github.com/garapa/mailmirror/internal/secrets"
	"github.com/garapa/mailmirror/internal/store"
	"github.com/garapa/mailmirror/internal/syncer"
	"github.com/garapa/mailmirror/pkg/types"
)

var (
	version     = "dev"
	showVersion = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("mailmirror syncd version %s\n", version)
		os.Exit(0)
	}

	// .env is optional; real deployments use the environment directly
	_ = godotenv.Load()

	// Set up logging
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.Info("Starting mailmirror syncd")

	// Open the local mirror database
	db, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open database")
	}
	defer db.Close()
	st := store.NewStore(db, logger)

	// Register configured accounts, keeping IDs stable across restarts
	for i := range cfg.Accounts {
		if err := bootstrapAccount(st, &cfg.Accounts[i]); err != nil {
			logger.WithError(err).WithField("account", cfg.Accounts[i].Name).Fatal("Failed to register account")
		}
	}

	resolver, err := secrets.NewResolver(cfg.EncryptionKey)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize secret resolver")
	}

	dialer := syncer.NewIMAPDialer(mailbox.NewDialer(logger))
	executor := syncer.NewExecutor(st, resolver, dialer, logger)
	executor.SetResyncLimit(cfg.ResyncLimit)
	executor.OnNewMail(func(account *types.Account, count int) {
		logger.WithFields(logrus.Fields{
			"account": account.Name,
			"count":   count,
		}).Info("New mail")
	})

	reconciler := syncer.NewReconciler(st, resolver, dialer, executor, logger)
	reconciler.SetResyncLimit(cfg.ResyncLimit)

	scheduler := syncer.NewScheduler(st, executor, logger)
	scheduler.SetReconcileEvery(cfg.ReconcileEvery)

	if err := scheduler.StartAllActiveConfigs(); err != nil {
		logger.WithError(err).Fatal("Failed to start sync jobs")
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.WithField("signal", sig).Info("Received shutdown signal")

	scheduler.StopAll()
	logger.Info("Shutting down mailmirror syncd")
}

// bootstrapAccount upserts a configured account, reusing the stored ID when
// the name is already known and minting one otherwise.
func bootstrapAccount(st *store.Store, ac *config.AccountConfig) error {
	existing, err := st.GetAccountByName(ac.Name)
	if err != nil {
		return err
	}
	account := &types.Account{
		Name:         ac.Name,
		Host:         ac.Host,
		Port:         ac.Port,
		Security:     ac.Security,
		Username:     ac.Username,
		SecretRef:    ac.Password,
		Enabled:      true,
		SyncEnabled:  true,
		SyncInterval: ac.SyncInterval,
	}
	if existing != nil {
		account.ID = existing.ID
		account.SyncEnabled = existing.SyncEnabled
	} else {
		account.ID = uuid.New().String()
	}
	return st.UpsertAccount(account)
}
