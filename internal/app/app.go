// Package app wires configuration, storage and the merge service together
// for the binaries under cmd/.
package app

import (
	"context"
	"fmt"

	"fieldforce/internal/config"
	"fieldforce/internal/domain/merge"
	"fieldforce/internal/infrastructure/storage/postgres"
	"fieldforce/internal/infrastructure/storage/postgres/auth_repo"
	"fieldforce/internal/infrastructure/storage/postgres/merge_repo"
	"fieldforce/pkg/logger"
)

// App holds the long-lived dependencies of a process.
type App struct {
	Config    *config.Config
	Log       *logger.Logger
	Pool      *postgres.Pool
	TxManager *postgres.TxManager
	Roles     *auth_repo.RoleRepo
	Audit     *postgres.MergeAuditLog
	Merge     *merge.Service
}

// NewLogger builds the process logger from cfg and installs it as the default.
func NewLogger(cfg *config.Config, service string) (*logger.Logger, error) {
	log, err := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.IsDevelopment(),
		Service:     service,
	})
	if err != nil {
		return nil, err
	}
	logger.SetDefault(log)
	return log, nil
}

// New connects to the database and builds the merge service.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	poolCfg := postgres.DefaultPoolConfig(cfg.Database.URL)
	poolCfg.MaxConns = cfg.Database.MaxConns
	poolCfg.MinConns = cfg.Database.MinConns
	poolCfg.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.Database.MaxConnIdleTime

	pool, err := postgres.NewPool(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	txManager := postgres.NewTxManager(pool, cfg.Database.StatementTimeout)

	auditLog, err := postgres.NewMergeAuditLog(txManager, 0)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("create audit log: %w", err)
	}

	roles := auth_repo.NewRoleRepo(txManager)

	service := merge.NewService(merge.ServiceConfig{
		Store:       merge_repo.NewStore(txManager),
		Audit:       auditLog,
		Events:      postgres.NewOutboxPublisher(txManager),
		Authorizer:  Authorizer(cfg.Merge, roles),
		TxManager:   txManager,
		AuditPolicy: cfg.Merge.AuditPolicy,
	})

	log.Infow("merge service ready",
		"audit_policy", cfg.Merge.AuditPolicy,
		"authz_source", cfg.Merge.AuthzSource,
	)

	return &App{
		Config:    cfg,
		Log:       log,
		Pool:      pool,
		TxManager: txManager,
		Roles:     roles,
		Audit:     auditLog,
		Merge:     service,
	}, nil
}

// Authorizer picks the admin check configured by MERGE_AUTHZ_SOURCE.
func Authorizer(cfg config.MergeConfig, roles merge.Authorizer) merge.Authorizer {
	if cfg.AuthzSource == config.AuthzDatabase {
		return roles
	}
	return merge.ClaimsAuthorizer{}
}

// Close releases the pool.
func (a *App) Close() {
	a.Pool.Close()
}
