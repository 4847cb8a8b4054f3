package main

import (
	internal_catalog "github.com/tkys/instantrec-sub000/internal/catalog"
	"github.com/tkys/instantrec-sub000/internal/config"
	internal_recovery "github.com/tkys/instantrec-sub000/internal/recovery"
	internal_segment "github.com/tkys/instantrec-sub000/internal/segment"
	internal_snapshot "github.com/tkys/instantrec-sub000/internal/snapshot"
	"github.com/tkys/instantrec-sub000/pkg/commons"
)

// app bundles the long-lived components every subcommand needs.
type app struct {
	cfg       *config.CaptureConfig
	logger    commons.Logger
	snapshots *internal_snapshot.Manager
	merger    *internal_segment.Merger
	recovery  *internal_recovery.Service
	catalog   internal_catalog.Store
}

func newApp() (*app, error) {
	v, err := config.InitConfig()
	if err != nil {
		return nil, err
	}
	cfg, err := config.GetCaptureConfig(v)
	if err != nil {
		return nil, err
	}

	logger, err := commons.NewApplicationLogger(
		commons.Name("instantrec"),
		commons.Path(cfg.LogDir()),
		commons.Level(cfg.LogLevel),
	)
	if err != nil {
		return nil, err
	}

	snapshots, err := internal_snapshot.NewManager(logger, cfg.SnapshotDir(), cfg.SnapshotInterval)
	if err != nil {
		return nil, err
	}
	merger := internal_segment.NewMerger(logger)
	recovery := internal_recovery.NewService(logger, snapshots, merger, cfg.OutputDir(), cfg.Retention)

	catalog, err := internal_catalog.NewStore(logger, cfg.CatalogPath())
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		snapshots: snapshots,
		merger:    merger,
		recovery:  recovery,
		catalog:   catalog,
	}, nil
}
