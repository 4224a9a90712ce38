package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/wasihub/wasihub/internal/cluster"
	"github.com/wasihub/wasihub/internal/hal"
	hallinux "github.com/wasihub/wasihub/internal/hal/linux"
	halmock "github.com/wasihub/wasihub/internal/hal/mock"
	"github.com/wasihub/wasihub/internal/hostcap"
	"github.com/wasihub/wasihub/internal/lifecycle"
	"github.com/wasihub/wasihub/internal/log"
	metricsprometheus "github.com/wasihub/wasihub/internal/metrics/prometheus"
	"github.com/wasihub/wasihub/internal/model"
	"github.com/wasihub/wasihub/internal/poller"
	sandboxwazero "github.com/wasihub/wasihub/internal/sandbox/wazero"
	"github.com/wasihub/wasihub/internal/server"
	"github.com/wasihub/wasihub/internal/storage"
	storageio "github.com/wasihub/wasihub/internal/storage/io"
	storagememory "github.com/wasihub/wasihub/internal/storage/memory"
	storagesqlite "github.com/wasihub/wasihub/internal/storage/sqlite"
)

type RunCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	configFile string
}

// NewRunCommand returns the run command.
func NewRunCommand(rootCmd *RootCommand, app *kingpin.Application) *RunCommand {
	c := &RunCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("run", "Run the host node.")
	c.Cmd.Flag("config", "Path to the node configuration YAML file.").Short('c').Default("wasihub.yaml").StringVar(&c.configFile)

	return c
}

func (c RunCommand) Name() string { return c.Cmd.FullCommand() }

func (c RunCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	cfg, err := loadHostConfig(ctx, c.configFile, logger)
	if err != nil {
		return fmt.Errorf("could not load config: %w", err)
	}

	// Metrics registry.
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metricsprometheus.NewRecorder(reg)

	// Hardware layer.
	halProvider, err := newHALProvider(cfg, logger)
	if err != nil {
		return fmt.Errorf("could not create hal provider: %w", err)
	}

	caps, err := hostcap.NewService(hostcap.ServiceConfig{
		HAL:      halProvider,
		LEDCount: cfg.LEDCount,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("could not create capability service: %w", err)
	}
	defer caps.Close()

	// Sandbox engine and unit lifecycle.
	engine, err := sandboxwazero.NewEngine(sandboxwazero.EngineConfig{
		Capabilities: caps,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("could not create sandbox engine: %w", err)
	}
	defer func() {
		if err := engine.Close(context.Background()); err != nil {
			logger.Warningf("Could not close sandbox engine: %s", err)
		}
	}()

	manager, err := lifecycle.NewManager(lifecycle.ManagerConfig{
		Engine:   engine,
		Units:    cfg.Units,
		Recorder: recorder,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("could not create lifecycle manager: %w", err)
	}
	defer func() {
		if err := manager.Close(context.Background()); err != nil {
			logger.Warningf("Could not close lifecycle manager: %s", err)
		}
	}()

	loaded, err := manager.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("could not load units: %w", err)
	}
	if loaded == 0 && enabledUnits(cfg.Units) > 0 {
		return fmt.Errorf("no unit could be loaded")
	}
	logger.Infof("Loaded %d units", loaded)

	// Storage: hubs persist merged state across restarts, spokes only
	// hold their own last cycle in memory.
	var repo storage.ReadingsRepository
	if cfg.Cluster.Role == model.NodeRoleHub {
		sqliteRepo, err := storagesqlite.NewRepository(ctx, storagesqlite.RepositoryConfig{
			DBPath: c.rootCmd.DBPath,
			Logger: logger,
		})
		if err != nil {
			return fmt.Errorf("could not create sqlite repository: %w", err)
		}
		defer sqliteRepo.Close()
		repo = sqliteRepo
	} else {
		memRepo, err := storagememory.NewRepository(storagememory.RepositoryConfig{Logger: logger})
		if err != nil {
			return fmt.Errorf("could not create memory repository: %w", err)
		}
		repo = memRepo
	}

	// Cluster aggregation.
	clusterSvc, err := cluster.NewService(cluster.ServiceConfig{
		Cluster:    cfg.Cluster,
		Repository: repo,
		Recorder:   recorder,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("could not create cluster service: %w", err)
	}

	// Poll orchestrator.
	pollerSvc, err := poller.NewService(poller.ServiceConfig{
		Interval:   cfg.PollInterval,
		NodeID:     cfg.Cluster.NodeID,
		Units:      cfg.Units,
		Runner:     manager,
		Aggregator: clusterSvc,
		Flusher:    caps,
		Recorder:   recorder,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("could not create poller: %w", err)
	}

	// HTTP server.
	var merger server.Merger
	if cfg.Cluster.Role == model.NodeRoleHub {
		merger = clusterSvc
	}
	srv, err := server.NewServer(server.ServerConfig{
		ListenAddress: cfg.ListenAddress,
		Cluster:       cfg.Cluster,
		BuzzerPin:     cfg.BuzzerPin,
		UIUnit:        uiUnitName(cfg.Units),
		Runner:        manager,
		Aggregator:    clusterSvc,
		Merger:        merger,
		Caps:          caps,
		Gatherer:      reg,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("could not create http server: %w", err)
	}

	var g run.Group

	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error { return pollerSvc.Run(ctx) },
			func(_ error) { cancel() },
		)
	}

	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error { return srv.Run(ctx) },
			func(_ error) { cancel() },
		)
	}

	err = g.Run()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// loadHostConfig loads and validates the node configuration YAML.
func loadHostConfig(ctx context.Context, path string, logger log.Logger) (*model.HostConfig, error) {
	if !filepath.IsAbs(path) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("could not resolve config path: %w", err)
		}
		path = absPath
	}

	repo, err := storageio.NewConfigYAMLRepository(os.DirFS("/"), path[1:], logger)
	if err != nil {
		return nil, err
	}

	return repo.GetHostConfig(ctx)
}

// newHALProvider builds the configured hardware layer.
func newHALProvider(cfg *model.HostConfig, logger log.Logger) (hal.Provider, error) {
	switch cfg.HAL {
	case model.HALKindLinux:
		return hallinux.NewProvider(hallinux.ProviderConfig{Logger: logger})
	default:
		return halmock.NewProvider(halmock.ProviderConfig{Logger: logger})
	}
}

// enabledUnits counts the units that are configured to run.
func enabledUnits(units []model.Unit) int {
	n := 0
	for _, u := range units {
		if u.Enabled {
			n++
		}
	}
	return n
}

// uiUnitName returns the first enabled UI unit, empty if there is none.
func uiUnitName(units []model.Unit) string {
	for _, u := range units {
		if u.Enabled && u.Kind == model.UnitKindUI {
			return u.Name
		}
	}
	return ""
}
