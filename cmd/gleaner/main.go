// -----------------------------------------------------------------------
// gleaner - stateless pipeline worker polling the coordinator for jobs
// -----------------------------------------------------------------------

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ternarybob/arbor"

	"github.com/gleanr/gleaner/internal/common"
	"github.com/gleanr/gleaner/internal/coordinator"
	"github.com/gleanr/gleaner/internal/drivers/catalog"
	"github.com/gleanr/gleaner/internal/drivers/llm"
	"github.com/gleanr/gleaner/internal/drivers/video"
	"github.com/gleanr/gleaner/internal/drivers/web"
	"github.com/gleanr/gleaner/internal/events"
	"github.com/gleanr/gleaner/internal/interfaces"
	"github.com/gleanr/gleaner/internal/models"
	"github.com/gleanr/gleaner/internal/worker"
	"github.com/gleanr/gleaner/internal/workers/aggregation"
	"github.com/gleanr/gleaner/internal/workers/crawl"
	"github.com/gleanr/gleaner/internal/workers/discovery"
	"github.com/gleanr/gleaner/internal/workers/ingredients"
	"github.com/gleanr/gleaner/internal/workers/videodiscovery"
	"github.com/gleanr/gleaner/internal/workers/videoprocessing"
)

// configPaths is a custom flag type that allows multiple -config flags
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles  configPaths
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("Gleaner version %s\n", common.GetVersion())
		os.Exit(0)
	}

	// Startup sequence:
	// 1. Load config (defaults -> files -> env)
	// 2. Initialize logger and crash handler
	// 3. Authenticate against the coordinator
	// 4. Build runners for the worker's capabilities and poll
	if len(configFiles) == 0 {
		if _, err := os.Stat("gleaner.toml"); err == nil {
			configFiles = append(configFiles, "gleaner.toml")
		}
	}

	config, err := common.LoadFromFiles(configFiles...)
	if err != nil {
		arbor.NewLogger().Fatal().Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}
	if err := config.Validate(); err != nil {
		arbor.NewLogger().Fatal().Err(err).Msg("Invalid configuration")
		os.Exit(1)
	}

	logger := common.InitLogger(config)
	common.PrintBanner(common.GetVersion())
	common.InstallCrashHandler("")

	defer func() {
		if r := recover(); r != nil {
			crashFile := common.WriteCrashFile(r, common.GetStackTrace())
			logger.Fatal().Str("crash_file", crashFile).Msg("Fatal panic in main")
			os.Exit(1)
		}
	}()

	coord := coordinator.New(&config.Coordinator, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	me, err := worker.Authenticate(ctx, coord)
	if err != nil {
		logger.Error().Err(err).Msg("Coordinator rejected this worker")
		os.Exit(1)
	}
	logger.Info().
		Str("worker", me.Name).
		Strs("capabilities", me.Capabilities).
		Str("coordinator", config.Coordinator.URL).
		Msg("Authenticated")

	runners := buildRunners(config, coord, me, logger)
	if len(runners) == 0 {
		logger.Error().Msg("No runnable stages for this worker's capabilities")
		os.Exit(1)
	}

	engine := worker.NewEngine(coord, me, runners, config.JobTimeout(), logger)
	loop := worker.NewLoop(coord, engine, me, config.PollInterval(), logger)

	loop.Run(ctx)
	logger.Info().Msg("Shutdown complete")
}

// buildRunners assembles a runner per advertised stage. Stages whose
// external drivers are not configured are skipped with a warning so a
// worker can still serve its remaining capabilities.
func buildRunners(config *common.Config, coord interfaces.Coordinator, me *models.Worker, logger arbor.ILogger) []interfaces.JobRunner {
	sink := events.NewService(coord, me.ID, config.Logging.MinEventLevel, logger)
	heartbeat := worker.NewHeartbeat(coord, me.ID, logger)
	watchdog := worker.NewItemWatchdog(config.JobTimeout(), logger)
	perTick := config.Worker.ItemsPerTick

	var scrapers []interfaces.ScrapeDriver
	var listers []interfaces.DiscoveryDriver
	for _, source := range config.Scraper.Sources {
		scrapers = append(scrapers, web.NewScraper(source, &config.Scraper, logger))
		listers = append(listers, web.NewLister(source, web.DefaultListerSelectors(), &config.Scraper, logger))
	}

	var platform *video.Platform
	if config.Video.APIURL != "" {
		platform = video.NewPlatform(&config.Video, logger)
	}

	matcher, err := llm.NewMatcher(&config.Claude, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("LLM matcher unavailable; dependent stages disabled")
	}

	skip := func(stage models.JobStage, reason string) {
		logger.Warn().Str("stage", string(stage)).Msg("Skipping stage: " + reason)
	}

	var runners []interfaces.JobRunner
	for _, stage := range models.AllStages {
		if !me.CanHandle(stage) {
			continue
		}
		switch stage {
		case models.StageCrawl:
			if len(scrapers) == 0 {
				skip(stage, "no scrape sources configured")
				continue
			}
			runners = append(runners, crawl.NewRunner(coord, sink, heartbeat, scrapers, perTick.Crawl, logger))
		case models.StageDiscovery:
			if len(listers) == 0 {
				skip(stage, "no scrape sources configured")
				continue
			}
			runners = append(runners, discovery.NewRunner(coord, sink, heartbeat, listers, logger))
		case models.StageIngredientDiscovery:
			if config.Catalog.BaseURL == "" {
				skip(stage, "no ingredient catalog configured")
				continue
			}
			catalogs := []interfaces.IngredientCatalog{catalog.New(&config.Catalog, logger)}
			runners = append(runners, ingredients.NewRunner(coord, sink, heartbeat, catalogs, logger))
		case models.StageVideoDiscovery:
			if platform == nil {
				skip(stage, "no video platform configured")
				continue
			}
			platforms := []interfaces.VideoPlatform{platform}
			runners = append(runners, videodiscovery.NewRunner(coord, sink, heartbeat, platforms, perTick.VideoDiscovery, logger))
		case models.StageVideoProcessing:
			if platform == nil {
				skip(stage, "no video platform configured")
				continue
			}
			if matcher == nil {
				skip(stage, "LLM matcher unavailable")
				continue
			}
			transcriber := video.NewTranscriber(platform)
			runners = append(runners, videoprocessing.NewRunner(coord, sink, heartbeat, watchdog, transcriber, matcher, perTick.VideoProcessing, logger))
		case models.StageAggregation:
			if matcher == nil {
				skip(stage, "LLM matcher unavailable")
				continue
			}
			runners = append(runners, aggregation.NewRunner(coord, sink, heartbeat, matcher, perTick.Aggregation, logger))
		}
	}
	return runners
}
