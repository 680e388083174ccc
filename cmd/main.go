package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/concrnt/ccworld-ap-core/activity"
	"github.com/concrnt/ccworld-ap-core/ap"
	"github.com/concrnt/ccworld-ap-core/fetch"
	"github.com/concrnt/ccworld-ap-core/job"
	"github.com/concrnt/ccworld-ap-core/lock"
	"github.com/concrnt/ccworld-ap-core/store"
	"github.com/concrnt/ccworld-ap-core/types"
	"github.com/concrnt/ccworld-ap-core/util"
)

var (
	version      = "unknown"
	buildMachine = "unknown"
	buildTime    = "unknown"
	goVersion    = "unknown"
)

func main() {
	e := echo.New()

	configPaths := []string{}
	configPath := os.Getenv("CCWORLD_AP_CORE_CONFIG")
	if configPath != "" {
		configPaths = append(configPaths, configPath)
	}

	additionalConfigs := os.Getenv("CCWORLD_AP_CORE_CONFIGS")
	if additionalConfigs != "" {
		for _, v := range strings.Split(additionalConfigs, ":") {
			configPaths = append(configPaths, v)
		}
	}

	if len(configPaths) == 0 {
		configPaths = append(configPaths, "/etc/concrnt/config/apconfig.yaml")
	}

	config, err := util.LoadMultipleYamlFiles[Config](configPaths)
	if err != nil {
		slog.Error("Failed to load config: ", slog.String("error", err.Error()))
		panic(err)
	}

	slog.Info(fmt.Sprintf("ConcrntWorld Activitypub Core %s starting...", version))

	config.NodeInfo.Version = "2.0"
	config.NodeInfo.Software.Name = "ccworld-ap-core"
	config.NodeInfo.Software.Version = version
	config.NodeInfo.Protocols = []string{"activitypub"}

	timeouts := config.Timeouts
	if timeouts == (types.Timeouts{}) {
		timeouts = types.DefaultTimeouts()
	}

	fetch.UserAgent = "CCWorld-AP-Core/" + version

	e.HidePort = true
	e.HideBanner = true

	if config.Server.EnableTrace {
		cleanup, err := util.SetupTraceProvider(config.Server.TraceEndpoint, config.ApConfig.FQDN+"/ap-core", version)
		if err != nil {
			panic(err)
		}
		defer cleanup()

		skipper := otelecho.WithSkipper(
			func(c echo.Context) bool {
				return c.Path() == "/metrics" || c.Path() == "/health"
			},
		)
		e.Use(otelecho.Middleware(config.ApConfig.FQDN, skipper))
	}

	e.Use(echoprometheus.NewMiddleware("apcore"))
	e.Use(middleware.Recover())

	gormLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             300 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  true,
		},
	)

	db, err := gorm.Open(postgres.Open(config.Server.Dsn), &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
	})
	if err != nil {
		panic("failed to connect database")
	}
	sqlDB, err := db.DB() // for pinging
	if err != nil {
		panic("failed to connect database")
	}
	defer sqlDB.Close()

	err = db.Use(tracing.NewPlugin(
		tracing.WithDBName("postgres"),
	))
	if err != nil {
		panic("failed to setup tracing plugin")
	}

	mc := memcache.New(config.Server.MemcachedAddr)
	defer mc.Close()

	// Migrate the schema
	log.Println("start migrate")
	db.AutoMigrate(
		&types.Account{},
		&types.Status{},
		&types.Mention{},
		&types.Tag{},
		&types.StatusTag{},
		&types.Poll{},
		&types.PollVote{},
		&types.MediaAttachment{},
		&types.CustomEmoji{},
		&types.Quote{},
		&types.PreviewCard{},
		&types.Tombstone{},
		&types.Conversation{},
		&types.Follow{},
		&types.DomainBlock{},
		&types.Job{},
	)

	rdb := redis.NewClient(&redis.Options{
		Addr:     config.Server.RedisAddr,
		Password: "", // no password set
		DB:       config.Server.RedisDB,
	})
	err = redisotel.InstrumentTracing(
		rdb,
		redisotel.WithAttributes(
			attribute.KeyValue{
				Key:   "db.name",
				Value: attribute.StringValue("redis"),
			},
		),
	)
	if err != nil {
		panic("failed to setup tracing plugin")
	}

	storeService := store.NewStore(db)
	client := fetch.NewClient(mc, storeService, config.ApConfig, timeouts)
	lockService := lock.NewService(rdb)
	marks := activity.NewRedisMarks(rdb)
	jobRepository := job.NewRepository(db)

	pipeline, err := activity.NewService(storeService, client, lockService, marks, jobRepository, config.ApConfig)
	if err != nil {
		slog.Error("Failed to build pipeline: ", slog.String("error", err.Error()))
		panic(err)
	}

	reactor := job.NewReactor(jobRepository, storeService, client, rdb, pipeline)
	reactor.Start(context.Background())

	apService := ap.NewService(storeService, pipeline, marks, config.NodeInfo, config.ApConfig)
	apHandler := ap.NewHandler(apService)

	e.GET("/.well-known/host-meta", apHandler.HostMeta)
	e.GET("/.well-known/webfinger", apHandler.WebFinger)
	e.GET("/.well-known/nodeinfo", apHandler.NodeInfoWellKnown)

	apGroup := e.Group("/ap")
	apGroup.GET("/nodeinfo/2.0", apHandler.NodeInfo)
	apGroup.GET("/acct/:id", apHandler.User)
	apGroup.POST("/acct/:id/inbox", apHandler.UserInbox)
	apGroup.POST("/inbox", apHandler.Inbox)

	e.GET("/health", func(c echo.Context) (err error) {
		ctx := c.Request().Context()

		err = sqlDB.Ping()
		if err != nil {
			return c.String(http.StatusInternalServerError, "db error")
		}

		err = rdb.Ping(ctx).Err()
		if err != nil {
			return c.String(http.StatusInternalServerError, "redis error")
		}

		return c.String(http.StatusOK, "ok")
	})

	e.GET("/metrics", echoprometheus.NewHandler())

	port := ":8000"
	envport := os.Getenv("CC_AP_PORT")
	if envport != "" {
		port = ":" + envport
	}

	e.Logger.Fatal(e.Start(port))
}
