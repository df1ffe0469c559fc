package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"civicsync/classifier"
	"civicsync/config"
	"civicsync/controllers"
	"civicsync/models"
	"civicsync/resolver"
	"civicsync/routes"
	"civicsync/store"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var envFile string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "civicsync",
		Short:         "Civic issue reporting backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	root.AddCommand(serveCmd(), ensureIndexesCmd())
	return root
}

func setup() (config.Settings, zerolog.Logger, error) {
	settings, err := config.Load(envFile)
	if err != nil {
		return config.Settings{}, zerolog.Nop(), err
	}
	logger := config.NewLogger(settings)
	logger.Debug().Str("resolver", settings.Resolver.String()).Msg("Settings loaded")
	return settings, logger, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, logger, err := setup()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), settings, logger)
		},
	}
}

func serve(ctx context.Context, settings config.Settings, logger zerolog.Logger) error {
	db, err := config.ConnectDB(ctx, settings, logger)
	if err != nil {
		return err
	}
	defer config.DisconnectDB(db)

	rdb, err := config.ConnectRedis(ctx, settings, logger)
	if err != nil {
		return err
	}
	defer rdb.Close()

	issues := store.NewIssueStore(db, logger)
	if _, err := models.EnsureIssueIndexes(ctx, issues.Collection()); err != nil {
		// proximity search degrades to "no duplicates" without the 2dsphere index
		logger.Warn().Err(err).Msg("Failed to ensure issue indexes")
	}
	images := store.NewImageStore(db, settings.PublicURL)

	predictor := classifier.New(classifier.Config{URL: settings.MLAPIURL, Timeout: settings.MLTimeout}, logger)
	if !predictor.Enabled() {
		logger.Warn().Msg("ML_API_URL not set, classifier defaults will be used")
	}
	engine := resolver.NewEngine(issues, images, predictor, settings.Resolver, logger)

	if settings.Production() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := routes.NewRouter(routes.Deps{
		Issues:          controllers.NewIssueController(engine, issues, logger),
		Images:          controllers.NewImageController(images, logger),
		Analytics:       controllers.NewAnalyticsController(issues, logger),
		Redis:           rdb,
		IssueLimitQueue: settings.IssueLimitQueue,
		IssueDailyLimit: settings.IssueDailyLimit,
		JWTSecret:       settings.JWTSecret,
		CORSOrigins:     settings.CORSOrigin,
		RatePerMinute:   settings.APIRateLimitPerMinute,
		Logger:          logger,
	})

	srv := &http.Server{
		Addr:              ":" + settings.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("port", settings.Port).Str("env", settings.Env).Str("resolver", settings.Resolver.String()).Msg("Server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func ensureIndexesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ensure-indexes",
		Short: "Create the issue indexes and verify geospatial queries work",
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, logger, err := setup()
			if err != nil {
				return err
			}
			return ensureIndexes(cmd.Context(), settings, logger)
		},
	}
}

func ensureIndexes(ctx context.Context, settings config.Settings, logger zerolog.Logger) error {
	db, err := config.ConnectDB(ctx, settings, logger)
	if err != nil {
		return err
	}
	defer config.DisconnectDB(db)

	coll := store.NewIssueStore(db, logger).Collection()
	names, err := models.EnsureIssueIndexes(ctx, coll)
	if err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	logger.Info().Strs("indexes", names).Msg("Indexes ensured")

	cursor, err := coll.Indexes().List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list indexes: %w", err)
	}
	var specs []struct {
		Name string `bson:"name"`
		Key  bson.D `bson:"key"`
	}
	if err := cursor.All(ctx, &specs); err != nil {
		return err
	}
	geo := false
	for _, spec := range specs {
		for _, field := range spec.Key {
			if field.Key == "location" && field.Value == "2dsphere" {
				logger.Info().Str("index", spec.Name).Msg("Found 2dsphere index")
				geo = true
			}
		}
	}
	if !geo {
		return errors.New("2dsphere index on location is missing")
	}

	// a $near query fails outright without a usable 2dsphere index
	total, err := coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		return err
	}
	probe := bson.M{"location": bson.M{"$near": bson.M{
		"$geometry":    bson.M{"type": "Point", "coordinates": bson.A{77.5946, 12.9716}},
		"$maxDistance": 1000,
	}}}
	found, err := coll.Find(ctx, probe, options.Find().SetLimit(5))
	if err != nil {
		return fmt.Errorf("geospatial query failed: %w", err)
	}
	var sample []models.Issue
	if err := found.All(ctx, &sample); err != nil {
		return fmt.Errorf("geospatial query failed: %w", err)
	}
	logger.Info().Int64("issues", total).Int("near_probe", len(sample)).Msg("Geospatial query works")
	return nil
}
