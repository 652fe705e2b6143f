package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Tutortoise/object-detection-lambda/config"
	"github.com/Tutortoise/object-detection-lambda/logging"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "detector",
	Short: "Object detection for images uploaded under inputs/",
	RunE:  runLambda,
}

var lambdaCmd = &cobra.Command{
	Use:   "lambda",
	Short: "Serve EventBridge invocations through the Lambda runtime API",
	RunE:  runLambda,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a local HTTP server exposing the pipeline",
	RunE:  runServe,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process a single object key and print the result",
	RunE:  runOnce,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "optional YAML config file")
	serveCmd.Flags().String("addr", "", "listen address (overrides SERVER_ADDR)")
	runCmd.Flags().String("key", "", "object key under inputs/")
	_ = runCmd.MarkFlagRequired("key")

	rootCmd.AddCommand(lambdaCmd, serveCmd, runCmd)
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if err := rootCmd.Execute(); err != nil {
		logging.Error("main", "command failed", "err", err)
		os.Exit(1)
	}
}

func setup(ctx context.Context) (*App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	return NewApp(ctx, cfg)
}

func runLambda(cmd *cobra.Command, _ []string) error {
	app, err := setup(cmd.Context())
	if err != nil {
		return err
	}

	logging.Info("main", "starting lambda handler",
		"model", app.Config.Model.Name,
		"dataset", app.Config.Model.Dataset,
		"storage", app.Config.Storage.Type)
	lambda.StartWithOptions(app.Handler.Handle, lambda.WithEnableSIGTERM(app.Close))
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	app, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer app.Close()

	addr := app.Config.Server.Addr
	if flag, _ := cmd.Flags().GetString("addr"); flag != "" {
		addr = flag
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           NewServer(app).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("main", "server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logging.Info("main", "shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func runOnce(cmd *cobra.Command, _ []string) error {
	app, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer app.Close()

	key, _ := cmd.Flags().GetString("key")
	res, err := app.Handler.Process(cmd.Context(), key)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
