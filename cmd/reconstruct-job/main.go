// reconstruct-job runs a single reconstruction job and exits. It is the
// entrypoint for serverless workers that hand each job its own process.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"reconstructor/internal/app"
	"reconstructor/internal/apperrors"
	"reconstructor/internal/config"
	"reconstructor/internal/job"
	"syscall"
)

func main() {
	svcCfg := config.LoadServiceConfig()

	// Logs go to stderr; stdout carries only the result.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: svcCfg.LogLevel})))

	if err := run(svcCfg, os.Args[1:]); err != nil {
		slog.Error("Job failed", "kind", apperrors.Kind(err), "error", err)
		if errors.Is(err, apperrors.ErrValidation) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(svcCfg *config.ServiceConfig, args []string) error {
	fs := flag.NewFlagSet("reconstruct-job", flag.ContinueOnError)
	input := fs.String("input", config.GetEnv("JOB_INPUT_OBJECT_REF", ""), "blob key of the input video")
	docID := fs.String("doc", config.GetEnv("JOB_STATUS_DOC_ID", ""), "status document ID")
	owner := fs.String("owner", config.GetEnv("JOB_OWNER_REF", ""), "owner segment of the artifact key")
	register := fs.Bool("register", config.GetBoolEnv("JOB_REGISTER", false), "create a pending status row first (sqlite and postgres)")
	if err := fs.Parse(args); err != nil {
		return apperrors.Validation("args", err.Error())
	}

	req := &job.Request{InputObjectRef: *input, StatusDocID: *docID, OwnerRef: *owner}
	if err := req.Validate(); err != nil {
		return err
	}

	ctx := context.Background()

	// Once started, a job runs to its terminal write; signals are logged, not obeyed.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for sig := range sigCh {
			slog.Warn("Received shutdown signal, finishing running job", "signal", sig, "docId", req.StatusDocID)
		}
	}()

	backends := app.Build(ctx, svcCfg, nil)
	defer func() {
		if err := backends.Close(); err != nil {
			slog.Warn("Backend close error", "error", err)
		}
	}()
	if backends.InitErr != nil {
		return backends.InitErr
	}

	if *register {
		if err := backends.Register(ctx, req.StatusDocID); err != nil {
			return err
		}
	}

	res, err := backends.Service.Create(ctx, req)
	if err != nil {
		return err
	}

	out, err := json.Marshal(res)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
