// Command waybill-stream is the AWS Lambda entry point for the DynamoDB stream
// handler. It reads the same WAYBILL_* environment as the CLI.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/jacentio/waybill/internal/config"
	"github.com/jacentio/waybill/internal/persistence"
	"github.com/jacentio/waybill/store"
	"github.com/jacentio/waybill/stream"
)

func main() {
	cfg, err := config.Load(os.Getenv("WAYBILL_CONFIG"))
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := cfg.Log.NewLogger(os.Stderr)

	client, err := persistence.NewDynamoDBClient(context.Background(), cfg.Storage.DynamoDB)
	if err != nil {
		logger.Error("failed to create dynamodb client", "error", err)
		os.Exit(1)
	}
	s := store.New(client, store.Config{
		TableName: cfg.Storage.DynamoDB.Table,
		Instance:  cfg.Storage.Instance,
	})

	// Each invocation logs a batch summary; there is no scrape target in Lambda.
	handler := stream.NewHandler(s, logger).WithSlack(int64(cfg.Retention.Threshold))
	lambda.Start(handler.HandleStream)
}
