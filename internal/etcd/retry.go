package etcd

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/regionsync/internal/retry"
)

// NewClientWithRetry creates a new etcd client with retry logic
func NewClientWithRetry(ctx context.Context, dsn string) (*Client, error) {
	config := retry.EtcdDefaults()

	var client *Client
	err := retry.WithOperation(ctx, config, func() error {
		var attemptErr error
		client, attemptErr = NewClient(dsn)
		if attemptErr != nil {
			return attemptErr
		}

		// Test the connection
		if testErr := client.Ping(ctx); testErr != nil {
			_ = client.Close()
			return testErr
		}

		return nil
	}, "etcd connect")

	if err != nil {
		logrus.WithError(err).Error("Failed to establish etcd connection after all retries")
		return nil, err
	}

	return client, nil
}
