package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/InfluxCommunity/influxdb3-go/v2/influxdb3"
)

// InfluxClient is the subset of the InfluxDB 3 SQL client the API uses.
// Production backends wrap *influxdb3.Client; tests substitute fakes.
type InfluxClient interface {
	// QuerySQL executes a SQL query and returns results as a slice of maps.
	QuerySQL(ctx context.Context, query string) ([]map[string]any, error)
	// Close closes the client and releases resources.
	Close() error
}

type sdkInfluxClient struct {
	client *influxdb3.Client
}

// NewInfluxClient creates an SDK-backed InfluxDB 3 client.
func NewInfluxClient(host, token, database string) (InfluxClient, error) {
	client, err := influxdb3.New(influxdb3.ClientConfig{
		Host:     host,
		Token:    token,
		Database: database,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create influxdb client: %w", err)
	}
	return &sdkInfluxClient{client: client}, nil
}

func (c *sdkInfluxClient) QuerySQL(ctx context.Context, query string) ([]map[string]any, error) {
	iterator, err := c.client.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}

	var results []map[string]any
	for iterator.Next() {
		value := iterator.Value()
		row := make(map[string]any, len(value))
		for k, v := range value {
			row[k] = v
		}
		results = append(results, row)
	}

	if err := iterator.Err(); err != nil {
		return nil, fmt.Errorf("error iterating results: %w", err)
	}

	return results, nil
}

func (c *sdkInfluxClient) Close() error {
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	if err != nil && isExpectedInfluxCloseError(err) {
		return nil
	}
	return err
}

func isExpectedInfluxCloseError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection is closing") ||
		strings.Contains(msg, "code = Canceled") ||
		strings.Contains(msg, "grpc: the client connection is closing")
}

// pingInflux exercises the connection with a trivial query. The v3
// client exposes no dedicated ping.
func pingInflux(ctx context.Context, client InfluxClient) error {
	_, err := client.QuerySQL(ctx, "SELECT 1")
	return err
}

// loadInflux registers an InfluxDB backend when INFLUXDB3_HOST is set.
func loadInflux() error {
	host := os.Getenv("INFLUXDB3_HOST")
	if host == "" {
		return nil
	}

	database := os.Getenv("INFLUXDB3_DATABASE")
	if database == "" {
		database = "telemetry"
	}

	client, err := NewInfluxClient(host, os.Getenv("INFLUXDB3_TOKEN"), database)
	if err != nil {
		return err
	}

	Register(&Backend{Name: database, Type: BackendInflux, Database: database, Influx: client})
	log.Printf("Registered InfluxDB backend: host=%s, database=%s", host, database)

	return nil
}
