package config

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// BackendType identifies the engine behind a registered database.
type BackendType string

const (
	BackendClickHouse BackendType = "clickhouse"
	BackendInflux     BackendType = "influxdb"
)

// ErrUnknownDatabase is returned by Lookup for names that were never registered.
var ErrUnknownDatabase = errors.New("unknown database")

// Backend is one registered analytics database. CH is set for
// clickhouse backends, Influx for influxdb backends.
type Backend struct {
	Name     string
	Type     BackendType
	Database string

	CH     driver.Conn
	Influx InfluxClient
}

// Ping checks connectivity to the backend.
func (b *Backend) Ping(ctx context.Context) error {
	switch b.Type {
	case BackendClickHouse:
		return b.CH.Ping(ctx)
	case BackendInflux:
		return pingInflux(ctx, b.Influx)
	default:
		return fmt.Errorf("unsupported backend type %q", b.Type)
	}
}

// Close releases the backend's connection.
func (b *Backend) Close() error {
	switch b.Type {
	case BackendClickHouse:
		if b.CH != nil {
			return b.CH.Close()
		}
	case BackendInflux:
		if b.Influx != nil {
			return b.Influx.Close()
		}
	}
	return nil
}

var (
	mu          sync.RWMutex
	backends    = map[string]*Backend{}
	defaultName string
	loaded      bool
)

// Lookup resolves a logical database name to its backend. The empty
// string resolves to the default database.
func Lookup(name string) (*Backend, error) {
	mu.RLock()
	defer mu.RUnlock()
	if name == "" {
		name = defaultName
	}
	b, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownDatabase, name)
	}
	return b, nil
}

// Default returns the name of the default database.
func Default() string {
	mu.RLock()
	defer mu.RUnlock()
	return defaultName
}

// Databases returns the registered database names, sorted.
func Databases() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register adds or replaces a backend and returns the one it replaced,
// if any. Tests use it to swap in container-backed connections.
func Register(b *Backend) *Backend {
	mu.Lock()
	defer mu.Unlock()
	old := backends[b.Name]
	backends[b.Name] = b
	if defaultName == "" {
		defaultName = b.Name
	}
	return old
}

// Unregister removes a backend without closing it and returns it, if any.
func Unregister(name string) *Backend {
	mu.Lock()
	defer mu.Unlock()
	old := backends[name]
	delete(backends, name)
	return old
}

// SetDefault sets the default database name (for testing).
func SetDefault(name string) {
	mu.Lock()
	defer mu.Unlock()
	defaultName = name
}

// Load reads the backend configuration from environment variables and
// dials every registered database. Calling Load again after a
// successful load is a no-op; Close resets it.
func Load() error {
	mu.Lock()
	if loaded {
		mu.Unlock()
		return nil
	}
	mu.Unlock()

	addr := os.Getenv("CLICKHOUSE_ADDR_TCP")
	if addr == "" {
		addr = "localhost:9000"
	}

	database := os.Getenv("CLICKHOUSE_DATABASE")
	if database == "" {
		database = "default"
	}

	username := os.Getenv("CLICKHOUSE_USERNAME")
	if username == "" {
		username = "default"
	}

	password := os.Getenv("CLICKHOUSE_PASSWORD")
	secure := os.Getenv("CLICKHOUSE_SECURE") == "true"

	log.Printf("Connecting to ClickHouse: addr=%s, database=%s, username=%s, secure=%v", addr, database, username, secure)

	names := []string{database}
	if extra := os.Getenv("CLICKHOUSE_EXTRA_DATABASES"); extra != "" {
		for _, name := range strings.Split(extra, ",") {
			name = strings.TrimSpace(name)
			if name != "" && name != database {
				names = append(names, name)
			}
		}
	}

	for _, name := range names {
		conn, err := openClickHouse(addr, name, username, password, secure)
		if err != nil {
			return fmt.Errorf("failed to connect clickhouse database %s: %w", name, err)
		}
		Register(&Backend{Name: name, Type: BackendClickHouse, Database: name, CH: conn})
	}

	if err := loadInflux(); err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	if def := os.Getenv("COPILOT_DEFAULT_DATABASE"); def != "" {
		defaultName = def
	} else {
		defaultName = database
	}
	if _, ok := backends[defaultName]; !ok {
		return fmt.Errorf("%w %q configured as default", ErrUnknownDatabase, defaultName)
	}
	loaded = true

	log.Printf("Connected to %d database backend(s), default=%s", len(backends), defaultName)

	return nil
}

// openClickHouse creates and pings a ClickHouse connection pool.
func openClickHouse(addr, database, username, password string, secure bool) (driver.Conn, error) {
	opts := &clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
		DialTimeout:     5 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}

	// Enable TLS for ClickHouse Cloud (port 9440)
	if secure {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create clickhouse connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	return conn, nil
}

// Close closes every registered backend and clears the registry.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	var firstErr error
	for name, b := range backends {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close database %s: %w", name, err)
		}
		delete(backends, name)
	}
	defaultName = ""
	loaded = false
	return firstErr
}
