package redis

import (
	"crypto/tls"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sharedcode/flashsale"
)

// Redis configurable options.
type Options struct {
	// Redis server address.
	Address string
	// Password required when connecting to the Redis server.
	Password string
	// DB to connect to.
	DB int
	// TLS config.
	TLSConfig *tls.Config
	// PoolSize bounds the connection pool. Defaults to 10 per node.
	PoolSize int
}

// Connection contains Redis client connection object and the Options used to connect.
type Connection struct {
	Client  *redis.Client
	Options Options
}

// DefaultOptions.
func DefaultOptions() Options {
	return Options{
		Address:  "localhost:6379",
		Password: "", // no password set
		DB:       0,  // use default DB
	}
}

var connection *Connection
var mux sync.Mutex

// Returns true if connection instance is valid.
func IsConnectionInstantiated() bool {
	return connection != nil
}

// Creates a singleton connection and returns it for every call.
func OpenConnection(options Options) (*Connection, error) {
	if connection != nil {
		return connection, nil
	}
	mux.Lock()
	defer mux.Unlock()

	if connection != nil {
		return connection, nil
	}

	connection = openConnection(options)
	return connection, nil
}

// Close the singleton connection if open.
func CloseConnection() error {
	if connection == nil {
		return nil
	}
	mux.Lock()
	defer mux.Unlock()
	if connection == nil {
		return nil
	}
	err := closeConnection(connection)
	connection = nil
	return err
}

func openConnection(options Options) *Connection {
	poolSize := options.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}
	client := redis.NewClient(&redis.Options{
		TLSConfig: options.TLSConfig,
		Addr:      options.Address,
		Password:  options.Password,
		DB:        options.DB,
		PoolSize:  poolSize,
		// Reap idle connections so a burst of reservations does not pin
		// sockets forever.
		ConnMaxIdleTime: 5 * time.Minute,
	})

	c := Connection{
		Client:  client,
		Options: options,
	}
	return &c
}

func closeConnection(c *Connection) error {
	if c == nil || c.Client == nil {
		return nil
	}
	err := c.Client.Close()
	c.Client = nil
	return err
}

// OpenNodes opens one owned connection per configured coordination node and
// returns them in configuration order. The nodes are independent, there is no
// replication among them; the quorum lock treats each as a separate grant.
func OpenNodes(cfgs []flashsale.NodeConfig) []flashsale.CloseableNode {
	nodes := make([]flashsale.CloseableNode, len(cfgs))
	for i, cfg := range cfgs {
		nodes[i] = NewNode(Options{
			Address:  cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
	}
	return nodes
}

// CloseNodes closes every node, returning the last error seen.
func CloseNodes(nodes []flashsale.CloseableNode) error {
	var lastErr error
	for _, n := range nodes {
		if err := n.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
