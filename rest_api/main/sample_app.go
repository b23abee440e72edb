package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/sharedcode/flashsale"
	"github.com/sharedcode/flashsale/aws_s3"
	cas "github.com/sharedcode/flashsale/cassandra"
	"github.com/sharedcode/flashsale/inventory"
	"github.com/sharedcode/flashsale/redis"
	"github.com/sharedcode/flashsale/rest_api"
	"github.com/sharedcode/flashsale/rules"
)

// Cassandra Config, please update with your Cassandra Server cluster config.
var cassConfig = cas.Config{
	ClusterHosts: []string{"localhost:9042"},
	Keyspace:     "flashsale",
}

// Coordination node addresses, please update with your Redis node addresses.
// Five independent nodes give the quorum lock tolerance for two node losses.
var nodeAddresses = []string{
	"localhost:6379",
	"localhost:6380",
	"localhost:6381",
	"localhost:6382",
	"localhost:6383",
}

func main() {
	flashsale.ConfigureLogging()

	if v := os.Getenv("FLASHSALE_NODES"); v != "" {
		nodeAddresses = strings.Split(v, ",")
	}

	options := flashsale.Options{
		UseQuorum: len(nodeAddresses) > 1,
	}
	for _, addr := range nodeAddresses {
		options.Nodes = append(options.Nodes, flashsale.NodeConfig{Address: addr})
	}
	if err := options.Validate(); err != nil {
		log.Fatal(err)
	}

	if _, err := cas.OpenConnection(cassConfig); err != nil {
		log.Fatal(err)
	}
	defer cas.CloseConnection()

	closeables := redis.OpenNodes(options.Nodes)
	defer redis.CloseNodes(closeables)
	nodes := make([]flashsale.Node, len(closeables))
	for i := range closeables {
		nodes[i] = closeables[i]
		if err := nodes[i].Ping(context.Background()); err != nil {
			// A minority of dead nodes is survivable under quorum locking.
			slog.Warn("coordination node unreachable at startup", "node", nodes[i].Address(), "error", err)
		}
	}

	coordinator, err := inventory.NewCoordinator(options, nodes, cas.NewRepository())
	if err != nil {
		log.Fatal(err)
	}

	// Optional durable sink for reconciliation reports; defaults to logging.
	if bucket := os.Getenv("FLASHSALE_REPORT_BUCKET"); bucket != "" {
		s3Client := aws_s3.Connect(aws_s3.Config{
			HostEndpointUrl: os.Getenv("FLASHSALE_S3_ENDPOINT"),
			Region:          os.Getenv("FLASHSALE_S3_REGION"),
			Username:        os.Getenv("FLASHSALE_S3_USER"),
			Password:        os.Getenv("FLASHSALE_S3_PASSWORD"),
		})
		sink, err := aws_s3.NewReportSink(s3Client, bucket)
		if err != nil {
			log.Fatal(err)
		}
		coordinator.WithSink(sink)
	}

	// Optional eligibility rule, e.g. "quantity <= 5 && total <= 100000".
	if expr := os.Getenv("FLASHSALE_ELIGIBILITY_RULE"); expr != "" {
		evaluator, err := rules.NewEvaluator("eligibility", expr)
		if err != nil {
			log.Fatal(err)
		}
		coordinator.WithRules(evaluator)
	}

	rest_api.Main(rest_api.NewApi(coordinator, cas.NewRepository()), ":8080")
}
