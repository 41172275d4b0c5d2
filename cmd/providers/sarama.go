package providers

import (
	"context"
	"os"

	"github.com/Shopify/sarama"
	"github.com/pelletier/go-toml"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/tidewire/digestd/pkg/events"
)

// Run event config keys.
const (
	ConfEventsBrokers    = "events.brokers"
	ConfEventsTopic      = "events.topic"
	ConfEventsConfigFile = "events.config_file"
)

func init() {
	viper.SetDefault(ConfEventsBrokers, []string{})
	viper.SetDefault(ConfEventsTopic, "digestd.runs")
	viper.SetDefault(ConfEventsConfigFile, "")
}

// NewEventSink connects a Kafka producer for run events.
// Returns a nil sink when no brokers are configured: run events are an
// optional integration.
func NewEventSink(lc fx.Lifecycle, log *zap.Logger) (*events.Sink, error) {
	addrs := viper.GetStringSlice(ConfEventsBrokers)
	if len(addrs) == 0 {
		log.Info("Run events disabled")
		return nil, nil
	}
	config := sarama.NewConfig()
	// Since sarama has so many options, it's easiest to read in a file.
	if configFilePath := viper.GetString(ConfEventsConfigFile); configFilePath != "" {
		log.Info("Reading sarama config",
			zap.String(ConfEventsConfigFile, configFilePath))
		f, err := os.Open(configFilePath)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		dec := toml.NewDecoder(f)
		if err := dec.Decode(config); err != nil {
			return nil, err
		}
	}
	config.Producer.Return.Successes = true
	config.MetricRegistry = gometrics.DefaultRegistry
	log.Info("Connecting to Kafka (sarama)",
		zap.Strings(ConfEventsBrokers, addrs))
	producer, err := sarama.NewSyncProducer(addrs, config)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			log.Info("Closing Kafka producer")
			return producer.Close()
		},
	})
	return &events.Sink{
		Producer: producer,
		Topic:    viper.GetString(ConfEventsTopic),
	}, nil
}
