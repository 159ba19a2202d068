package bus

import (
	"fmt"
	"strings"

	"github.com/qrelscope/qrelscope/internal/config"
	"github.com/qrelscope/qrelscope/internal/pkg/errors"
	"github.com/qrelscope/qrelscope/internal/pkg/logger"
)

// NewBus creates a Bus from the configuration. When an event log path is
// configured the bus is wrapped so every published event is journaled.
func NewBus(cfg config.BusConfig, log *logger.Logger) (Bus, error) {
	var b Bus
	switch strings.ToLower(cfg.Type) {
	case "memory", "":
		b = NewMemoryBus(log)

	case "kafka":
		brokers := ParseKafkaBrokers(cfg.KafkaBrokers)
		if len(brokers) == 0 {
			return nil, errors.New(errors.CodeMalformed, "kafka brokers not configured")
		}

		consumerGroup := cfg.KafkaGroup
		if consumerGroup == "" {
			consumerGroup = "qrelscope"
		}

		kb, err := NewKafkaBus(KafkaConfig{
			Brokers:       brokers,
			ConsumerGroup: consumerGroup,
			ClientID:      "qrelscope-bus",
			TopicPrefix:   cfg.TopicPrefix,
		}, log)
		if err != nil {
			return nil, err
		}
		b = kb

	default:
		return nil, errors.New(errors.CodeMalformed, fmt.Sprintf("unknown bus type: %s", cfg.Type))
	}

	if cfg.EventLog == "" {
		return b, nil
	}
	journal, err := OpenJournal(cfg.EventLog)
	if err != nil {
		b.Close()
		return nil, err
	}
	return NewJournaledBus(b, journal, log), nil
}
