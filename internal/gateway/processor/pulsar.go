package processor

import (
	"context"
	"encoding/json"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/pkg/errors"

	"github.com/gitpulse/ingest-gateway/internal/common/ingesterrors"
	"github.com/gitpulse/ingest-gateway/internal/gateway/configuration"
)

// NewPulsarClient creates a pulsar client from gateway configuration.
func NewPulsarClient(config *configuration.PulsarConfig) (pulsar.Client, error) {
	return pulsar.NewClient(pulsar.ClientOptions{
		URL:                        config.URL,
		TLSTrustCertsFilePath:      config.TLSTrustCertsFilePath,
		TLSValidateHostname:        config.TLSValidateHostname,
		TLSAllowInsecureConnection: config.TLSAllowInsecureConnection,
		MaxConnectionsPerBroker:    config.MaxConnectionsPerBroker,
	})
}

// NewPulsarProducer creates the producer used by PulsarProcessor.
func NewPulsarProducer(client pulsar.Client, config *configuration.PulsarConfig) (pulsar.Producer, error) {
	options := pulsar.ProducerOptions{
		Topic:       config.Topic,
		SendTimeout: config.SendTimeout,
	}
	if config.CompressionEnabled {
		options.CompressionType = pulsar.ZLib
	}
	return client.CreateProducer(options)
}

// PulsarProcessor publishes events to a pulsar topic, keyed by event id so
// downstream consumers can partition per event.
type PulsarProcessor struct {
	producer pulsar.Producer
	// Maximum size of Pulsar messages. Zero disables the check.
	maxAllowedMessageSize uint
}

func NewPulsarProcessor(producer pulsar.Producer, maxAllowedMessageSize uint) *PulsarProcessor {
	return &PulsarProcessor{
		producer:              producer,
		maxAllowedMessageSize: maxAllowedMessageSize,
	}
}

func (p *PulsarProcessor) Name() string {
	return "pulsar"
}

func (p *PulsarProcessor) Submit(ctx context.Context, event *Event) (*Receipt, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, errors.WithStack(&ingesterrors.ErrEventRejected{
			Target:  p.Name(),
			Message: err.Error(),
		})
	}
	if p.maxAllowedMessageSize > 0 && uint(len(payload)) > p.maxAllowedMessageSize {
		return nil, errors.WithStack(&ingesterrors.ErrEventRejected{
			Target:  p.Name(),
			Message: "event exceeds maximum allowed message size",
		})
	}

	messageId, err := p.producer.Send(ctx, &pulsar.ProducerMessage{
		Payload: payload,
		Key:     event.Id,
	})
	if err != nil {
		return nil, errors.WithStack(&ingesterrors.ErrDownstreamFailure{
			Target:  p.Name(),
			Message: err.Error(),
		})
	}

	return &Receipt{
		EventId:   event.Id,
		Target:    p.Name(),
		MessageId: messageId.String(),
	}, nil
}
