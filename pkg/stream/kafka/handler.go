package kafka

import (
	"context"

	"github.com/IBM/sarama"
	"github.com/go-logr/logr"
)

type delivery struct {
	msg     *sarama.ConsumerMessage
	session sarama.ConsumerGroupSession
}

// handler forwards claimed messages to the reader of a group. Messages are only
// marked once the reader acks them.
type handler struct {
	logger *logr.Logger

	deliveries chan<- delivery
}

func (h handler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()

	h.logInfo(0, "Start consuming",
		"topic", claim.Topic(),
		"partition", claim.Partition(),
		"initialOffset", claim.InitialOffset(),
	)

	for msg := range claim.Messages() {
		if msg == nil {
			h.logInfo(1, "Nil message")

			continue
		}

		h.logInfo(3, "Forwarding message", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)

		// If a re-balancing occurred, context will be canceled
		err := h.forward(ctx, delivery{msg: msg, session: session})
		if err != nil {
			break
		}
	}

	return nil
}

func (h handler) forward(ctx context.Context, d delivery) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case h.deliveries <- d:
		return nil
	}
}

// Setup is run at the beginning of a new session, before ConsumeClaim.
func (h handler) Setup(session sarama.ConsumerGroupSession) error {
	h.logInfo(0, "Setup to consume", "claims", session.Claims())

	return nil
}

// Cleanup is run at the end of a session, once all ConsumeClaim goroutines have exited
// but before the offsets are committed for the very last time.
func (h handler) Cleanup(session sarama.ConsumerGroupSession) error {
	h.logInfo(0, "Cleanup after consuming", "claims", session.Claims())

	return nil
}

func (h handler) logInfo(level int, msg string, keysAndValues ...any) {
	if h.logger == nil {
		return
	}

	h.logger.V(level).Info(msg, keysAndValues...)
}
