package subutils

import (
	"github.com/stageconnect/messaging/pkg/messaging/envelope"
	"github.com/stageconnect/messaging/pkg/messaging/transform"
)

// TransformingHandler applies transforms to received envelopes and passes
// the messages that survive to a consumer.
type TransformingHandler struct {
	consumer   func(transform.Message)
	transforms transform.Func
}

// NewTransformingHandler creates a TransformingHandler. The transforms are
// applied in order; once one drops a message the consumer is not called.
//
// Example:
//
//	jq, _ := transform.Jq(".content", logger)
//	h := subutils.NewTransformingHandler(print,
//	    transform.OnlyTypes(envelope.TypeChat),
//	    jq,
//	)
//	client.Subscribe("/topic/user/3", h.Handle)
func NewTransformingHandler(consumer func(transform.Message), transforms ...transform.Func) *TransformingHandler {
	return &TransformingHandler{
		consumer:   consumer,
		transforms: transform.Chain(transforms...),
	}
}

// Handle is a messaging.Handler.
func (t *TransformingHandler) Handle(destination string, env envelope.Envelope) {
	if msg, keep := t.transforms(transform.FromEnvelope(destination, env)); keep {
		t.consumer(msg)
	}
}
