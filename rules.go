package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/DarlingtonDeveloper/fiscal-relay/fault"
	"github.com/DarlingtonDeveloper/fiscal-relay/idempotency"
	"github.com/DarlingtonDeveloper/fiscal-relay/queue"
)

// CorrelationKeyPrefix namespaces keys derived from order ids.
const CorrelationKeyPrefix = "order:"

// OrderRules issues one fiscal record per order. The correlation key is
// the order id, so every topic about the same order collapses onto one
// remote record.
type OrderRules struct {
	// Topics lists the accepted topics. Empty accepts all.
	Topics []string
}

// Build validates the item and forwards its payload as the request body.
func (r OrderRules) Build(_ context.Context, it queue.Item) (idempotency.Request, error) {
	if len(r.Topics) > 0 && !slices.Contains(r.Topics, it.Topic) {
		return idempotency.Request{}, fault.PermanentErr("rules.build", fault.CodeValidation,
			fmt.Errorf("unsupported topic %q", it.Topic))
	}
	if len(it.Payload) == 0 {
		return idempotency.Request{}, fault.PermanentErr("rules.build", fault.CodeValidation,
			errors.New("order payload is empty"))
	}
	if !json.Valid(it.Payload) {
		return idempotency.Request{}, fault.PermanentErr("rules.build", fault.CodeValidation,
			errors.New("order payload is not valid JSON"))
	}
	return idempotency.Request{
		CorrelationKey: CorrelationKeyPrefix + it.Resource,
		Body:           it.Payload,
	}, nil
}
