// Package domains describes the six BSS event domains: the broker sub-topics
// each consumer subscribes to, the event types it handles and the read-model
// scopes a successful event invalidates.
package domains

import (
	"fmt"
	"slices"
)

// Scope names a read-model cache entry derived from a payload field. A
// payment.completed.v1 event with {"paymentId":"p1","invoiceId":"i9"}
// invalidates "payment:p1" and "invoice:i9".
type Scope struct {
	Kind  string
	Field string
	// Optional scopes are skipped when the field is absent.
	Optional bool
}

// EventSpec is one handled event type.
type EventSpec struct {
	Type   string
	Scopes []Scope
}

// Domain is one consumer: its broker sub-topics and handled events.
type Domain struct {
	Name   string
	Topics []string
	Events []EventSpec
}

// EventTypes returns the handled event types in catalog order.
func (d Domain) EventTypes() []string {
	out := make([]string, 0, len(d.Events))
	for _, e := range d.Events {
		out = append(out, e.Type)
	}
	return out
}

// WithTopics returns a copy of d subscribed to topics instead of the defaults.
func (d Domain) WithTopics(topics []string) Domain {
	if len(topics) > 0 {
		d.Topics = slices.Clone(topics)
	}
	return d
}

func own(kind string) Scope     { return Scope{Kind: kind, Field: kind + "Id"} }
func related(kind string) Scope { return Scope{Kind: kind, Field: kind + "Id", Optional: true} }

func event(typ string, scopes ...Scope) EventSpec {
	return EventSpec{Type: typ, Scopes: scopes}
}

var catalog = []Domain{
	{
		Name:   "customer",
		Topics: []string{"customer.created", "customer.updated", "customer.terminated"},
		Events: []EventSpec{
			event("customer.created.v1", own("customer")),
			event("customer.updated.v1", own("customer")),
			event("customer.terminated.v1", own("customer")),
		},
	},
	{
		Name:   "invoice",
		Topics: []string{"invoice.issued", "invoice.paid", "invoice.cancelled"},
		Events: []EventSpec{
			event("invoice.issued.v1", own("invoice"), related("customer")),
			event("invoice.paid.v1", own("invoice"), related("customer")),
			event("invoice.cancelled.v1", own("invoice"), related("customer")),
		},
	},
	{
		Name:   "payment",
		Topics: []string{"payment.created", "payment.completed", "payment.failed"},
		Events: []EventSpec{
			event("payment.created.v1", own("payment")),
			event("payment.completed.v1", own("payment"), related("invoice")),
			event("payment.failed.v1", own("payment"), related("invoice")),
		},
	},
	{
		Name:   "order",
		Topics: []string{"order.created", "order.completed", "order.cancelled"},
		Events: []EventSpec{
			event("order.created.v1", own("order"), related("customer")),
			event("order.completed.v1", own("order"), related("customer")),
			event("order.cancelled.v1", own("order"), related("customer")),
		},
	},
	{
		Name:   "service",
		Topics: []string{"service.activated", "service.suspended", "service.terminated"},
		Events: []EventSpec{
			event("service.activated.v1", own("service"), related("subscription")),
			event("service.suspended.v1", own("service"), related("subscription")),
			event("service.terminated.v1", own("service"), related("subscription")),
		},
	},
	{
		Name:   "subscription",
		Topics: []string{"subscription.created", "subscription.renewed", "subscription.cancelled"},
		Events: []EventSpec{
			event("subscription.created.v1", own("subscription"), related("customer")),
			event("subscription.renewed.v1", own("subscription"), related("customer")),
			event("subscription.cancelled.v1", own("subscription"), related("customer")),
		},
	},
}

// Catalog returns every known domain.
func Catalog() []Domain {
	out := make([]Domain, len(catalog))
	for i, d := range catalog {
		out[i] = Domain{
			Name:   d.Name,
			Topics: slices.Clone(d.Topics),
			Events: slices.Clone(d.Events),
		}
	}
	return out
}

// Lookup returns the named domain.
func Lookup(name string) (Domain, bool) {
	for _, d := range Catalog() {
		if d.Name == name {
			return d, true
		}
	}
	return Domain{}, false
}

// Select returns the named domains in the given order, applying any topic
// overrides. Unknown names are an error.
func Select(names []string, topicOverrides map[string][]string) ([]Domain, error) {
	out := make([]Domain, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		d, ok := Lookup(name)
		if !ok {
			return nil, fmt.Errorf("unknown domain %q", name)
		}
		out = append(out, d.WithTopics(topicOverrides[name]))
	}
	return out, nil
}
