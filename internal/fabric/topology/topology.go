// Package topology declares the platform's exchange, queue, and binding
// layout and answers routing questions for publishers and consumers.
//
// A Registry is built once at process start from static declarations and is
// immutable afterward; there is no dynamic rebinding at runtime. Validation
// happens at boot so a misconfigured publisher fails fast instead of
// dropping messages at first publish.
package topology

import (
	"fmt"
	"sort"
	"strings"
)

// ExchangeKind selects the routing-key match semantics of an exchange.
type ExchangeKind string

const (
	// Direct exchanges deliver to queues bound with an exact-match key.
	Direct ExchangeKind = "direct"
	// Topic exchanges deliver to queues bound with a dot-separated pattern,
	// where * matches exactly one segment and # matches zero or more.
	Topic ExchangeKind = "topic"
)

// Exchange is a named message bus declaration.
type Exchange struct {
	Name string
	Kind ExchangeKind
}

// Queue is a named durable holding area consumed by one handler role.
type Queue struct {
	Name string
}

// Binding routes messages from an exchange to a queue when the routing key
// matches.
type Binding struct {
	Exchange   string
	Queue      string
	RoutingKey string
}

// Publication is one (exchange, routing key) pair a publisher emits, used
// for boot-time validation.
type Publication struct {
	Exchange   string
	RoutingKey string
}

// Declarations is the static input a Registry is built from.
type Declarations struct {
	Exchanges []Exchange
	Queues    []Queue
	Bindings  []Binding
}

// Registry is the immutable routing table consulted by publishers and
// consumers.
type Registry struct {
	exchanges map[string]Exchange
	queues    map[string]Queue
	byQueue   map[string][]Binding
	bindings  []Binding
}

// New validates declarations and builds the registry. Any structural problem
// is a configuration error: the process must refuse to start.
func New(decl Declarations) (*Registry, error) {
	if len(decl.Exchanges) == 0 {
		return nil, fmt.Errorf("at least one exchange is required")
	}

	exchanges := make(map[string]Exchange, len(decl.Exchanges))
	for _, exchange := range decl.Exchanges {
		name := strings.TrimSpace(exchange.Name)
		if name == "" {
			return nil, fmt.Errorf("exchange name is required")
		}
		if exchange.Kind != Direct && exchange.Kind != Topic {
			return nil, fmt.Errorf("exchange %s: unknown kind %q", name, exchange.Kind)
		}
		if _, exists := exchanges[name]; exists {
			return nil, fmt.Errorf("exchange %s is declared twice", name)
		}
		exchange.Name = name
		exchanges[name] = exchange
	}

	queues := make(map[string]Queue, len(decl.Queues))
	for _, queue := range decl.Queues {
		name := strings.TrimSpace(queue.Name)
		if name == "" {
			return nil, fmt.Errorf("queue name is required")
		}
		if _, exists := queues[name]; exists {
			return nil, fmt.Errorf("queue %s is declared twice", name)
		}
		queue.Name = name
		queues[name] = queue
	}

	byQueue := make(map[string][]Binding, len(queues))
	bindings := make([]Binding, 0, len(decl.Bindings))
	for _, binding := range decl.Bindings {
		binding.Exchange = strings.TrimSpace(binding.Exchange)
		binding.Queue = strings.TrimSpace(binding.Queue)
		binding.RoutingKey = strings.TrimSpace(binding.RoutingKey)

		exchange, ok := exchanges[binding.Exchange]
		if !ok {
			return nil, fmt.Errorf("binding for queue %s references undeclared exchange %s", binding.Queue, binding.Exchange)
		}
		if _, ok := queues[binding.Queue]; !ok {
			return nil, fmt.Errorf("binding on exchange %s references undeclared queue %s", binding.Exchange, binding.Queue)
		}
		if binding.RoutingKey == "" {
			return nil, fmt.Errorf("binding %s -> %s: routing key is required", binding.Exchange, binding.Queue)
		}
		if exchange.Kind == Topic {
			if err := validatePattern(binding.RoutingKey); err != nil {
				return nil, fmt.Errorf("binding %s -> %s: %w", binding.Exchange, binding.Queue, err)
			}
		}
		bindings = append(bindings, binding)
		byQueue[binding.Queue] = append(byQueue[binding.Queue], binding)
	}

	return &Registry{
		exchanges: exchanges,
		queues:    queues,
		byQueue:   byQueue,
		bindings:  bindings,
	}, nil
}

// Exchange resolves a declared exchange by name.
func (r *Registry) Exchange(name string) (Exchange, error) {
	if r == nil {
		return Exchange{}, fmt.Errorf("topology is not configured")
	}
	exchange, ok := r.exchanges[strings.TrimSpace(name)]
	if !ok {
		return Exchange{}, fmt.Errorf("exchange %s is not declared", name)
	}
	return exchange, nil
}

// Queues returns the declared queue names in stable order.
func (r *Registry) Queues() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.queues))
	for name := range r.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasQueue reports whether a queue is declared.
func (r *Registry) HasQueue(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.queues[strings.TrimSpace(name)]
	return ok
}

// BindingsFor returns the bindings feeding one queue.
func (r *Registry) BindingsFor(queue string) []Binding {
	if r == nil {
		return nil
	}
	source := r.byQueue[strings.TrimSpace(queue)]
	out := make([]Binding, len(source))
	copy(out, source)
	return out
}

// Match returns the queues a message published to (exchange, routingKey)
// is delivered to, under the exchange's declared match semantics. The result
// is sorted and duplicate-free: a queue receives one copy even when several
// of its bindings match.
func (r *Registry) Match(exchange, routingKey string) ([]string, error) {
	if r == nil {
		return nil, fmt.Errorf("topology is not configured")
	}
	decl, err := r.Exchange(exchange)
	if err != nil {
		return nil, err
	}
	routingKey = strings.TrimSpace(routingKey)
	if routingKey == "" {
		return nil, fmt.Errorf("routing key is required")
	}

	matched := map[string]bool{}
	for _, binding := range r.bindings {
		if binding.Exchange != decl.Name {
			continue
		}
		switch decl.Kind {
		case Direct:
			if binding.RoutingKey == routingKey {
				matched[binding.Queue] = true
			}
		case Topic:
			if matchPattern(binding.RoutingKey, routingKey) {
				matched[binding.Queue] = true
			}
		}
	}

	queues := make([]string, 0, len(matched))
	for queue := range matched {
		queues = append(queues, queue)
	}
	sort.Strings(queues)
	return queues, nil
}

// ValidatePublications verifies every routing key referenced by a publisher
// matches at least one declared binding. Called at boot: a publication that
// would route nowhere rejects the configuration before the first publish.
func (r *Registry) ValidatePublications(pubs []Publication) error {
	if r == nil {
		return fmt.Errorf("topology is not configured")
	}
	for _, pub := range pubs {
		queues, err := r.Match(pub.Exchange, pub.RoutingKey)
		if err != nil {
			return fmt.Errorf("publication (%s, %s): %w", pub.Exchange, pub.RoutingKey, err)
		}
		if len(queues) == 0 {
			return fmt.Errorf("publication (%s, %s) matches no declared binding", pub.Exchange, pub.RoutingKey)
		}
	}
	return nil
}
