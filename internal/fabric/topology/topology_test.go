package topology

import (
	"reflect"
	"testing"
)

func testDeclarations() Declarations {
	return Declarations{
		Exchanges: []Exchange{
			{Name: "keyline.task", Kind: Direct},
			{Name: "keyline.event", Kind: Topic},
		},
		Queues: []Queue{
			{Name: "enrollmentsignal"},
			{Name: "otpexternal"},
			{Name: "deviceconsume"},
			{Name: "auditconsume"},
		},
		Bindings: []Binding{
			{Exchange: "keyline.task", Queue: "enrollmentsignal", RoutingKey: "enrollment.signal_code_post_create"},
			{Exchange: "keyline.task", Queue: "otpexternal", RoutingKey: "otp.external_otp_create"},
			{Exchange: "keyline.event", Queue: "deviceconsume", RoutingKey: "device.publish.*"},
			{Exchange: "keyline.event", Queue: "deviceconsume", RoutingKey: "account.publish.delete"},
			{Exchange: "keyline.event", Queue: "auditconsume", RoutingKey: "#"},
		},
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	registry, err := New(testDeclarations())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return registry
}

func TestDirectMatchIsExact(t *testing.T) {
	registry := newTestRegistry(t)

	queues, err := registry.Match("keyline.task", "enrollment.signal_code_post_create")
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	want := []string{"enrollmentsignal"}
	if !reflect.DeepEqual(queues, want) {
		t.Fatalf("queues = %v, want %v", queues, want)
	}

	queues, err = registry.Match("keyline.task", "enrollment.signal_code_post_creat")
	if err != nil {
		t.Fatalf("match near-miss: %v", err)
	}
	if len(queues) != 0 {
		t.Fatalf("near-miss queues = %v, want none (direct is exact match)", queues)
	}
}

func TestTopicMatchSemantics(t *testing.T) {
	registry := newTestRegistry(t)

	cases := []struct {
		key  string
		want []string
	}{
		{key: "device.publish.revoke", want: []string{"auditconsume", "deviceconsume"}},
		{key: "device.publish.enroll", want: []string{"auditconsume", "deviceconsume"}},
		{key: "device.publish.revoke.v2", want: []string{"auditconsume"}},
		{key: "account.publish.delete", want: []string{"auditconsume", "deviceconsume"}},
		{key: "enrollment.publish", want: []string{"auditconsume"}},
	}
	for _, tc := range cases {
		queues, err := registry.Match("keyline.event", tc.key)
		if err != nil {
			t.Fatalf("match %q: %v", tc.key, err)
		}
		if !reflect.DeepEqual(queues, tc.want) {
			t.Fatalf("match %q = %v, want %v", tc.key, queues, tc.want)
		}
	}
}

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		pattern string
		key     string
		want    bool
	}{
		{pattern: "device.publish.*", key: "device.publish.revoke", want: true},
		{pattern: "device.publish.*", key: "device.publish", want: false},
		{pattern: "device.publish.*", key: "device.publish.revoke.now", want: false},
		{pattern: "device.#", key: "device", want: true},
		{pattern: "device.#", key: "device.publish.revoke.now", want: true},
		{pattern: "#", key: "anything.at.all", want: true},
		{pattern: "#.revoke", key: "device.publish.revoke", want: true},
		{pattern: "#.revoke", key: "revoke", want: true},
		{pattern: "*.publish.#", key: "device.publish", want: true},
		{pattern: "*.publish.#", key: "publish", want: false},
	}
	for _, tc := range cases {
		if got := matchPattern(tc.pattern, tc.key); got != tc.want {
			t.Fatalf("matchPattern(%q, %q) = %v, want %v", tc.pattern, tc.key, got, tc.want)
		}
	}
}

func TestBindingsForReturnsCopy(t *testing.T) {
	registry := newTestRegistry(t)

	bindings := registry.BindingsFor("deviceconsume")
	if len(bindings) != 2 {
		t.Fatalf("bindings len = %d, want 2", len(bindings))
	}
	bindings[0].RoutingKey = "tampered"

	again := registry.BindingsFor("deviceconsume")
	if again[0].RoutingKey == "tampered" {
		t.Fatal("registry must be immutable after startup")
	}
}

func TestValidatePublications(t *testing.T) {
	registry := newTestRegistry(t)

	ok := []Publication{
		{Exchange: "keyline.task", RoutingKey: "otp.external_otp_create"},
		{Exchange: "keyline.event", RoutingKey: "device.publish.revoke"},
	}
	if err := registry.ValidatePublications(ok); err != nil {
		t.Fatalf("validate publications: %v", err)
	}

	if err := registry.ValidatePublications([]Publication{
		{Exchange: "keyline.task", RoutingKey: "device.publish.revoke"},
	}); err == nil {
		t.Fatal("expected unmatched publication to be rejected at boot")
	}

	if err := registry.ValidatePublications([]Publication{
		{Exchange: "missing", RoutingKey: "device.publish.revoke"},
	}); err == nil {
		t.Fatal("expected undeclared exchange to be rejected at boot")
	}
}

func TestNewRejectsBadDeclarations(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Declarations)
	}{
		{
			name:   "duplicate exchange",
			mutate: func(d *Declarations) { d.Exchanges = append(d.Exchanges, Exchange{Name: "keyline.task", Kind: Direct}) },
		},
		{
			name:   "unknown exchange kind",
			mutate: func(d *Declarations) { d.Exchanges[0].Kind = "fanout" },
		},
		{
			name:   "duplicate queue",
			mutate: func(d *Declarations) { d.Queues = append(d.Queues, Queue{Name: "otpexternal"}) },
		},
		{
			name: "binding to undeclared queue",
			mutate: func(d *Declarations) {
				d.Bindings = append(d.Bindings, Binding{Exchange: "keyline.task", Queue: "ghost", RoutingKey: "x"})
			},
		},
		{
			name: "binding to undeclared exchange",
			mutate: func(d *Declarations) {
				d.Bindings = append(d.Bindings, Binding{Exchange: "ghost", Queue: "otpexternal", RoutingKey: "x"})
			},
		},
		{
			name: "empty routing key",
			mutate: func(d *Declarations) {
				d.Bindings = append(d.Bindings, Binding{Exchange: "keyline.task", Queue: "otpexternal"})
			},
		},
		{
			name: "malformed topic pattern",
			mutate: func(d *Declarations) {
				d.Bindings = append(d.Bindings, Binding{Exchange: "keyline.event", Queue: "auditconsume", RoutingKey: "device.pub*"})
			},
		},
		{
			name: "empty pattern segment",
			mutate: func(d *Declarations) {
				d.Bindings = append(d.Bindings, Binding{Exchange: "keyline.event", Queue: "auditconsume", RoutingKey: "device..revoke"})
			},
		},
	}
	for _, tc := range cases {
		decl := testDeclarations()
		tc.mutate(&decl)
		if _, err := New(decl); err == nil {
			t.Fatalf("%s: expected declaration to be rejected", tc.name)
		}
	}
}
