// Package catalog is the single source of truth for the platform's
// messaging topology and task names. Services build their registry,
// dispatcher, and workers from these declarations so producers and
// consumers cannot drift apart.
package catalog

import (
	"github.com/keylinehq/keyline/internal/fabric/dispatch"
	"github.com/keylinehq/keyline/internal/fabric/topology"
)

// Exchange names. Tasks target a specific consumer through the direct
// exchange; events fan out through the topic exchange.
const (
	TaskExchange  = "keyline.task"
	EventExchange = "keyline.event"
)

// Queue names, one per consuming worker.
const (
	QueueEnrollmentSignal = "enrollmentsignal"
	QueueOTPExternal      = "otpexternal"
	QueueDeviceConsume    = "deviceconsume"
	QueueAuditConsume     = "auditconsume"
)

// Task names. Names are globally unique; workers dispatch on them.
const (
	TaskSignalCodePostCreate = "signal_code_post_create"
	TaskExternalOTPCreate    = "otp.external_otp_create"
	TaskEnrollmentPublish    = "enrollment.publish"
	TaskDevicePublishRevoke  = "device.publish.revoke"
	TaskAccountPublishDelete = "account.publish.delete"
)

// Routing keys for direct-exchange tasks.
const (
	signalCodePostCreateKey = "enrollment.signal_code_post_create"
	externalOTPCreateKey    = "otp.external_otp_create"
)

// Declarations returns the full platform topology.
func Declarations() topology.Declarations {
	return topology.Declarations{
		Exchanges: []topology.Exchange{
			{Name: TaskExchange, Kind: topology.Direct},
			{Name: EventExchange, Kind: topology.Topic},
		},
		Queues: []topology.Queue{
			{Name: QueueEnrollmentSignal},
			{Name: QueueOTPExternal},
			{Name: QueueDeviceConsume},
			{Name: QueueAuditConsume},
		},
		Bindings: []topology.Binding{
			{Exchange: TaskExchange, Queue: QueueEnrollmentSignal, RoutingKey: signalCodePostCreateKey},
			{Exchange: TaskExchange, Queue: QueueOTPExternal, RoutingKey: externalOTPCreateKey},
			{Exchange: EventExchange, Queue: QueueDeviceConsume, RoutingKey: "device.publish.*"},
			{Exchange: EventExchange, Queue: QueueDeviceConsume, RoutingKey: "account.publish.delete"},
			{Exchange: EventExchange, Queue: QueueAuditConsume, RoutingKey: "#"},
		},
	}
}

// NewRegistry builds the immutable routing table for the platform topology.
func NewRegistry() (*topology.Registry, error) {
	return topology.New(Declarations())
}

// Tasks returns every task definition a dispatcher may publish. Construction
// of a dispatcher from this list validates that each routing key reaches a
// queue.
func Tasks() []dispatch.Definition {
	return []dispatch.Definition{
		{Name: TaskSignalCodePostCreate, Exchange: TaskExchange, RoutingKey: signalCodePostCreateKey},
		{Name: TaskExternalOTPCreate, Exchange: TaskExchange, RoutingKey: externalOTPCreateKey},
		{Name: TaskEnrollmentPublish, Exchange: EventExchange, RoutingKey: TaskEnrollmentPublish},
		{Name: TaskDevicePublishRevoke, Exchange: EventExchange, RoutingKey: TaskDevicePublishRevoke},
		{Name: TaskAccountPublishDelete, Exchange: EventExchange, RoutingKey: TaskAccountPublishDelete},
	}
}
