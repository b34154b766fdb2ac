package messaging

// Kafka topics shared with the rest of the backend
const (
	TopicCircuitEvents = "services.circuit_breaker" // backend services → wsgate
	TopicCommands      = "services.commands"        // wsgate → backend services
	TopicAudit         = "gateway.audit"            // wsgate → audit consumers
)
