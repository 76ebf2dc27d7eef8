package events

// Event enumerates high-level topics inside the execution core.
type Event string

const (
	EventPriceTick        Event = "price_tick"
	EventTriggerFired     Event = "trigger.fired"
	EventOrderUpdate      Event = "order_update"
	EventOrderSubmitted   Event = "order.submitted"
	EventOrderFilled      Event = "order.filled"
	EventOrderPartialFill Event = "order.partially_filled"
	EventOrderFailed      Event = "order.failed"
	EventOrderCancelled   Event = "order.cancelled"
	EventOrderExpired     Event = "order.expired"
	EventDCAExecuted      Event = "dca.executed"
	EventStopTriggered    Event = "stop.triggered"
	EventCopyDetected     Event = "copy.detected"
	EventGuardDenied      Event = "guard.denied"
)
