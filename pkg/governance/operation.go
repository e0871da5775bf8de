package governance

// Operation enumerates the governed kernel calls. Rate-limit
// configuration is keyed by this tagged set rather than free-form
// strings, so an unconfigured operation is a compile-time absence, not a
// silent lookup miss.
type Operation int

const (
	OpAppend Operation = iota
	OpWitness
	OpHeartbeat
	OpMolt
	OpEnforceCoherence
	OpRehydrate
)

// String returns the wire/audit name of the operation.
func (o Operation) String() string {
	switch o {
	case OpAppend:
		return "append"
	case OpWitness:
		return "witness"
	case OpHeartbeat:
		return "heartbeat"
	case OpMolt:
		return "molt"
	case OpEnforceCoherence:
		return "enforce_coherence"
	case OpRehydrate:
		return "rehydrate"
	default:
		return "unknown"
	}
}

// Operations lists every governed operation, in declaration order.
func Operations() []Operation {
	return []Operation{OpAppend, OpWitness, OpHeartbeat, OpMolt, OpEnforceCoherence, OpRehydrate}
}
