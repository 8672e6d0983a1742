package chain

import "fmt"

// Status is the execution status of a collated transaction.
// Pending transactions carry no status until a receipt is joined.
type Status int

const (
	StatusPending Status = iota
	StatusOK
	StatusError
)

// String returns the database representation of the status.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	default:
		return "pending"
	}
}

// DBValue returns the value stored in the transactions.status column.
// Pending maps to NULL.
func (s Status) DBValue() interface{} {
	switch s {
	case StatusOK:
		return int16(1)
	case StatusError:
		return int16(0)
	default:
		return nil
	}
}

// StatusFromDB converts a nullable status column back to a Status.
func StatusFromDB(v *int16) Status {
	if v == nil {
		return StatusPending
	}
	if *v == 1 {
		return StatusOK
	}
	return StatusError
}

// InternalTxType is the trace entry type of an internal transaction.
type InternalTxType int

const (
	InternalTxCall InternalTxType = iota
	InternalTxCreate
	InternalTxReward
	InternalTxSuicide
)

// String returns the database representation of the type.
func (t InternalTxType) String() string {
	switch t {
	case InternalTxCall:
		return "call"
	case InternalTxCreate:
		return "create"
	case InternalTxReward:
		return "reward"
	case InternalTxSuicide:
		return "suicide"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// ParseInternalTxType translates a trace "type" field into an InternalTxType.
func ParseInternalTxType(s string) (InternalTxType, error) {
	switch s {
	case "call":
		return InternalTxCall, nil
	case "create", "create2":
		return InternalTxCreate, nil
	case "reward":
		return InternalTxReward, nil
	case "suicide", "selfdestruct":
		return InternalTxSuicide, nil
	default:
		return 0, fmt.Errorf("unknown internal transaction type %q", s)
	}
}
