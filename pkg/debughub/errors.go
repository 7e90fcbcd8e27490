package debughub

import "fmt"

func errNotFound(machineID string) error {
	return fmt.Errorf("debughub: machine %q not found", machineID)
}

func errUnknownOp(op string) error {
	return fmt.Errorf("debughub: unknown operation %q", op)
}
