package txclient

import (
	"errors"
	"strings"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

// PreflightError is a transaction rejected during simulation, with the
// program logs attached so callers can tell benign races apart from real
// failures.
type PreflightError struct {
	Err  error
	Logs []string
}

func (e *PreflightError) Error() string {
	return e.Err.Error()
}

func (e *PreflightError) Unwrap() error {
	return e.Err
}

// ContainsLog reports whether any program log line contains the substring.
func (e *PreflightError) ContainsLog(substr string) bool {
	for _, l := range e.Logs {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

// wrapSendError attaches simulation logs from an RPC error when present.
func wrapSendError(err error) error {
	var rpcErr *jsonrpc.RPCError
	if !errors.As(err, &rpcErr) {
		return err
	}
	data, ok := rpcErr.Data.(map[string]interface{})
	if !ok {
		return err
	}
	rawLogs, ok := data["logs"].([]interface{})
	if !ok {
		return err
	}

	pe := &PreflightError{Err: err}
	for _, l := range rawLogs {
		if s, ok := l.(string); ok {
			pe.Logs = append(pe.Logs, s)
		}
	}
	return pe
}

// ErrorContainsLog reports whether err carries a program log line with the
// substring.
func ErrorContainsLog(err error, substr string) bool {
	var pe *PreflightError
	return errors.As(err, &pe) && pe.ContainsLog(substr)
}
