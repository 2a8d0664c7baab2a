package fwclient

import (
	"fmt"
	"strconv"

	"github.com/rdkcentral/fwupdate-harness/wire"
)

// FaultError is a per-call fault reported by the service. It is
// recoverable: the connection stays usable for further calls.
type FaultError struct {
	Method  string
	Message string
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("service fault in %s: %s", e.Method, e.Message)
}

// DecodeError means the service answered with a tuple shape the client
// does not recognize. It is reported distinctly instead of guessing at
// field meanings.
type DecodeError struct {
	Method string
	Arity  int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("unrecognized %s reply shape (%d values)", e.Method, e.Arity)
}

// TimeoutError is a per-call deadline expiry on the wire.
type TimeoutError struct {
	Method string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out", e.Method)
}

// decodeUpdate maps a positional CheckForUpdate reply onto named fields.
// Three shapes exist in the wild:
//
//	7 values: update_available, available_version, update_url,
//	          reboot_immediately, error_code, error_message, http_code
//	6 values: the same without http_code
//	5 values: result_code, current_version, available_version,
//	          update_details, status_message (legacy contract)
//
// Anything else is a DecodeError.
func decodeUpdate(values []any) (*wire.Update, error) {
	u := &wire.Update{Arity: len(values)}
	switch len(values) {
	case 7:
		u.HTTPCode = asInt(values[6])
		fallthrough
	case 6:
		u.UpdateAvailable = asInt(values[0])
		u.AvailableVersion = asString(values[1])
		u.UpdateURL = asString(values[2])
		u.RebootImmediately = asInt(values[3])
		u.ErrorCode = asInt(values[4])
		u.ErrorMessage = asString(values[5])
	case 5:
		u.ErrorCode = asInt(values[0])
		u.CurrentVersion = asString(values[1])
		u.AvailableVersion = asString(values[2])
		u.UpdateURL = asString(values[3])
		u.ErrorMessage = asString(values[4])
	default:
		return nil, &DecodeError{Method: methodCheckUpdate, Arity: len(values)}
	}
	return u, nil
}

// The daemon's tuples are loosely typed: numbers may arrive as JSON
// numbers or as decimal strings depending on the daemon build. The
// coercions below accept both and nothing else.

func asUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case float64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case string:
		id, err := strconv.ParseUint(n, 10, 64)
		return id, err == nil
	default:
		return 0, false
	}
}

func asInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	default:
		return 0
	}
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func asBool(v any) (value, ok bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case float64:
		return b != 0, true
	case string:
		parsed, err := strconv.ParseBool(b)
		return parsed, err == nil
	default:
		return false, false
	}
}
