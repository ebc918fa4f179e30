package loadgen

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/yihanhsi-cmu-S25/load-generator/internal/config"
)

// Query keys understood by Resolve.
const (
	KeyCPULoadSeconds = "cpu_load_seconds"
	KeyMemoryLoadMB   = "memory_load_mb"
	KeyDelaySeconds   = "delay_seconds"
)

// ErrMalformedParam is the cause of every *ParamError.
var ErrMalformedParam = errors.New("malformed load parameter")

// ParamError describes a query value that was present but unusable.
type ParamError struct {
	Key    string
	Value  string
	Reason string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("%s=%q: %s", e.Key, e.Value, e.Reason)
}

func (e *ParamError) Unwrap() error {
	return ErrMalformedParam
}

// Resolve parses the path+query target of a request and fills the gaps from
// defaults. A present but malformed or negative value is an error; it never
// falls back to the default.
func Resolve(target string, defaults config.Defaults) (*Request, error) {
	params := parseQuery(target)

	req := &Request{
		CPULoadSeconds: defaults.CPULoadSeconds,
		MemoryLoadMB:   defaults.MemoryLoadMB,
		DelaySeconds:   defaults.DelaySeconds,
	}

	if v, ok := params[KeyCPULoadSeconds]; ok {
		n, err := parseCount(KeyCPULoadSeconds, v)
		if err != nil {
			return nil, err
		}
		req.CPULoadSeconds = n
	}
	if v, ok := params[KeyMemoryLoadMB]; ok {
		n, err := parseCount(KeyMemoryLoadMB, v)
		if err != nil {
			return nil, err
		}
		req.MemoryLoadMB = n
	}
	if v, ok := params[KeyDelaySeconds]; ok {
		f, err := parseSeconds(KeyDelaySeconds, v)
		if err != nil {
			return nil, err
		}
		req.DelaySeconds = f
	}
	return req, nil
}

// parseQuery splits on the first '?', then on '&', then on the first '='.
// Pieces without '=' are dropped and later duplicates overwrite earlier ones.
func parseQuery(target string) map[string]string {
	params := make(map[string]string)

	i := strings.IndexByte(target, '?')
	if i < 0 {
		return params
	}
	for _, piece := range strings.Split(target[i+1:], "&") {
		kv := strings.SplitN(piece, "=", 2)
		if len(kv) != 2 {
			continue
		}
		params[kv[0]] = kv[1]
	}
	return params
}

func parseCount(key, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, &ParamError{Key: key, Value: value, Reason: "not an integer"}
	}
	if n < 0 {
		return 0, &ParamError{Key: key, Value: value, Reason: "must not be negative"}
	}
	if int64(n) > config.MaxParam {
		return 0, &ParamError{Key: key, Value: value, Reason: "out of range"}
	}
	return n, nil
}

func parseSeconds(key, value string) (float64, error) {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, &ParamError{Key: key, Value: value, Reason: "not a number"}
	}
	if f < 0 {
		return 0, &ParamError{Key: key, Value: value, Reason: "must not be negative"}
	}
	if f > float64(config.MaxParam) {
		return 0, &ParamError{Key: key, Value: value, Reason: "out of range"}
	}
	return f, nil
}
