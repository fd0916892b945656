package render

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Sentinel values accepted in the positional contract.
const (
	noBinding  = "-1"
	noLimitArg = "-1"
)

// MaxZoom is the largest accepted zoom factor.
const MaxZoom = 100.0

var (
	// ErrArity is returned when the positional argument count does not match the contract.
	ErrArity = errors.New("wrong number of arguments")
	// ErrInvalidArgument is returned when a positional argument cannot be bound.
	ErrInvalidArgument = errors.New("invalid argument")
)

// ArityError reports an argument count mismatch.
type ArityError struct {
	Variant Variant
	Want    int
	Got     int
}

func (e *ArityError) Error() string {
	return fmt.Sprintf("%s contract expects %d arguments, got %d", e.Variant, e.Want, e.Got)
}

// Unwrap returns ErrArity.
func (e *ArityError) Unwrap() error {
	return ErrArity
}

// ArgumentError reports a positional argument that failed to bind.
type ArgumentError struct {
	Name   string
	Value  string
	Reason string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("argument %s=%q: %s", e.Name, e.Value, e.Reason)
}

// Unwrap returns ErrInvalidArgument.
func (e *ArgumentError) Unwrap() error {
	return ErrInvalidArgument
}

// ParseVariant converts a configuration string into a Variant.
func ParseVariant(raw string) (Variant, error) {
	switch Variant(strings.ToLower(strings.TrimSpace(raw))) {
	case VariantMinimal:
		return VariantMinimal, nil
	case VariantExtended, "":
		return VariantExtended, nil
	default:
		return "", fmt.Errorf("unknown variant %q", raw)
	}
}

// Arity returns the number of positional arguments the variant expects,
// not counting the program name.
func (v Variant) Arity() int {
	if v == VariantMinimal {
		return 8
	}
	return 9
}

// Usage returns the positional argument synopsis for the variant.
func (v Variant) Usage() string {
	usage := "URL OUTPUT_FILE TIMEOUT_MS BIND_ID PROTOCOL THUMBNAIL_FILE DIMENSION ZOOM"
	if v == VariantExtended {
		usage += " RESOURCE_TIMEOUT_MS"
	}
	return usage
}

// ParseArgs binds the positional arguments to an Invocation. The arity check
// runs first; nothing else is inspected when the count is wrong.
func ParseArgs(args []string, variant Variant) (Invocation, error) {
	if want := variant.Arity(); len(args) != want {
		return Invocation{}, &ArityError{Variant: variant, Want: want, Got: len(args)}
	}

	inv := Invocation{
		TargetURL:  args[0],
		OutputPath: args[1],
		Protocol:   args[4],
	}
	if strings.TrimSpace(inv.TargetURL) == "" {
		return Invocation{}, &ArgumentError{Name: "url", Value: args[0], Reason: "must not be empty"}
	}
	if strings.TrimSpace(inv.OutputPath) == "" {
		return Invocation{}, &ArgumentError{Name: "output", Value: args[1], Reason: "must not be empty"}
	}

	settle, err := parseMillis("timeout", args[2])
	if err != nil {
		return Invocation{}, err
	}
	if settle < 0 {
		return Invocation{}, &ArgumentError{Name: "timeout", Value: args[2], Reason: "must be >= 0"}
	}
	inv.SettleTimeout = settle

	if bind := strings.TrimSpace(args[3]); bind != noBinding && bind != "" {
		inv.BindID = &bind
	}

	switch inv.Protocol {
	case "http", "https":
	default:
		return Invocation{}, &ArgumentError{Name: "protocol", Value: args[4], Reason: "must be http or https"}
	}

	if thumb := args[5]; thumb != "" {
		inv.ThumbnailPath = &thumb
	}
	if dim := strings.TrimSpace(args[6]); dim != "" {
		inv.Dimension = &dim
	}

	zoom, zoomErr := parseZoom(args[7])
	switch {
	case zoomErr == nil:
		inv.Zoom = &zoom
	case inv.WantsThumbnail():
		return Invocation{}, zoomErr
	}

	if variant == VariantExtended {
		timeout, err := parseResourceTimeout(args[8])
		if err != nil {
			return Invocation{}, err
		}
		inv.ResourceTimeout = timeout
	}
	return inv, nil
}

func parseMillis(name, raw string) (time.Duration, error) {
	ms, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, &ArgumentError{Name: name, Value: raw, Reason: "not an integer millisecond value"}
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func parseZoom(raw string) (float64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, &ArgumentError{Name: "zoom", Value: raw, Reason: "required when a thumbnail is requested"}
	}
	zoom, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, &ArgumentError{Name: "zoom", Value: raw, Reason: "not a decimal value"}
	}
	if math.IsNaN(zoom) || math.IsInf(zoom, 0) || zoom <= 0 || zoom > MaxZoom {
		return 0, &ArgumentError{Name: "zoom", Value: raw, Reason: fmt.Sprintf("must be > 0 and <= %g", MaxZoom)}
	}
	return zoom, nil
}

func parseResourceTimeout(raw string) (*time.Duration, error) {
	if strings.TrimSpace(raw) == noLimitArg {
		return nil, nil
	}
	timeout, err := parseMillis("resource_timeout", raw)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		return nil, &ArgumentError{Name: "resource_timeout", Value: raw, Reason: "must be > 0 or -1"}
	}
	return &timeout, nil
}
