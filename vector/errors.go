package vector

import (
	"encoding/json"
	"fmt"

	"github.com/LoveWonYoung/vxlcan/driver"
)

// Kind distinguishes the members of the VectorError family.
type Kind int

const (
	KindVector Kind = iota
	KindInitialization
	KindOperation
)

var kindNames = [...]string{"vector", "initialization", "operation"}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func parseKind(s string) (Kind, error) {
	for i, name := range kindNames {
		if s == name {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown error kind %q", s)
}

// VectorError is returned when a driver call reports a status other than XL_SUCCESS.
type VectorError struct {
	Code      driver.Status
	Message   string
	Operation string
}

func NewVectorError(code driver.Status, message, operation string) VectorError {
	return VectorError{Code: code, Message: message, Operation: operation}
}

func (e VectorError) Error() string {
	return fmt.Sprintf("%s failed: %s (%d)", e.Operation, e.Message, int(e.Code))
}

func (e VectorError) Kind() Kind { return KindVector }

// InitializationError is a VectorError raised while opening, configuring or activating.
type InitializationError struct {
	VectorError
}

func (e InitializationError) Kind() Kind    { return KindInitialization }
func (e InitializationError) Unwrap() error { return e.VectorError }

// OperationError is a VectorError raised by steady-state calls.
type OperationError struct {
	VectorError
}

func (e OperationError) Kind() Kind    { return KindOperation }
func (e OperationError) Unwrap() error { return e.VectorError }

// Promote rebuilds err as the requested kind. Fields are copied unchanged.
func Promote(err VectorError, kind Kind) error {
	switch kind {
	case KindInitialization:
		return InitializationError{err}
	case KindOperation:
		return OperationError{err}
	default:
		return err
	}
}

// AsVectorError extracts the base fields from any member of the family.
func AsVectorError(err error) (VectorError, bool) {
	switch e := err.(type) {
	case VectorError:
		return e, true
	case InitializationError:
		return e.VectorError, true
	case OperationError:
		return e.VectorError, true
	case *VectorError:
		return *e, true
	case *InitializationError:
		return e.VectorError, true
	case *OperationError:
		return e.VectorError, true
	}
	return VectorError{}, false
}

type wireError struct {
	Kind      string `json:"kind"`
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Operation string `json:"operation"`
}

func (e VectorError) wire(k Kind) wireError {
	return wireError{Kind: k.String(), Code: int(e.Code), Message: e.Message, Operation: e.Operation}
}

func (e VectorError) MarshalJSON() ([]byte, error) { return json.Marshal(e.wire(KindVector)) }

func (e InitializationError) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.wire(KindInitialization))
}

func (e OperationError) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.wire(KindOperation))
}

func unmarshalAs(data []byte, want Kind) (VectorError, error) {
	var w wireError
	if err := json.Unmarshal(data, &w); err != nil {
		return VectorError{}, err
	}
	if w.Kind != "" {
		k, err := parseKind(w.Kind)
		if err != nil {
			return VectorError{}, err
		}
		if k != want {
			return VectorError{}, fmt.Errorf("error kind %q cannot be decoded as %s", w.Kind, want)
		}
	}
	return VectorError{Code: driver.Status(w.Code), Message: w.Message, Operation: w.Operation}, nil
}

func (e *VectorError) UnmarshalJSON(data []byte) error {
	v, err := unmarshalAs(data, KindVector)
	if err != nil {
		return err
	}
	*e = v
	return nil
}

func (e *InitializationError) UnmarshalJSON(data []byte) error {
	v, err := unmarshalAs(data, KindInitialization)
	if err != nil {
		return err
	}
	e.VectorError = v
	return nil
}

func (e *OperationError) UnmarshalJSON(data []byte) error {
	v, err := unmarshalAs(data, KindOperation)
	if err != nil {
		return err
	}
	e.VectorError = v
	return nil
}

// DecodeError rebuilds an error of the kind recorded in data.
func DecodeError(data []byte) (error, error) {
	var w wireError
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	k, err := parseKind(w.Kind)
	if err != nil {
		return nil, err
	}
	base := VectorError{Code: driver.Status(w.Code), Message: w.Message, Operation: w.Operation}
	return Promote(base, k), nil
}

// LookupError reports that no channel, serial number or application mapping matched.
type LookupError struct {
	Msg string
}

func (e LookupError) Error() string { return e.Msg }

// ConfigurationError reports an invalid or out-of-range parameter. It is
// always returned before any driver call is made.
type ConfigurationError struct {
	Field string
	Msg   string
}

func (e ConfigurationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}
