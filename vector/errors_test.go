package vector

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/LoveWonYoung/vxlcan/driver"
)

func TestVectorError_String(t *testing.T) {
	err := NewVectorError(driver.XL_ERR_INVALID_PORT, "XL_ERROR", "function_name")
	want := "function_name failed: XL_ERROR (118)"
	if err.Error() != want {
		t.Errorf("Expected %q, got %q", want, err.Error())
	}
}

func TestVectorError_RoundTrip(t *testing.T) {
	base := NewVectorError(driver.XL_ERR_INVALID_PORT, "XL_ERROR", "function_name")
	cases := []struct {
		name string
		err  error
		kind Kind
	}{
		{"vector", base, KindVector},
		{"initialization", InitializationError{base}, KindInitialization},
		{"operation", OperationError{base}, KindOperation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := json.Marshal(tc.err)
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}
			decoded, err := DecodeError(data)
			if err != nil {
				t.Fatalf("DecodeError failed: %v", err)
			}
			if decoded.Error() != tc.err.Error() {
				t.Errorf("String changed: %q -> %q", tc.err.Error(), decoded.Error())
			}
			ve, ok := AsVectorError(decoded)
			if !ok {
				t.Fatalf("Decoded %T is not a vector error", decoded)
			}
			if ve.Code != base.Code {
				t.Errorf("Expected code %d, got %d", base.Code, ve.Code)
			}
			if k := decoded.(interface{ Kind() Kind }).Kind(); k != tc.kind {
				t.Errorf("Expected kind %s, got %s", tc.kind, k)
			}
		})
	}
}

func TestVectorError_UnmarshalLeaf(t *testing.T) {
	data, _ := json.Marshal(OperationError{NewVectorError(driver.XL_ERR_QUEUE_IS_FULL, "XL_ERR_QUEUE_IS_FULL", "xlCanTransmit")})

	var op OperationError
	if err := json.Unmarshal(data, &op); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if op.Code != driver.XL_ERR_QUEUE_IS_FULL || op.Operation != "xlCanTransmit" {
		t.Errorf("Unexpected fields: %+v", op)
	}

	var initErr InitializationError
	if err := json.Unmarshal(data, &initErr); err == nil {
		t.Error("Expected kind mismatch error when decoding operation error as initialization error")
	}
}

func TestPromote(t *testing.T) {
	generic := NewVectorError(driver.XL_ERR_HW_NOT_PRESENT, "XL_ERR_HW_NOT_PRESENT", "xlActivateChannel")
	for _, kind := range []Kind{KindInitialization, KindOperation} {
		specific := Promote(generic, kind)
		if specific.Error() != generic.Error() {
			t.Errorf("%s: expected %q, got %q", kind, generic.Error(), specific.Error())
		}
		ve, ok := AsVectorError(specific)
		if !ok || ve != generic {
			t.Errorf("%s: fields changed: %+v", kind, ve)
		}
		var base VectorError
		if !errors.As(specific, &base) {
			t.Errorf("%s: errors.As should reach the embedded VectorError", kind)
		}
	}
	if _, ok := Promote(generic, KindInitialization).(InitializationError); !ok {
		t.Error("Expected InitializationError")
	}
	if _, ok := Promote(generic, KindOperation).(OperationError); !ok {
		t.Error("Expected OperationError")
	}
}

func TestDecodeError_UnknownKind(t *testing.T) {
	if _, err := DecodeError([]byte(`{"kind":"bogus","code":1}`)); err == nil {
		t.Error("Expected error for unknown kind")
	}
}

func TestConfigurationError_String(t *testing.T) {
	err := ConfigurationError{Field: "timing.sjw", Msg: "5 out of range 1..4"}
	if err.Error() != "invalid timing.sjw: 5 out of range 1..4" {
		t.Errorf("Unexpected string %q", err.Error())
	}
}
