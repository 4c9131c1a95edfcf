package jsonrpc

import "testing"

func TestValidate_Accepts(t *testing.T) {
	body := []byte(`{"jsonrpc":"2.0","method":"eth_blockNumber","params":[],"id":1}`)
	req, err := Validate(body)
	if err != nil {
		t.Fatalf("expected valid request, got error: %v", err)
	}
	if req.Method != "eth_blockNumber" {
		t.Errorf("expected method eth_blockNumber, got %s", req.Method)
	}
}

func TestValidate_MissingID(t *testing.T) {
	body := []byte(`{"jsonrpc":"2.0","method":"eth_blockNumber"}`)
	if _, err := Validate(body); err == nil {
		t.Error("expected error for missing id")
	}
}

func TestValidate_WrongVersion(t *testing.T) {
	body := []byte(`{"jsonrpc":"1.0","method":"x","id":1}`)
	if _, err := Validate(body); err == nil {
		t.Error("expected error for jsonrpc != 2.0")
	}
}

func TestValidate_ParamsNotArray(t *testing.T) {
	body := []byte(`{"jsonrpc":"2.0","method":"x","id":1,"params":{"a":1}}`)
	if _, err := Validate(body); err == nil {
		t.Error("expected error for non-array params")
	}
}

func TestValidate_NonStringMethod(t *testing.T) {
	body := []byte(`{"jsonrpc":"2.0","method":5,"id":1}`)
	if _, err := Validate(body); err == nil {
		t.Error("expected error for non-string method")
	}
}

func TestValidate_IDAnyType(t *testing.T) {
	for _, body := range [][]byte{
		[]byte(`{"jsonrpc":"2.0","method":"x","id":"abc"}`),
		[]byte(`{"jsonrpc":"2.0","method":"x","id":null}`),
		[]byte(`{"jsonrpc":"2.0","method":"x","id":1.5}`),
	} {
		if _, err := Validate(body); err != nil {
			t.Errorf("expected id of any type to be accepted, got error: %v for %s", err, body)
		}
	}
}

func TestValidate_NotAnObject(t *testing.T) {
	if _, err := Validate([]byte(`[1,2,3]`)); err == nil {
		t.Error("expected error for non-object body")
	}
}
