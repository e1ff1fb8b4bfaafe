package message

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestRequestWireFormat(t *testing.T) {
	req, err := NewRequest("Add", []any{1, "two"}, map[string]any{"arg": []string{"string"}})
	if err != nil {
		t.Fatal(err)
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	want := `["Add",[1,"two"],{"arg":["string"]}]`
	if string(data) != want {
		t.Fatalf("expect %s, got %s", want, data)
	}

	var req2 Request
	if err := json.Unmarshal(data, &req2); err != nil {
		t.Fatalf("Failed to unmarshal with error: %v", err)
	}
	if req2.Method != "Add" || len(req2.Args) != 2 || string(req2.Kwargs["arg"]) != `["string"]` {
		t.Fatalf("unexpected request: %+v", req2)
	}
}

func TestRequestEmptyArgs(t *testing.T) {
	data, err := json.Marshal(&Request{Method: "Ping"})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `["Ping",[],{}]` {
		t.Fatalf("unexpected encoding: %s", data)
	}

	var req Request
	if err := json.Unmarshal([]byte(`["Ping", null, null]`), &req); err != nil {
		t.Fatalf("null args should be accepted: %v", err)
	}
	if len(req.Args) != 0 || len(req.Kwargs) != 0 {
		t.Fatalf("expect empty args, got %+v", req)
	}
}

func TestRequestMalformed(t *testing.T) {
	cases := []string{
		`{"method":"x"}`,
		`["x",[]]`,
		`["x",[],{},1]`,
		`[1,[],{}]`,
		`["x",{},{}]`,
		`["x",[],[]]`,
		`not json`,
	}
	for _, c := range cases {
		var req Request
		err := req.UnmarshalJSON([]byte(c))
		if !errors.Is(err, ErrMalformedRequest) {
			t.Errorf("%s: expect ErrMalformedRequest, got %v", c, err)
		}
	}

	// json.Unmarshal rejects invalid JSON before UnmarshalJSON runs
	var req Request
	var syntaxErr *json.SyntaxError
	if err := json.Unmarshal([]byte(`not json`), &req); !errors.As(err, &syntaxErr) {
		t.Fatalf("expect *json.SyntaxError, got %v", err)
	}
}

func TestResponseWireFormat(t *testing.T) {
	ok := &Response{Success: true, Payload: json.RawMessage(`["string"]`)}
	data, err := json.Marshal(ok)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `[true,["string"]]` {
		t.Fatalf("unexpected encoding: %s", data)
	}

	fail := Failure(StatusMethodNotFound, "'%s' object has no attribute '%s'", "Widget", "Nope")
	data, err = json.Marshal(fail)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `[false,"'Widget' object has no attribute 'Nope'"]` {
		t.Fatalf("unexpected encoding: %s", data)
	}

	var decoded Response
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Success || decoded.Error != "'Widget' object has no attribute 'Nope'" {
		t.Fatalf("unexpected response: %+v", decoded)
	}
}

func TestResponseNilPayload(t *testing.T) {
	data, err := json.Marshal(&Response{Success: true})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `[true,null]` {
		t.Fatalf("unexpected encoding: %s", data)
	}
}

func TestResponseMalformed(t *testing.T) {
	for _, c := range []string{`[true]`, `["yes", 1]`, `{}`} {
		var resp Response
		if err := json.Unmarshal([]byte(c), &resp); !errors.Is(err, ErrMalformedResponse) {
			t.Errorf("%s: expect ErrMalformedResponse, got %v", c, err)
		}
	}
}
