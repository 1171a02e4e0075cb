package message

import (
	"testing"
)

func TestMarshalUnmarshal(t *testing.T) {
	original := &Message{
		ID:     "42",
		Kind:   KindCall,
		Method: MethodSendIOCall,
		Data:   []byte(`{"transactionId":"t1","ioCall":"{}"}`),
	}

	data, err := original.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	decoded, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if decoded.ID != original.ID {
		t.Errorf("ID mismatch: got %s, want %s", decoded.ID, original.ID)
	}
	if decoded.Kind != original.Kind {
		t.Errorf("Kind mismatch: got %s, want %s", decoded.Kind, original.Kind)
	}
	if decoded.Method != original.Method {
		t.Errorf("Method mismatch: got %s, want %s", decoded.Method, original.Method)
	}
	if string(decoded.Data) != string(original.Data) {
		t.Errorf("Data mismatch: got %s, want %s", decoded.Data, original.Data)
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	if _, err := Unmarshal([]byte("not json")); err == nil {
		t.Fatal("expected error for non-JSON input")
	}
}

func TestValid(t *testing.T) {
	cases := []struct {
		name string
		msg  Message
		want bool
	}{
		{"call", Message{ID: "1", Kind: KindCall, Method: MethodStartTransaction}, true},
		{"call without method", Message{ID: "1", Kind: KindCall}, false},
		{"call without id", Message{Kind: KindCall, Method: MethodStartTransaction}, false},
		{"response", Message{ID: "1", Kind: KindResponse}, true},
		{"response without id", Message{Kind: KindResponse}, false},
		{"notify", Message{ID: "1", Kind: KindNotify, Method: MethodResume}, true},
		{"unknown kind", Message{ID: "1", Kind: "PING"}, false},
	}

	for _, tc := range cases {
		if got := tc.msg.Valid(); got != tc.want {
			t.Errorf("%s: Valid() = %v, want %v", tc.name, got, tc.want)
		}
	}
}
