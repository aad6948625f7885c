package protocol

import (
	"encoding/json"
	"testing"
)

func TestDecodeIntent_Kinds(t *testing.T) {
	cases := []struct {
		in   string
		kind string
	}{
		{`{"action_type":"noop","principal_id":"a1"}`, ActionNoop},
		{`{"action_type":"read_artifact","principal_id":"a1","artifact_id":"x"}`, ActionReadArtifact},
		{`{"action_type":"write_artifact","principal_id":"a1","artifact_id":"x","content":"hi"}`, ActionWriteArtifact},
		{`{"action_type":"invoke_artifact","principal_id":"a1","artifact_id":"genesis_ledger","method":"balance","args":["a1"]}`, ActionInvokeArtifact},
		{`{"action_type":"transfer_scrip","principal_id":"a1","from":"a1","to":"a2","amount":5}`, ActionTransferScrip},
	}
	for _, tc := range cases {
		in, err := DecodeIntent([]byte(tc.in))
		if err != nil {
			t.Fatalf("decode %s: %v", tc.in, err)
		}
		if got := ActionType(in.Action); got != tc.kind {
			t.Fatalf("kind=%q want %q", got, tc.kind)
		}
		if in.PrincipalID != "a1" {
			t.Fatalf("principal=%q", in.PrincipalID)
		}
	}
}

func TestDecodeIntent_UnknownType(t *testing.T) {
	_, err := DecodeIntent([]byte(`{"action_type":"delete_artifact","artifact_id":"x"}`))
	if CodeOf(err) != ErrBadRequest {
		t.Fatalf("expected %s, got %v", ErrBadRequest, err)
	}
}

func TestEncodeIntent_RoundTrip(t *testing.T) {
	price := int64(3)
	in := Intent{
		PrincipalID: "a1",
		Action: WriteArtifact{
			ArtifactID: "tool",
			Content:    "print(1)",
			Executable: true,
			Code:       "AGFzbQ==",
			Policy:     &PolicySpec{InvokePrice: &price, AllowWrite: []string{}},
		},
	}
	b, err := EncodeIntent(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeIntent(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	w, ok := out.Action.(WriteArtifact)
	if !ok {
		t.Fatalf("expected WriteArtifact, got %T", out.Action)
	}
	if w.ArtifactID != "tool" || !w.Executable || w.Code != "AGFzbQ==" {
		t.Fatalf("unexpected fields: %+v", w)
	}
	if w.Policy == nil || w.Policy.InvokePrice == nil || *w.Policy.InvokePrice != 3 {
		t.Fatalf("policy lost: %+v", w.Policy)
	}
	if !w.Policy.HasAllowWrite || len(w.Policy.AllowWrite) != 0 {
		t.Fatalf("explicit empty allow_write lost: %+v", w.Policy)
	}
	if w.Policy.HasAllowRead {
		t.Fatalf("allow_read should stay unspecified")
	}
}

func TestPolicySpec_LegacyPrice(t *testing.T) {
	var p PolicySpec
	if err := json.Unmarshal([]byte(`{"price":7}`), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.InvokePrice == nil || *p.InvokePrice != 7 {
		t.Fatalf("legacy price not mapped: %+v", p)
	}
	if err := json.Unmarshal([]byte(`{"price":7,"invoke_price":2}`), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if *p.InvokePrice != 2 {
		t.Fatalf("invoke_price should win over price, got %d", *p.InvokePrice)
	}
}

func TestFailErr(t *testing.T) {
	r := FailErr(NewError(ErrQuota, "disk quota exceeded"))
	if r.Success || r.Code != ErrQuota || r.Message != "disk quota exceeded" {
		t.Fatalf("unexpected result: %+v", r)
	}
	if CodeOf(r.Err()) != ErrQuota {
		t.Fatalf("Err() lost code")
	}
	if OK("done", nil).Err() != nil {
		t.Fatalf("success result should have nil Err")
	}
}
