package protocol

import "encoding/json"

// PolicySpec is a policy as supplied by a writer. Nil fields take defaults.
type PolicySpec struct {
	ReadPrice   *int64   `json:"read_price,omitempty"`
	InvokePrice *int64   `json:"invoke_price,omitempty"`
	AllowRead   []string `json:"allow_read,omitempty"`
	AllowWrite  []string `json:"allow_write,omitempty"`
	AllowInvoke []string `json:"allow_invoke,omitempty"`

	// Set when the corresponding list was present in the input, even if empty.
	HasAllowRead   bool `json:"-"`
	HasAllowWrite  bool `json:"-"`
	HasAllowInvoke bool `json:"-"`
}

func (p *PolicySpec) UnmarshalJSON(b []byte) error {
	var raw struct {
		ReadPrice   *int64    `json:"read_price"`
		InvokePrice *int64    `json:"invoke_price"`
		Price       *int64    `json:"price"`
		AllowRead   *[]string `json:"allow_read"`
		AllowWrite  *[]string `json:"allow_write"`
		AllowInvoke *[]string `json:"allow_invoke"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*p = PolicySpec{ReadPrice: raw.ReadPrice, InvokePrice: raw.InvokePrice}
	if p.InvokePrice == nil {
		p.InvokePrice = raw.Price
	}
	if raw.AllowRead != nil {
		p.AllowRead, p.HasAllowRead = *raw.AllowRead, true
	}
	if raw.AllowWrite != nil {
		p.AllowWrite, p.HasAllowWrite = *raw.AllowWrite, true
	}
	if raw.AllowInvoke != nil {
		p.AllowInvoke, p.HasAllowInvoke = *raw.AllowInvoke, true
	}
	return nil
}

func (p PolicySpec) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	if p.ReadPrice != nil {
		out["read_price"] = *p.ReadPrice
	}
	if p.InvokePrice != nil {
		out["invoke_price"] = *p.InvokePrice
	}
	if p.AllowRead != nil || p.HasAllowRead {
		out["allow_read"] = nonNil(p.AllowRead)
	}
	if p.AllowWrite != nil || p.HasAllowWrite {
		out["allow_write"] = nonNil(p.AllowWrite)
	}
	if p.AllowInvoke != nil || p.HasAllowInvoke {
		out["allow_invoke"] = nonNil(p.AllowInvoke)
	}
	return json.Marshal(out)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
