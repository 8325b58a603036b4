package wire

import "fmt"

const hashLen = 32

// Validate checks the request union and every populated sub-structure.
// Codecs call it after decoding and before encoding.
func (m *Request) Validate() error {
	if err := validatePayloadList("Request", m.Payloads); err != nil {
		return err
	}
	if m.Type == nil {
		return invalid("Request", "type", "absent")
	}
	set := 0
	for _, ok := range []bool{m.FetchRequest != nil, m.StoreRequest != nil, m.MultiFetchRequest != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return invalid("Request", "", fmt.Sprintf("%d sub-requests populated, want exactly 1", set))
	}
	switch *m.Type {
	case TypeFetch:
		if m.FetchRequest == nil {
			return invalid("Request", "fetchRequest", "absent for FETCH")
		}
		return m.FetchRequest.Validate()
	case TypeStore:
		if m.StoreRequest == nil {
			return invalid("Request", "storeRequest", "absent for STORE")
		}
		return m.StoreRequest.validate(m.Payloads)
	case TypeMultiFetch:
		if m.MultiFetchRequest == nil {
			return invalid("Request", "multiFetchRequest", "absent for MULTI_FETCH")
		}
		return m.MultiFetchRequest.Validate()
	default:
		return invalid("Request", "type", fmt.Sprintf("unsupported %s", *m.Type))
	}
}

func (m *FetchRequest) Validate() error {
	return validateKey("FetchRequest", "key", m.Key)
}

func (m *StoreRequest) validate(payloads []PayloadDescriptor) error {
	if err := validateKey("StoreRequest", "key", m.Key); err != nil {
		return err
	}
	if m.Payload == nil {
		return invalid("StoreRequest", "payload", "absent")
	}
	return m.Payload.validate("StoreRequest.payload", payloads)
}

func (m *MultiFetchRequest) Validate() error {
	if len(m.Keys) == 0 {
		return invalid("MultiFetchRequest", "keys", "empty")
	}
	for i, k := range m.Keys {
		if k == "" {
			return invalid("MultiFetchRequest", "keys", fmt.Sprintf("empty key at %d", i))
		}
	}
	return nil
}

// Validate checks the response union. A whole-call ErrorMessage stands in
// for the sub-response.
func (m *Response) Validate() error {
	if err := validatePayloadList("Response", m.Payloads); err != nil {
		return err
	}
	set := 0
	for _, ok := range []bool{m.FetchResponse != nil, m.StoreResponse != nil, m.MultiFetchResponse != nil} {
		if ok {
			set++
		}
	}
	if m.ErrorMessage != nil {
		if set != 0 {
			return invalid("Response", "errorMessage", "set together with a sub-response")
		}
		return nil
	}
	if m.Type == nil {
		return invalid("Response", "type", "absent")
	}
	if set != 1 {
		return invalid("Response", "", fmt.Sprintf("%d sub-responses populated, want exactly 1", set))
	}
	switch *m.Type {
	case TypeFetch:
		if m.FetchResponse == nil {
			return invalid("Response", "fetchResponse", "absent for FETCH")
		}
		return m.FetchResponse.validate("FetchResponse", m.Payloads)
	case TypeStore:
		if m.StoreResponse == nil {
			return invalid("Response", "storeResponse", "absent for STORE")
		}
		if m.StoreResponse.Accepted == nil {
			return invalid("StoreResponse", "accepted", "absent")
		}
		return nil
	case TypeMultiFetch:
		if m.MultiFetchResponse == nil {
			return invalid("Response", "multiFetchResponse", "absent for MULTI_FETCH")
		}
		if m.MultiFetchResponse.Results == nil {
			return invalid("MultiFetchResponse", "results", "absent")
		}
		for i := range m.MultiFetchResponse.Results {
			st := fmt.Sprintf("MultiFetchResponse.results[%d]", i)
			if err := m.MultiFetchResponse.Results[i].validate(st, m.Payloads); err != nil {
				return err
			}
		}
		return nil
	default:
		return invalid("Response", "type", fmt.Sprintf("unsupported %s", *m.Type))
	}
}

func (m *FetchResponse) validate(st string, payloads []PayloadDescriptor) error {
	if m.Code == nil {
		return invalid(st, "code", "absent")
	}
	switch *m.Code {
	case CodeHit:
		// A head-only hit carries no payload descriptor.
		if m.Payload != nil {
			return m.Payload.validate(st+".payload", payloads)
		}
		return nil
	case CodeMiss:
		if m.Payload != nil {
			return invalid(st, "payload", "present on MISS")
		}
		return nil
	case CodeError:
		if m.ErrorMessage == nil {
			return invalid(st, "errorMessage", "absent on ERROR")
		}
		return nil
	default:
		return invalid(st, "code", fmt.Sprintf("unsupported %s", *m.Code))
	}
}

// validate checks a descriptor referenced from a sub-request or result.
func (d *PayloadDescriptor) validate(st string, payloads []PayloadDescriptor) error {
	if d.Size == nil || *d.Size < 0 {
		return invalid(st, "size", "absent or negative")
	}
	if d.Hash != nil && len(d.Hash) != hashLen {
		return invalid(st, "hash", fmt.Sprintf("length %d, want %d", len(d.Hash), hashLen))
	}
	if d.Inline == nil {
		return invalid(st, "inline", "absent")
	}
	if *d.Inline {
		if d.Index != nil {
			return invalid(st, "index", "set on inline payload")
		}
		if d.Data == nil || int64(len(d.Data)) != *d.Size {
			return invalid(st, "data", "absent or size mismatch")
		}
		return nil
	}
	if d.Data != nil {
		return invalid(st, "data", "set on out-of-band payload")
	}
	if d.Index == nil || *d.Index < 0 || int(*d.Index) >= len(payloads) {
		return invalid(st, "index", "absent or out of range")
	}
	if ref := payloads[*d.Index].Size; *ref != *d.Size {
		return invalid(st, "size", "differs from referenced out-of-band payload")
	}
	return nil
}

// validatePayloadList checks the envelope-level out-of-band descriptors.
func validatePayloadList(st string, ps []PayloadDescriptor) error {
	for i := range ps {
		d := &ps[i]
		if d.Size == nil || *d.Size < 0 {
			return invalid(st, "payloads", fmt.Sprintf("entry %d: size absent or negative", i))
		}
		if d.Inline != nil && *d.Inline {
			return invalid(st, "payloads", fmt.Sprintf("entry %d: marked inline", i))
		}
		if d.Data != nil {
			return invalid(st, "payloads", fmt.Sprintf("entry %d: carries inline data", i))
		}
		if d.Hash != nil && len(d.Hash) != hashLen {
			return invalid(st, "payloads", fmt.Sprintf("entry %d: bad hash length", i))
		}
	}
	return nil
}

func validateKey(st, fieldName string, k *CacheKey) error {
	if k == nil {
		return invalid(st, fieldName, "absent")
	}
	if *k == "" {
		return invalid(st, fieldName, "empty")
	}
	return nil
}
