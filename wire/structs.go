package wire

import "sort"

// Field layouts. Ids are the tagged-form identifiers; slice order is the
// compact-form order and must never be rearranged, only appended to.
var (
	payloadLayout = []field{{1, tI64}, {2, tBinary}, {3, tBool}, {4, tI32}, {5, tBinary}}
	metadataLayout = []field{
		{1, tList}, {2, tBinary}, {3, tBinary}, {4, tBinary}, {5, tI64}, {6, tMap},
	}
	fetchReqLayout      = []field{{1, tBinary}, {2, tBool}}
	storeReqLayout      = []field{{1, tBinary}, {2, tStruct}, {3, tStruct}}
	multiFetchReqLayout = []field{{1, tList}}
	requestLayout       = []field{
		{1, tI32}, {100, tList}, {101, tStruct}, {102, tStruct}, {103, tStruct},
	}
	fetchRespLayout      = []field{{1, tI32}, {2, tStruct}, {3, tStruct}, {4, tBinary}}
	storeRespLayout      = []field{{1, tBool}, {2, tBinary}}
	multiFetchRespLayout = []field{{1, tList}}
	responseLayout       = []field{
		{1, tI32}, {2, tBinary}, {100, tList}, {101, tStruct}, {102, tStruct}, {103, tStruct},
	}
	cellStateLayout = []field{{1, tBinary}, {2, tList}}
	snapshotLayout  = []field{{1, tMap}, {2, tMap}, {3, tList}}
)

func writeStrings(w protoWriter, ss []string) {
	w.listOf(tBinary, len(ss))
	for _, s := range ss {
		w.str(s)
	}
}

func readStrings(r protoReader) ([]string, error) {
	n, err := r.listOf(tBinary)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for range n {
		s, err := r.str()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func readKey(r protoReader) (*CacheKey, error) {
	s, err := r.str()
	if err != nil {
		return nil, err
	}
	k := CacheKey(s)
	return &k, nil
}

func readBool(r protoReader) (*bool, error) {
	v, err := r.boolean()
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func readString(r protoReader) (*string, error) {
	v, err := r.str()
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (m *PayloadDescriptor) write(w protoWriter) error {
	present := []bool{m.Size != nil, m.Hash != nil, m.Inline != nil, m.Index != nil, m.Data != nil}
	return w.structOf(payloadLayout, present, func(i int) error {
		switch i {
		case 0:
			w.i64(*m.Size)
		case 1:
			w.binary(m.Hash)
		case 2:
			w.boolean(*m.Inline)
		case 3:
			w.i32(*m.Index)
		case 4:
			w.binary(m.Data)
		}
		return nil
	})
}

func (m *PayloadDescriptor) read(r protoReader) error {
	return r.structOf(payloadLayout, func(i int) error {
		var err error
		switch i {
		case 0:
			var v int64
			if v, err = r.i64(); err == nil {
				m.Size = &v
			}
		case 1:
			m.Hash, err = r.binary()
		case 2:
			m.Inline, err = readBool(r)
		case 3:
			var v int32
			if v, err = r.i32(); err == nil {
				m.Index = &v
			}
		case 4:
			m.Data, err = r.binary()
		}
		return err
	})
}

func (m *ArtifactMetadata) write(w protoWriter) error {
	present := []bool{
		m.RuleKeys != nil, m.BuildTarget != nil, m.Repository != nil,
		m.ProducerID != nil, m.BuildTimeMs != nil, m.Entries != nil,
	}
	return w.structOf(metadataLayout, present, func(i int) error {
		switch i {
		case 0:
			writeStrings(w, m.RuleKeys)
		case 1:
			w.str(*m.BuildTarget)
		case 2:
			w.str(*m.Repository)
		case 3:
			w.str(*m.ProducerID)
		case 4:
			w.i64(*m.BuildTimeMs)
		case 5:
			w.mapOf(tBinary, tBinary, len(m.Entries))
			for _, k := range sortedKeys(m.Entries) {
				w.str(k)
				w.str(m.Entries[k])
			}
		}
		return nil
	})
}

func (m *ArtifactMetadata) read(r protoReader) error {
	return r.structOf(metadataLayout, func(i int) error {
		var err error
		switch i {
		case 0:
			m.RuleKeys, err = readStrings(r)
		case 1:
			m.BuildTarget, err = readString(r)
		case 2:
			m.Repository, err = readString(r)
		case 3:
			m.ProducerID, err = readString(r)
		case 4:
			var v int64
			if v, err = r.i64(); err == nil {
				m.BuildTimeMs = &v
			}
		case 5:
			var n int
			if n, err = r.mapOf(tBinary, tBinary); err != nil {
				return err
			}
			m.Entries = make(map[string]string, n)
			for range n {
				k, err := r.str()
				if err != nil {
					return err
				}
				v, err := r.str()
				if err != nil {
					return err
				}
				m.Entries[k] = v
			}
		}
		return err
	})
}

func (m *FetchRequest) write(w protoWriter) error {
	return w.structOf(fetchReqLayout, []bool{m.Key != nil, m.HeadOnly != nil}, func(i int) error {
		switch i {
		case 0:
			w.str(string(*m.Key))
		case 1:
			w.boolean(*m.HeadOnly)
		}
		return nil
	})
}

func (m *FetchRequest) read(r protoReader) error {
	return r.structOf(fetchReqLayout, func(i int) error {
		var err error
		switch i {
		case 0:
			m.Key, err = readKey(r)
		case 1:
			m.HeadOnly, err = readBool(r)
		}
		return err
	})
}

func (m *StoreRequest) write(w protoWriter) error {
	present := []bool{m.Key != nil, m.Metadata != nil, m.Payload != nil}
	return w.structOf(storeReqLayout, present, func(i int) error {
		switch i {
		case 0:
			w.str(string(*m.Key))
		case 1:
			return m.Metadata.write(w)
		case 2:
			return m.Payload.write(w)
		}
		return nil
	})
}

func (m *StoreRequest) read(r protoReader) error {
	return r.structOf(storeReqLayout, func(i int) error {
		switch i {
		case 0:
			k, err := readKey(r)
			m.Key = k
			return err
		case 1:
			m.Metadata = &ArtifactMetadata{}
			return m.Metadata.read(r)
		case 2:
			m.Payload = &PayloadDescriptor{}
			return m.Payload.read(r)
		}
		return nil
	})
}

func (m *MultiFetchRequest) write(w protoWriter) error {
	return w.structOf(multiFetchReqLayout, []bool{m.Keys != nil}, func(int) error {
		w.listOf(tBinary, len(m.Keys))
		for _, k := range m.Keys {
			w.str(string(k))
		}
		return nil
	})
}

func (m *MultiFetchRequest) read(r protoReader) error {
	return r.structOf(multiFetchReqLayout, func(int) error {
		n, err := r.listOf(tBinary)
		if err != nil {
			return err
		}
		m.Keys = make([]CacheKey, 0, n)
		for range n {
			s, err := r.str()
			if err != nil {
				return err
			}
			m.Keys = append(m.Keys, CacheKey(s))
		}
		return nil
	})
}

func writePayloads(w protoWriter, ps []PayloadDescriptor) error {
	w.listOf(tStruct, len(ps))
	for i := range ps {
		if err := ps[i].write(w); err != nil {
			return err
		}
	}
	return nil
}

func readPayloads(r protoReader) ([]PayloadDescriptor, error) {
	n, err := r.listOf(tStruct)
	if err != nil {
		return nil, err
	}
	out := make([]PayloadDescriptor, n)
	for i := range out {
		if err := out[i].read(r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (m *Request) write(w protoWriter) error {
	present := []bool{
		m.Type != nil, m.Payloads != nil, m.FetchRequest != nil,
		m.StoreRequest != nil, m.MultiFetchRequest != nil,
	}
	return w.structOf(requestLayout, present, func(i int) error {
		switch i {
		case 0:
			w.i32(int32(*m.Type))
		case 1:
			return writePayloads(w, m.Payloads)
		case 2:
			return m.FetchRequest.write(w)
		case 3:
			return m.StoreRequest.write(w)
		case 4:
			return m.MultiFetchRequest.write(w)
		}
		return nil
	})
}

func (m *Request) read(r protoReader) error {
	return r.structOf(requestLayout, func(i int) error {
		var err error
		switch i {
		case 0:
			var v int32
			if v, err = r.i32(); err == nil {
				m.Type = Ptr(RequestType(v))
			}
		case 1:
			m.Payloads, err = readPayloads(r)
		case 2:
			m.FetchRequest = &FetchRequest{}
			err = m.FetchRequest.read(r)
		case 3:
			m.StoreRequest = &StoreRequest{}
			err = m.StoreRequest.read(r)
		case 4:
			m.MultiFetchRequest = &MultiFetchRequest{}
			err = m.MultiFetchRequest.read(r)
		}
		return err
	})
}

func (m *FetchResponse) write(w protoWriter) error {
	present := []bool{m.Code != nil, m.Metadata != nil, m.Payload != nil, m.ErrorMessage != nil}
	return w.structOf(fetchRespLayout, present, func(i int) error {
		switch i {
		case 0:
			w.i32(int32(*m.Code))
		case 1:
			return m.Metadata.write(w)
		case 2:
			return m.Payload.write(w)
		case 3:
			w.str(*m.ErrorMessage)
		}
		return nil
	})
}

func (m *FetchResponse) read(r protoReader) error {
	return r.structOf(fetchRespLayout, func(i int) error {
		var err error
		switch i {
		case 0:
			var v int32
			if v, err = r.i32(); err == nil {
				m.Code = Ptr(ResultCode(v))
			}
		case 1:
			m.Metadata = &ArtifactMetadata{}
			err = m.Metadata.read(r)
		case 2:
			m.Payload = &PayloadDescriptor{}
			err = m.Payload.read(r)
		case 3:
			m.ErrorMessage, err = readString(r)
		}
		return err
	})
}

func (m *StoreResponse) write(w protoWriter) error {
	return w.structOf(storeRespLayout, []bool{m.Accepted != nil, m.ErrorMessage != nil}, func(i int) error {
		switch i {
		case 0:
			w.boolean(*m.Accepted)
		case 1:
			w.str(*m.ErrorMessage)
		}
		return nil
	})
}

func (m *StoreResponse) read(r protoReader) error {
	return r.structOf(storeRespLayout, func(i int) error {
		var err error
		switch i {
		case 0:
			m.Accepted, err = readBool(r)
		case 1:
			m.ErrorMessage, err = readString(r)
		}
		return err
	})
}

func (m *MultiFetchResponse) write(w protoWriter) error {
	return w.structOf(multiFetchRespLayout, []bool{m.Results != nil}, func(int) error {
		w.listOf(tStruct, len(m.Results))
		for i := range m.Results {
			if err := m.Results[i].write(w); err != nil {
				return err
			}
		}
		return nil
	})
}

func (m *MultiFetchResponse) read(r protoReader) error {
	return r.structOf(multiFetchRespLayout, func(int) error {
		n, err := r.listOf(tStruct)
		if err != nil {
			return err
		}
		m.Results = make([]FetchResponse, n)
		for i := range m.Results {
			if err := m.Results[i].read(r); err != nil {
				return err
			}
		}
		return nil
	})
}

func (m *Response) write(w protoWriter) error {
	present := []bool{
		m.Type != nil, m.ErrorMessage != nil, m.Payloads != nil,
		m.FetchResponse != nil, m.StoreResponse != nil, m.MultiFetchResponse != nil,
	}
	return w.structOf(responseLayout, present, func(i int) error {
		switch i {
		case 0:
			w.i32(int32(*m.Type))
		case 1:
			w.str(*m.ErrorMessage)
		case 2:
			return writePayloads(w, m.Payloads)
		case 3:
			return m.FetchResponse.write(w)
		case 4:
			return m.StoreResponse.write(w)
		case 5:
			return m.MultiFetchResponse.write(w)
		}
		return nil
	})
}

func (m *Response) read(r protoReader) error {
	return r.structOf(responseLayout, func(i int) error {
		var err error
		switch i {
		case 0:
			var v int32
			if v, err = r.i32(); err == nil {
				m.Type = Ptr(RequestType(v))
			}
		case 1:
			m.ErrorMessage, err = readString(r)
		case 2:
			m.Payloads, err = readPayloads(r)
		case 3:
			m.FetchResponse = &FetchResponse{}
			err = m.FetchResponse.read(r)
		case 4:
			m.StoreResponse = &StoreResponse{}
			err = m.StoreResponse.read(r)
		case 5:
			m.MultiFetchResponse = &MultiFetchResponse{}
			err = m.MultiFetchResponse.read(r)
		}
		return err
	})
}

func (m *CellState) write(w protoWriter) error {
	return w.structOf(cellStateLayout, []bool{m.SerializedState != nil, m.BuildFiles != nil}, func(i int) error {
		switch i {
		case 0:
			w.binary(m.SerializedState)
		case 1:
			writeStrings(w, m.BuildFiles)
		}
		return nil
	})
}

func (m *CellState) read(r protoReader) error {
	return r.structOf(cellStateLayout, func(i int) error {
		var err error
		switch i {
		case 0:
			m.SerializedState, err = r.binary()
		case 1:
			m.BuildFiles, err = readStrings(r)
		}
		return err
	})
}

func (m *ParserStateSnapshot) write(w protoWriter) error {
	present := []bool{m.CachedIncludes != nil, m.CellPathToDaemonicState != nil, m.CellPaths != nil}
	return w.structOf(snapshotLayout, present, func(i int) error {
		switch i {
		case 0:
			w.mapOf(tBinary, tList, len(m.CachedIncludes))
			for _, k := range sortedKeys(m.CachedIncludes) {
				w.str(k)
				writeStrings(w, m.CachedIncludes[k])
			}
		case 1:
			w.mapOf(tBinary, tStruct, len(m.CellPathToDaemonicState))
			for _, k := range sortedKeys(m.CellPathToDaemonicState) {
				w.str(k)
				st := m.CellPathToDaemonicState[k]
				if err := st.write(w); err != nil {
					return err
				}
			}
		case 2:
			writeStrings(w, m.CellPaths)
		}
		return nil
	})
}

func (m *ParserStateSnapshot) read(r protoReader) error {
	return r.structOf(snapshotLayout, func(i int) error {
		switch i {
		case 0:
			n, err := r.mapOf(tBinary, tList)
			if err != nil {
				return err
			}
			m.CachedIncludes = make(map[string][]string, n)
			for range n {
				k, err := r.str()
				if err != nil {
					return err
				}
				deps, err := readStrings(r)
				if err != nil {
					return err
				}
				m.CachedIncludes[k] = deps
			}
		case 1:
			n, err := r.mapOf(tBinary, tStruct)
			if err != nil {
				return err
			}
			m.CellPathToDaemonicState = make(map[string]CellState, n)
			for range n {
				k, err := r.str()
				if err != nil {
					return err
				}
				var st CellState
				if err := st.read(r); err != nil {
					return err
				}
				m.CellPathToDaemonicState[k] = st
			}
		case 2:
			var err error
			m.CellPaths, err = readStrings(r)
			return err
		}
		return nil
	})
}
