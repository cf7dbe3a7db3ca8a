package tcp

// FlowStats is a point-in-time view of one tracked connection.
type FlowStats struct {
	FlowID   string `json:"flow_id" cbor:"flow_id"`
	Kind     string `json:"kind" cbor:"kind"`
	V6       bool   `json:"v6" cbor:"v6"`
	BytesIn  uint64 `json:"bytes_in" cbor:"bytes_in"`
	BytesOut uint64 `json:"bytes_out" cbor:"bytes_out"`
}

// Stats is a point-in-time view of the stack, refreshed by the loop on
// every maintenance sweep.
type Stats struct {
	PipeSize int         `json:"pipe_size" cbor:"pipe_size"`
	Spliced  int         `json:"spliced" cbor:"spliced"`
	Tapped   int         `json:"tapped" cbor:"tapped"`
	Flows    []FlowStats `json:"flows" cbor:"flows"`
}

// updateStats publishes a fresh snapshot. Loop thread only.
func (s *Stack) updateStats() {
	st := &Stats{
		PipeSize: s.pipeSize,
		Flows:    make([]FlowStats, 0, len(s.table)),
	}

	for _, c := range s.table {
		switch v := c.(type) {
		case *spliceConn:
			st.Spliced++
			st.Flows = append(st.Flows, FlowStats{
				FlowID:   v.flowID,
				Kind:     "spliced",
				V6:       v.v6(),
				BytesIn:  v.written[0],
				BytesOut: v.written[1],
			})
		case *tappedConn:
			st.Tapped++
			st.Flows = append(st.Flows, FlowStats{
				FlowID:   v.flowID,
				Kind:     "tapped",
				V6:       v.v6,
				BytesIn:  v.bytesIn.Load(),
				BytesOut: v.bytesOut.Load(),
			})
		}
	}

	s.stats.Store(st)
}

// Stats returns the latest published snapshot. Safe from any
// goroutine.
func (s *Stack) Stats() Stats {
	if st := s.stats.Load(); st != nil {
		return *st
	}
	return Stats{}
}
