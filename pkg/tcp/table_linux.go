package tcp

// conn is one tracked TCP connection. Spliced and tapped records share
// the same table; the concrete type is the discriminator.
//
// A record's identity is its table index, never a stable reference:
// destroying any record compacts the table and may relocate the last
// record into the freed slot. Whoever holds readiness registrations for
// a record must refresh them from tableMoved.
type conn interface {
	setIndex(idx int32)
	index() int32

	// tableMoved re-applies any external registration that carries
	// the record's index. Called after compaction relocated it.
	tableMoved(s *Stack)

	// timer runs periodic per-connection maintenance.
	timer(s *Stack)

	// destroy releases the record's resources and frees its slot.
	destroy(s *Stack)
}

// tableClaim appends a record and assigns its index.
func (s *Stack) tableClaim(c conn) int32 {
	idx := int32(len(s.table))
	s.table = append(s.table, c)
	c.setIndex(idx)
	return idx
}

// tableCompact frees slot idx by moving the last record into it. The
// moved record is told to refresh its readiness registrations since
// those carry the old index.
func (s *Stack) tableCompact(idx int32) {
	last := int32(len(s.table) - 1)
	if idx != last {
		moved := s.table[last]
		s.table[idx] = moved
		moved.setIndex(idx)
		moved.tableMoved(s)
		s.log.Debug("connection table compacted",
			"from", last, "to", idx)
	}
	s.table[last] = nil
	s.table = s.table[:last]
}
