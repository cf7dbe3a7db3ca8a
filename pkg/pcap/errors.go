package pcap

import "errors"

var (
	ErrCreate = errors.New("pcap: create capture file")
	ErrWrite  = errors.New("pcap: write capture file")
	ErrClose  = errors.New("pcap: close capture file")
)
