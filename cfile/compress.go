package cfile

import "github.com/klauspost/compress/s2"

// s2Encode/s2Decode wrap the block-level compressor (spec.md §4.2's
// "compressed_payload"), the same klauspost/compress/s2 codec the
// bitshuffle sub-block encoder uses internally.
func s2Encode(payload []byte) []byte { return s2.Encode(nil, payload) }

func s2Decode(payload []byte, uncompressedLen int) ([]byte, error) {
	out := make([]byte, 0, uncompressedLen)
	return s2.Decode(out, payload)
}
