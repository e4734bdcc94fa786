package protocol

// DefaultChunkSize is the payload size of one DATA packet.
const DefaultChunkSize = 1500

// Fragment splits payload into chunkSize pieces. An empty payload still yields
// one (empty) chunk so that every message is at least one packet.
func Fragment(payload []byte, chunkSize int) [][]byte {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if len(payload) == 0 {
		return [][]byte{{}}
	}
	n := (len(payload) + chunkSize - 1) / chunkSize
	out := make([][]byte, 0, n)
	for off := 0; off < len(payload); off += chunkSize {
		end := min(off+chunkSize, len(payload))
		out = append(out, payload[off:end])
	}
	return out
}

// DataFrames fragments payload into the DATA frames of one message.
func DataFrames(env Envelope, payload []byte, chunkSize int) []*Data {
	chunks := Fragment(payload, chunkSize)
	frames := make([]*Data, len(chunks))
	for i, c := range chunks {
		frames[i] = &Data{Envelope: env, Index: i, Count: len(chunks), Chunk: c}
	}
	return frames
}
