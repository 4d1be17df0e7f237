package blobstore

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Chunk is one fixed-size slice of a blob with its BLAKE3 hash
type Chunk struct {
	Data       []byte
	OrderIndex int
	Hash       string
	Size       int64
}

// Chunker splits blobs into chunks and puts them back together
type Chunker struct {
	chunkSize int64
}

// NewChunker creates a new chunker with the specified chunk size
func NewChunker(chunkSize int64) *Chunker {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Chunker{
		chunkSize: chunkSize,
	}
}

// Split cuts data into chunks of chunkSize bytes; the last one may be
// shorter. Empty data yields a single empty chunk so every blob has at least
// one object.
func (c *Chunker) Split(data []byte) []*Chunk {
	if len(data) == 0 {
		return []*Chunk{{Data: []byte{}, OrderIndex: 0, Hash: ComputeHash(nil), Size: 0}}
	}

	var chunks []*Chunk
	for offset, orderIndex := int64(0), 0; offset < int64(len(data)); orderIndex++ {
		end := offset + c.chunkSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}

		chunkData := data[offset:end]
		chunks = append(chunks, &Chunk{
			Data:       chunkData,
			OrderIndex: orderIndex,
			Hash:       ComputeHash(chunkData),
			Size:       int64(len(chunkData)),
		})
		offset = end
	}

	return chunks
}

// ComputeHash computes the BLAKE3-256 hash of data as lowercase hex
func ComputeHash(data []byte) string {
	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// ReassembleChunks combines chunks in order
func ReassembleChunks(chunks [][]byte) []byte {
	totalSize := 0
	for _, chunk := range chunks {
		totalSize += len(chunk)
	}

	result := make([]byte, 0, totalSize)
	for _, chunk := range chunks {
		result = append(result, chunk...)
	}

	return result
}

// VerifyChunkHash verifies that chunk data matches the expected hash
func VerifyChunkHash(data []byte, expectedHash string) bool {
	return ComputeHash(data) == expectedHash
}
