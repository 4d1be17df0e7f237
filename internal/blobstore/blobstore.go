// Package blobstore keeps encrypted blobs in an object store.
//
// A blob is addressed by the BLAKE3 hash of its bytes. It is written as
// fixed-size chunk objects followed by a manifest object that lists the chunk
// hashes; the manifest is the commit point, so a blob without one does not
// exist. Reads fetch chunks in parallel and verify every hash.
package blobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("dropvault-blobstore")

// DefaultChunkSize is 1 MiB.
const DefaultChunkSize = 1 << 20

var (
	// ErrNotFound is returned when no blob exists under a ref.
	ErrNotFound = errors.New("blob not found")
	// ErrIntegrity is returned when stored bytes do not match their hash.
	ErrIntegrity = errors.New("blob integrity check failed")
	// ErrObjectNotFound is returned by ObjectStore implementations for a
	// missing key.
	ErrObjectNotFound = errors.New("object not found")
)

var refPattern = regexp.MustCompile(`^[a-f0-9]{64}$`)

// ObjectStore is a flat key/value object backend (MinIO, S3, memory).
type ObjectStore interface {
	PutObject(ctx context.Context, key string, data []byte) error
	GetObject(ctx context.Context, key string) ([]byte, error)
	RemoveObject(ctx context.Context, key string) error
}

type manifest struct {
	Size   int64           `json:"size"`
	Chunks []manifestChunk `json:"chunks"`
}

type manifestChunk struct {
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// Store is the content-addressed blob store.
type Store struct {
	objects ObjectStore
	chunker *Chunker
}

// New returns a Store writing chunks of chunkSize bytes to objects.
func New(objects ObjectStore, chunkSize int64) *Store {
	return &Store{
		objects: objects,
		chunker: NewChunker(chunkSize),
	}
}

func manifestKey(ref string) string {
	return fmt.Sprintf("blobs/%s/manifest", ref)
}

func chunkKey(ref string, idx int) string {
	return fmt.Sprintf("blobs/%s/%d", ref, idx)
}

// ValidRef reports whether ref looks like a blob ref.
func ValidRef(ref string) bool {
	return refPattern.MatchString(ref)
}

// Put stores data and returns its ref. Storing identical bytes twice yields
// the same ref.
func (s *Store) Put(ctx context.Context, data []byte) (string, error) {
	ref := ComputeHash(data)
	ctx, span := tracer.Start(ctx, "blobstore.put",
		trace.WithAttributes(
			attribute.String("blob_ref", ref),
			attribute.Int("size_bytes", len(data)),
		),
	)
	defer span.End()

	chunks := s.chunker.Split(data)
	m := manifest{Size: int64(len(data))}

	for _, chunk := range chunks {
		if err := s.objects.PutObject(ctx, chunkKey(ref, chunk.OrderIndex), chunk.Data); err != nil {
			span.RecordError(err)
			s.discardChunks(ctx, ref, chunk.OrderIndex)
			return "", fmt.Errorf("failed to upload chunk %d: %w", chunk.OrderIndex, err)
		}
		m.Chunks = append(m.Chunks, manifestChunk{Hash: chunk.Hash, Size: chunk.Size})
	}

	raw, err := json.Marshal(m)
	if err != nil {
		span.RecordError(err)
		s.discardChunks(ctx, ref, len(chunks))
		return "", fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := s.objects.PutObject(ctx, manifestKey(ref), raw); err != nil {
		span.RecordError(err)
		s.discardChunks(ctx, ref, len(chunks))
		return "", fmt.Errorf("failed to upload manifest: %w", err)
	}

	span.SetAttributes(attribute.Int("chunk_count", len(chunks)))
	return ref, nil
}

// discardChunks removes the first n chunks of an uncommitted write. A blob
// already committed under ref shares those chunk keys, so nothing is removed
// when its manifest exists or cannot be checked.
func (s *Store) discardChunks(ctx context.Context, ref string, n int) {
	if _, err := s.objects.GetObject(ctx, manifestKey(ref)); !errors.Is(err, ErrObjectNotFound) {
		return
	}
	for i := 0; i < n; i++ {
		// best effort, the write has already failed
		_ = s.objects.RemoveObject(ctx, chunkKey(ref, i))
	}
}

func (s *Store) readManifest(ctx context.Context, ref string) (*manifest, error) {
	if !ValidRef(ref) {
		return nil, fmt.Errorf("%w: malformed ref", ErrNotFound)
	}

	raw, err := s.objects.GetObject(ctx, manifestKey(ref))
	if errors.Is(err, ErrObjectNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get manifest: %w", err)
	}

	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: unreadable manifest: %v", ErrIntegrity, err)
	}
	return &m, nil
}

// Get returns the bytes stored under ref after verifying every chunk hash and
// the hash of the whole blob.
func (s *Store) Get(ctx context.Context, ref string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "blobstore.get",
		trace.WithAttributes(attribute.String("blob_ref", ref)),
	)
	defer span.End()

	m, err := s.readManifest(ctx, ref)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	chunkData, err := s.fetchChunksParallel(ctx, ref, m.Chunks)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	data := ReassembleChunks(chunkData)
	if int64(len(data)) != m.Size || ComputeHash(data) != ref {
		span.RecordError(ErrIntegrity)
		return nil, ErrIntegrity
	}

	span.SetAttributes(attribute.Int("size_bytes", len(data)))
	return data, nil
}

func (s *Store) fetchChunksParallel(ctx context.Context, ref string, chunks []manifestChunk) ([][]byte, error) {
	ctx, fetchSpan := tracer.Start(ctx, "fetch_chunks_parallel",
		trace.WithAttributes(attribute.Int("chunk_count", len(chunks))),
	)
	defer fetchSpan.End()

	chunkData := make([][]byte, len(chunks))
	var wg sync.WaitGroup
	errChan := make(chan error, len(chunks))

	for i, meta := range chunks {
		wg.Add(1)
		go func(idx int, meta manifestChunk) {
			defer wg.Done()

			data, err := s.objects.GetObject(ctx, chunkKey(ref, idx))
			if errors.Is(err, ErrObjectNotFound) {
				errChan <- fmt.Errorf("%w: chunk %d missing", ErrIntegrity, idx)
				return
			} else if err != nil {
				errChan <- fmt.Errorf("failed to download chunk %d: %w", idx, err)
				return
			}

			if !VerifyChunkHash(data, meta.Hash) {
				errChan <- fmt.Errorf("%w: hash mismatch for chunk %d", ErrIntegrity, idx)
				return
			}

			chunkData[idx] = data
		}(i, meta)
	}

	wg.Wait()
	close(errChan)

	if err := <-errChan; err != nil {
		fetchSpan.RecordError(err)
		return nil, err
	}

	return chunkData, nil
}

// Delete removes a blob. Deleting a blob that does not exist is not an error,
// and a blob with an unreadable manifest is still removed.
func (s *Store) Delete(ctx context.Context, ref string) error {
	ctx, span := tracer.Start(ctx, "blobstore.delete",
		trace.WithAttributes(attribute.String("blob_ref", ref)),
	)
	defer span.End()

	m, err := s.readManifest(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		return nil
	} else if errors.Is(err, ErrIntegrity) {
		span.RecordError(err)
		return s.sweep(ctx, ref)
	} else if err != nil {
		span.RecordError(err)
		return err
	}

	// Manifest first: once it is gone the blob no longer exists, even if a
	// chunk removal below fails.
	if err := s.objects.RemoveObject(ctx, manifestKey(ref)); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete manifest: %w", err)
	}

	var errs []error
	for i := range m.Chunks {
		if err := s.objects.RemoveObject(ctx, chunkKey(ref, i)); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete chunk %d: %w", i, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// sweep deletes a blob whose manifest cannot be read. The manifest goes first,
// then chunks are removed by index until the first missing one.
func (s *Store) sweep(ctx context.Context, ref string) error {
	if err := s.objects.RemoveObject(ctx, manifestKey(ref)); err != nil {
		return fmt.Errorf("failed to delete manifest: %w", err)
	}
	for i := 0; ; i++ {
		_, err := s.objects.GetObject(ctx, chunkKey(ref, i))
		if errors.Is(err, ErrObjectNotFound) {
			return nil
		} else if err != nil {
			return fmt.Errorf("failed to look up chunk %d: %w", i, err)
		}
		if err := s.objects.RemoveObject(ctx, chunkKey(ref, i)); err != nil {
			return fmt.Errorf("failed to delete chunk %d: %w", i, err)
		}
	}
}
