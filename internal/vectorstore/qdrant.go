package vectorstore

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/qdrant/go-client/qdrant"
)

// Payload keys stored with each point.
const (
	payloadText        = "text"
	payloadDocumentID  = "document_id"
	payloadTenantID    = "tenant_id"
	payloadFilename    = "filename"
	payloadPage        = "page"
	payloadChunkIndex  = "chunk_index"
	payloadTotalChunks = "total_chunks"
)

// QdrantStore implements Store using Qdrant, one collection per tenant namespace.
type QdrantStore struct {
	client *qdrant.Client
}

// NewQdrantStore creates a new Qdrant vector store client
// url should be in format "host:port" (e.g., "localhost:6334")
func NewQdrantStore(ctx context.Context, url, apiKey string) (*QdrantStore, error) {
	host, portStr, err := net.SplitHostPort(url)
	if err != nil {
		// If no port specified, assume default
		host = url
		portStr = "6334"
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant url: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return &QdrantStore{client: client}, nil
}

// Close closes the Qdrant client connection
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// CreateCollection creates a cosine collection with a keyword index on document_id.
// A collection created concurrently by another caller counts as success.
func (s *QdrantStore) CreateCollection(ctx context.Context, name string, dimension int) error {
	exists, err := s.CollectionExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		if exists, checkErr := s.CollectionExists(ctx, name); checkErr == nil && exists {
			return nil
		}
		return fmt.Errorf("failed to create collection: %w", err)
	}

	_, err = s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: name,
		FieldName:      payloadDocumentID,
		FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("failed to index document_id: %w", err)
	}

	return nil
}

// DeleteCollection deletes a collection
func (s *QdrantStore) DeleteCollection(ctx context.Context, name string) error {
	if err := s.client.DeleteCollection(ctx, name); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	return nil
}

// CollectionExists checks if a collection exists
func (s *QdrantStore) CollectionExists(ctx context.Context, name string) (bool, error) {
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return false, fmt.Errorf("failed to check collection existence: %w", err)
	}
	return exists, nil
}

// Upsert writes all passages in one request and waits for it to be applied.
func (s *QdrantStore) Upsert(ctx context.Context, name string, passages []Passage) error {
	if len(passages) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, len(passages))
	for i, p := range passages {
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(p.ID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: map[string]*qdrant.Value{
				payloadText:        qdrant.NewValueString(p.Text),
				payloadDocumentID:  qdrant.NewValueString(p.Meta.DocumentID),
				payloadTenantID:    qdrant.NewValueString(p.Meta.TenantID),
				payloadFilename:    qdrant.NewValueString(p.Meta.Filename),
				payloadPage:        qdrant.NewValueInt(int64(p.Meta.Page)),
				payloadChunkIndex:  qdrant.NewValueInt(int64(p.Meta.ChunkIndex)),
				payloadTotalChunks: qdrant.NewValueInt(int64(p.Meta.TotalChunks)),
			},
		}
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: name,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}

	return nil
}

// Search performs similarity search. Qdrant reports cosine similarity, which is
// converted to squared Euclidean distance.
func (s *QdrantStore) Search(ctx context.Context, name string, vector []float32, k int, filter Filter) ([]Match, error) {
	response, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: name,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(k)),
		Filter:         qdrantFilter(filter),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	matches := make([]Match, 0, len(response))
	for _, point := range response {
		matches = append(matches, Match{
			Passage:  passageFromPayload(point.Id.GetUuid(), point.Payload),
			Distance: cosineToDistance(point.Score),
		})
	}

	return matches, nil
}

// Delete removes passages by filter
func (s *QdrantStore) Delete(ctx context.Context, name string, filter Filter) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: name,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: qdrantFilter(filter),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete by filter: %w", err)
	}

	return nil
}

// Count returns the exact number of points matching filter.
func (s *QdrantStore) Count(ctx context.Context, name string, filter Filter) (int, error) {
	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: name,
		Filter:         qdrantFilter(filter),
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count points: %w", err)
	}
	return int(n), nil
}

func qdrantFilter(filter Filter) *qdrant.Filter {
	if filter.IsEmpty() {
		return nil
	}
	return &qdrant.Filter{
		Must: []*qdrant.Condition{
			qdrant.NewMatch(payloadDocumentID, filter.DocumentID),
		},
	}
}

func passageFromPayload(id string, payload map[string]*qdrant.Value) Passage {
	p := Passage{ID: id}
	if payload == nil {
		return p
	}
	p.Text = payload[payloadText].GetStringValue()
	p.Meta = PassageMeta{
		DocumentID:  payload[payloadDocumentID].GetStringValue(),
		TenantID:    payload[payloadTenantID].GetStringValue(),
		Filename:    payload[payloadFilename].GetStringValue(),
		Page:        int(payload[payloadPage].GetIntegerValue()),
		ChunkIndex:  int(payload[payloadChunkIndex].GetIntegerValue()),
		TotalChunks: int(payload[payloadTotalChunks].GetIntegerValue()),
	}
	return p
}

// Ensure QdrantStore implements Store
var _ Store = (*QdrantStore)(nil)
