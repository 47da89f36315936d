package milvus

import (
	"context"
	"fmt"
	"strings"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/rhizome/backend/internal/detection"
	"github.com/rhizome/backend/pkg/logger"
)

// Client reads the chunk-embedding collection the ingestion pipeline
// writes. The detection core never inserts vectors; it only resolves
// embedding refs and searches for neighbors.
type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
}

func NewClient(endpoint, apiKey, collectionName string, vectorDim int) (*Client, error) {
	c, err := client.NewGrpcClient(
		context.Background(),
		endpoint,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Client{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
	}, nil
}

func (m *Client) Close() error {
	return m.client.Close()
}

// EnsureCollection creates and loads the chunk-embedding collection when it
// does not exist yet, so a fresh deployment comes up before ingestion has
// run.
func (m *Client) EnsureCollection(ctx context.Context) error {
	has, err := m.client.HasCollection(ctx, m.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", m.collectionName))
		return nil
	}

	schema := &entity.Schema{
		CollectionName: m.collectionName,
		Description:    "Chunk embeddings for connection detection",
		Fields: []*entity.Field{
			{
				Name:       "chunk_id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "document_id",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "embedding",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", m.vectorDim),
				},
			},
		},
	}

	err = m.client.CreateCollection(ctx, schema, entity.DefaultShardNumber)
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.COSINE, 1024)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	err = m.client.CreateIndex(ctx, m.collectionName, "embedding", idx, false)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	err = m.client.LoadCollection(ctx, m.collectionName, false)
	if err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", m.collectionName))

	return nil
}

// SearchNeighbors implements detection.VectorIndex: it resolves the
// embedding ref to its stored vector, then runs an ANN search excluding
// the source chunk itself.
func (m *Client) SearchNeighbors(ctx context.Context, embeddingID string, topK int) ([]detection.Neighbor, error) {
	vector, err := m.fetchVector(ctx, embeddingID)
	if err != nil {
		return nil, err
	}

	sp, _ := entity.NewIndexIvfFlatSearchParam(16)

	searchResult, err := m.client.Search(
		ctx,
		m.collectionName,
		[]string{},
		fmt.Sprintf(`chunk_id != %s`, exprString(embeddingID)),
		[]string{"chunk_id", "document_id"},
		[]entity.Vector{entity.FloatVector(vector)},
		"embedding",
		entity.COSINE,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search neighbors: %w", err)
	}

	neighbors := make([]detection.Neighbor, 0, topK)
	for _, sr := range searchResult {
		chunkIDCol := sr.Fields.GetColumn("chunk_id")
		documentIDCol := sr.Fields.GetColumn("document_id")

		for i := 0; i < sr.ResultCount; i++ {
			chunkID, _ := chunkIDCol.Get(i)
			documentID, _ := documentIDCol.Get(i)

			score := float64(sr.Scores[i])
			if score < 0 {
				score = 0
			}

			neighbors = append(neighbors, detection.Neighbor{
				ChunkID:    chunkID.(string),
				DocumentID: documentID.(string),
				Score:      score,
			})
		}
	}

	logger.Debug("Neighbor search completed",
		zap.String("embedding_id", embeddingID),
		zap.Int("topK", topK),
		zap.Int("results", len(neighbors)),
	)

	return neighbors, nil
}

var exprEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// exprString quotes an id for interpolation into a Milvus boolean
// expression. IDs arrive from callers, so quotes and backslashes must not
// be able to terminate the string literal.
func exprString(id string) string {
	return `"` + exprEscaper.Replace(id) + `"`
}

func (m *Client) fetchVector(ctx context.Context, embeddingID string) ([]float32, error) {
	columns, err := m.client.Query(
		ctx,
		m.collectionName,
		[]string{},
		fmt.Sprintf(`chunk_id == %s`, exprString(embeddingID)),
		[]string{"embedding"},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch embedding %s: %w", embeddingID, err)
	}

	for _, column := range columns {
		if vectors, ok := column.(*entity.ColumnFloatVector); ok && vectors.Len() > 0 {
			return vectors.Data()[0], nil
		}
	}

	return nil, fmt.Errorf("embedding %s not found in collection %s", embeddingID, m.collectionName)
}
