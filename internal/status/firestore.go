package status

import (
	"context"
	"errors"
	"fmt"
	"reconstructor/internal/apperrors"
	"reconstructor/internal/config"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// StatusField is the document field holding the processing status.
const StatusField = "processingStatus"

// FirestoreConfig names where job documents live.
type FirestoreConfig struct {
	Collection string
	URLField   string // document field receiving the artifact URL
}

// LoadFirestoreConfigFromEnv loads Firestore configuration from environment variables.
func LoadFirestoreConfigFromEnv() FirestoreConfig {
	return FirestoreConfig{
		Collection: config.GetEnv("FIRESTORE_COLLECTION", "discoveries"),
		URLField:   config.GetEnv("FIRESTORE_URL_FIELD", "splatModelUrl"),
	}
}

// Firestore updates job documents in a Firestore collection. Documents are
// created by the app that uploads the video; this reporter only updates them.
type Firestore struct {
	client *firestore.Client
	cfg    FirestoreConfig
}

// NewFirestore wraps a client.
func NewFirestore(client *firestore.Client, cfg FirestoreConfig) *Firestore {
	if cfg.Collection == "" {
		cfg.Collection = "discoveries"
	}
	if cfg.URLField == "" {
		cfg.URLField = "splatModelUrl"
	}
	return &Firestore{client: client, cfg: cfg}
}

// Report updates the document. Update fails when the document does not exist.
func (f *Firestore) Report(ctx context.Context, docID string, status Status, artifactURL string) error {
	updates := []firestore.Update{{Path: StatusField, Value: string(status)}}
	if status == Complete {
		updates = append(updates, firestore.Update{Path: f.cfg.URLField, Value: artifactURL})
	}

	_, err := f.client.Collection(f.cfg.Collection).Doc(docID).Update(ctx, updates)
	if err == nil {
		return nil
	}
	if grpcstatus.Code(err) == codes.NotFound {
		return apperrors.Persistence("report", fmt.Errorf("document %s/%s does not exist", f.cfg.Collection, docID))
	}
	return apperrors.Persistence("report", err)
}

// Lookup reads the document.
func (f *Firestore) Lookup(ctx context.Context, docID string) (*Record, error) {
	snap, err := f.client.Collection(f.cfg.Collection).Doc(docID).Get(ctx)
	if grpcstatus.Code(err) == codes.NotFound {
		return nil, apperrors.NotFound("status document", docID)
	}
	if err != nil {
		return nil, apperrors.Persistence("lookup", err)
	}

	rec := &Record{DocID: docID, Status: Pending, UpdatedAt: snap.UpdateTime}
	data := snap.Data()
	if s, ok := data[StatusField].(string); ok && s != "" {
		rec.Status = Status(s)
	}
	if u, ok := data[f.cfg.URLField].(string); ok {
		rec.ArtifactURL = u
	}
	return rec, nil
}

// Ready reads at most one document from the collection.
func (f *Firestore) Ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	iter := f.client.Collection(f.cfg.Collection).Limit(1).Documents(ctx)
	defer iter.Stop()
	if _, err := iter.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return err
	}
	return nil
}

var _ Reporter = (*Firestore)(nil)
