// Package firebase initializes the Firebase Admin clients shared by the blob
// store and the status reporter.
package firebase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reconstructor/internal/apperrors"
	"reconstructor/internal/config"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/storage"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/option"
)

// Config carries the service account and bucket.
type Config struct {
	ServiceAccountJSON string
	StorageBucket      string
}

// LoadConfigFromEnv reads FIREBASE_SERVICE_ACCOUNT_JSON, falling back to the
// file named by FIREBASE_SERVICE_ACCOUNT_FILE.
func LoadConfigFromEnv() Config {
	creds := config.GetEnv("FIREBASE_SERVICE_ACCOUNT_JSON", "")
	if creds == "" {
		creds = config.GetSecretFile(config.GetEnv("FIREBASE_SERVICE_ACCOUNT_FILE", ""))
	}
	return Config{
		ServiceAccountJSON: creds,
		StorageBucket:      config.GetEnv("FIREBASE_STORAGE_BUCKET", ""),
	}
}

// Clients holds the initialized Firebase handles.
type Clients struct {
	ProjectID  string
	BucketName string
	Firestore  *firestore.Client
	Bucket     *storage.BucketHandle
}

type serviceAccount struct {
	ProjectID string `json:"project_id"`
}

// ProjectID extracts project_id from service account JSON.
func ProjectID(serviceAccountJSON string) (string, error) {
	if serviceAccountJSON == "" {
		return "", fmt.Errorf("service account credentials are not set")
	}
	var sa serviceAccount
	if err := json.Unmarshal([]byte(serviceAccountJSON), &sa); err != nil {
		return "", fmt.Errorf("invalid service account JSON: %w", err)
	}
	if sa.ProjectID == "" {
		return "", fmt.Errorf("service account JSON has no project_id")
	}
	return sa.ProjectID, nil
}

// Init builds the Firestore client and the storage bucket handle. Any failure
// is an initialization error so the trigger answers 503.
func Init(ctx context.Context, cfg Config) (*Clients, error) {
	projectID, err := ProjectID(cfg.ServiceAccountJSON)
	if err != nil {
		return nil, apperrors.Initialization("firebase", err)
	}
	bucketName := cfg.StorageBucket
	if bucketName == "" {
		bucketName = projectID + ".appspot.com"
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{
		ProjectID:     projectID,
		StorageBucket: bucketName,
	}, option.WithCredentialsJSON([]byte(cfg.ServiceAccountJSON)))
	if err != nil {
		return nil, apperrors.Initialization("firebase", err)
	}

	fs, err := app.Firestore(ctx)
	if err != nil {
		return nil, apperrors.Initialization("firestore", err)
	}

	st, err := app.Storage(ctx)
	if err != nil {
		fs.Close()
		return nil, apperrors.Initialization("firebase storage", err)
	}
	bucket, err := st.Bucket(bucketName)
	if err != nil {
		fs.Close()
		return nil, apperrors.Initialization("firebase storage", err)
	}

	slog.Info("Firebase initialized", "projectId", projectID, "bucket", bucketName)
	return &Clients{
		ProjectID:  projectID,
		BucketName: bucketName,
		Firestore:  fs,
		Bucket:     bucket,
	}, nil
}

// Close releases the Firestore client.
func (c *Clients) Close() error {
	if c == nil || c.Firestore == nil {
		return nil
	}
	return c.Firestore.Close()
}
