package stores

import (
	"context"
	"io"
	"os"
	"time"

	"catalog-editor/core"
	"catalog-editor/stores/aws"
	"catalog-editor/stores/filesystem"
	"catalog-editor/stores/memory"
	"catalog-editor/stores/mysql"
	"catalog-editor/stores/postgres"
	"catalog-editor/stores/sqlite"

	"github.com/sirupsen/logrus"
)

// ObjectOpener is implemented by object stores whose download URLs point back
// at the catalog server.
type ObjectOpener interface {
	Open(ctx context.Context, path string) (io.ReadCloser, string, error)
}

func GetDocumentStore() core.DocumentStore {
	storageType := os.Getenv("STORAGE_TYPE")
	var store core.DocumentStore

	storageField := logrus.Fields{
		"storageType": storageType,
	}

	switch storageType {
	case "sqlite":
		dataSourceName := os.Getenv("DATA_SOURCE_NAME")
		if dataSourceName == "" {
			dataSourceName = "catalog.db" // Default filename
		}
		storageField["dataSourceName"] = dataSourceName
		store = sqlite.NewDocumentStore(dataSourceName)
	case "postgres":
		dsn := os.Getenv("DATABASE_URL")
		if dsn == "" {
			logrus.Fatal("DATABASE_URL environment variable must be set for postgres storage type")
		}
		store = postgres.NewDocumentStore(dsn)
	case "mysql":
		dsn := os.Getenv("DATABASE_URL")
		if dsn == "" {
			logrus.Fatal("DATABASE_URL environment variable must be set for mysql storage type")
		}
		store = mysql.NewDocumentStore(dsn)
	default:
		store = memory.NewDocumentStore()
		storageField["storageType"] = "in-memory"
	}
	logrus.WithFields(storageField).Info("Use document storage")
	return store
}

func GetObjectStore() core.ObjectStore {
	storageType := os.Getenv("OBJECT_STORAGE_TYPE")
	baseURL := os.Getenv("PUBLIC_BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:3002"
	}
	var store core.ObjectStore

	storageField := logrus.Fields{
		"storageType": storageType,
	}

	switch storageType {
	case "filesystem":
		basePath := os.Getenv("LOCAL_STORAGE_PATH")
		if basePath == "" {
			basePath = "./data" // Default path
		}
		storageField["basePath"] = basePath
		store = filesystem.NewObjectStore(basePath, baseURL)
	case "s3":
		bucketName := os.Getenv("S3_BUCKET_NAME")
		if bucketName == "" {
			logrus.Fatal("S3_BUCKET_NAME environment variable must be set for s3 storage type")
		}
		ttl := 24 * time.Hour
		if raw := os.Getenv("S3_URL_TTL"); raw != "" {
			parsed, err := time.ParseDuration(raw)
			if err != nil {
				logrus.WithError(err).Fatal("Invalid S3_URL_TTL")
			}
			ttl = parsed
		}
		storageField["bucketName"] = bucketName
		storageField["urlTTL"] = ttl
		store = aws.NewObjectStore(bucketName, ttl)
	default:
		store = memory.NewObjectStore(baseURL)
		storageField["storageType"] = "in-memory"
	}
	logrus.WithFields(storageField).Info("Use object storage")
	return store
}
