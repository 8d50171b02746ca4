package duckdb

import (
	"context"
	"fmt"
	"os"

	"github.com/ensembl/lakehouse/internal/storage"
)

func uploadFile(ctx context.Context, store storage.ObjectStore, key, path, contentType string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	if _, err := store.Put(ctx, key, file, info.Size(), storage.PutOptions{ContentType: contentType}); err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}
