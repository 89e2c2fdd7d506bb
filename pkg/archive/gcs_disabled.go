//go:build !gcp

package archive

import (
	"context"
	"fmt"
)

func newGCSStore(ctx context.Context, bucket, prefix string) (Store, error) {
	return nil, fmt.Errorf("GCS archiving is not enabled in this build (use -tags gcp)")
}
