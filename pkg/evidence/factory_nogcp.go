//go:build !gcp

package evidence

import (
	"context"
	"fmt"
)

func newGCSStoreFromEnv(_ context.Context) (Store, error) {
	return nil, fmt.Errorf("evidence: GCS support requires building with the gcp tag")
}
