package main

import (
	"context"
	"fmt"

	"github.com/duskveil/duskveil/internal/security"
)

// validateTargetURL rejects targets at the CLI boundary per the
// invalidInput error kind: non-recoverable, never retried, surfaced
// directly to the caller before any pool is built. Blocks private/loopback/
// cloud-metadata hosts so a `test`/`stress`/`scrape` invocation can't be
// turned into an SSRF probe against the machine running duskveil.
func validateTargetURL(ctx context.Context, rawURL string) error {
	if err := security.ValidateURLWithContext(ctx, rawURL); err != nil {
		return fmt.Errorf("%w: %s", err, rawURL)
	}
	return nil
}
