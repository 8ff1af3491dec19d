package emission

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/notaflow/fiscal_backend/config"
	"github.com/sirupsen/logrus"
)

// ArchiveDocument stores the authorized XML in the archive bucket under
// emissions/<businessId>/<reference>.xml. Municipalities expire document
// download links, so a copy is kept while the raw bytes are still in hand.
func ArchiveDocument(ctx context.Context, businessId string, reference string, raw []byte) error {
	bucket := strings.TrimSpace(os.Getenv("EMISSION_ARCHIVE_BUCKET"))
	if bucket == "" {
		return fmt.Errorf("EMISSION_ARCHIVE_BUCKET not set")
	}

	client, err := config.GetStorageClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	object := fmt.Sprintf("emissions/%s/%s.xml", businessId, reference)
	w := client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = "application/xml"
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// ArchiveHook archives the authorized document when the raw XML was fetched
// during finalization. Other outcomes have no document to keep.
func ArchiveHook(logger *logrus.Logger) TerminalHook {
	return func(ctx context.Context, event TerminalEvent) {
		if event.State != StateAuthorized || len(event.RawDocument) == 0 {
			return
		}
		if err := ArchiveDocument(ctx, event.BusinessId, event.Reference, event.RawDocument); err != nil && logger != nil {
			logger.WithFields(logrus.Fields{
				"module":    "emission",
				"funcName":  "ArchiveHook",
				"reference": event.Reference,
			}).Error(err.Error())
		}
	}
}
