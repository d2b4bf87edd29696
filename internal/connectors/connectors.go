package connectors

import (
	"context"

	"invoicematch/internal"
)

// MailConnector fetches unseen messages from one mailbox or label.
type MailConnector interface {
	FetchInbox(ctx context.Context, label string, max int) ([]internal.FetchedMailMessage, error)
}

const (
	EmailFetched   = "fetched"
	EmailExtracted = "extracted"
	EmailSkipped   = "skipped"
	EmailFailed    = "failed"
)
