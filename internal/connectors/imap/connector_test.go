package imap

import (
	"testing"
	"time"

	"github.com/emersion/go-imap"

	"invoicematch/internal/config"
)

func TestNewConnectorRequiresCredentials(t *testing.T) {
	if _, err := NewConnector(config.Config{IMAPHost: "mail.example.test"}); err == nil {
		t.Fatal("expected missing credential error")
	}
	c, err := NewConnector(config.Config{IMAPHost: "mail.example.test", IMAPUser: "ap", IMAPPassword: "x", IMAPProcessedMailbox: " Processed "})
	if err != nil {
		t.Fatal(err)
	}
	if c.processed != "Processed" {
		t.Fatalf("processed=%q", c.processed)
	}
}

func TestToFetched(t *testing.T) {
	received := time.Date(2024, 3, 15, 9, 0, 0, 0, time.FixedZone("AEST", 10*3600))
	msg := &imap.Message{
		Uid:          42,
		InternalDate: received,
		Envelope: &imap.Envelope{
			Subject: "Invoice INV-55",
			From:    []*imap.Address{{PersonalName: "Bolt Billing", MailboxName: "billing", HostName: "boltnut.com"}},
		},
	}
	got := toFetched(msg, []byte("raw"))
	if got.MessageID != "imap-42" {
		t.Fatalf("message id=%s", got.MessageID)
	}
	if got.From != "Bolt Billing <billing@boltnut.com>" {
		t.Fatalf("from=%s", got.From)
	}
	if got.ReceivedAt != "2024-03-14T23:00:00Z" {
		t.Fatalf("received=%s", got.ReceivedAt)
	}
}
