package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/honeynil/GearAuctionService/internal/models"
	pkgerrors "github.com/honeynil/GearAuctionService/pkg/errors"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

type Message struct {
	To      string `json:"to"`
	From    string `json:"from"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

// Relay delivers notifications through an HTTP mail relay.
type Relay struct {
	endpoint string
	apiKey   string
	from     string
	client   *http.Client
	printer  *message.Printer
}

func NewRelay(endpoint, apiKey, from string) *Relay {
	return &Relay{
		endpoint: endpoint,
		apiKey:   apiKey,
		from:     from,
		client:   &http.Client{Timeout: 10 * time.Second},
		printer:  message.NewPrinter(language.BritishEnglish),
	}
}

func (r *Relay) Deliver(ctx context.Context, n models.Notification) error {
	msg := Message{
		To:      strings.TrimSpace(n.To),
		From:    r.from,
		Subject: r.subject(n),
		Text:    r.Body(n),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal mail: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build mail request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: mail relay: %v", pkgerrors.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		slog.Warn("mail relay rejected message", "status", resp.StatusCode, "kind", n.Kind)
		return fmt.Errorf("%w: mail relay returned %d", pkgerrors.ErrUpstreamUnavailable, resp.StatusCode)
	}
	return nil
}

// Pounds renders a whole-pound amount with thousands separators.
func (r *Relay) Pounds(amount int64) string {
	return r.printer.Sprintf("£%d", amount)
}

func (r *Relay) subject(n models.Notification) string {
	if n.Subject != "" {
		return n.Subject
	}
	return strings.ReplaceAll(string(n.Kind), "_", " ")
}

// Body renders the plain-text mail for n.
func (r *Relay) Body(n models.Notification) string {
	var b strings.Builder
	switch n.Kind {
	case models.NotifyListingApproved:
		fmt.Fprintf(&b, "Your listing %s has been approved and is queued for the next weekly auction.", n.ListingID)
	case models.NotifyListingRejected:
		fmt.Fprintf(&b, "Your listing %s was not approved.", n.ListingID)
	case models.NotifyItemSold:
		fmt.Fprintf(&b, "Listing %s has sold. Your payout will be %s once the buyer confirms receipt.", n.ListingID, r.Pounds(n.Amount))
	case models.NotifyAuctionWon:
		fmt.Fprintf(&b, "You won listing %s for %s. Please complete payment for transaction %s.", n.ListingID, r.Pounds(n.Amount), n.TransactionID)
	case models.NotifyPaymentReceived:
		fmt.Fprintf(&b, "Payment of %s received for transaction %s.", r.Pounds(n.Amount), n.TransactionID)
	case models.NotifyPaymentFailed:
		fmt.Fprintf(&b, "Payment for transaction %s failed. You can retry from your account.", n.TransactionID)
	case models.NotifyDispatched:
		fmt.Fprintf(&b, "Transaction %s has been dispatched", n.TransactionID)
		if n.Carrier != "" {
			fmt.Fprintf(&b, " with %s", n.Carrier)
		}
		if n.Tracking != "" {
			fmt.Fprintf(&b, ", tracking number %s", n.Tracking)
		}
		b.WriteString(". Please confirm receipt when it arrives.")
	case models.NotifyReceiptConfirmed:
		fmt.Fprintf(&b, "The buyer confirmed receipt for transaction %s. Your payout of %s is now eligible.", n.TransactionID, r.Pounds(n.Amount))
	case models.NotifyArchived:
		fmt.Fprintf(&b, "Transaction %s has been archived.", n.TransactionID)
	default:
		fmt.Fprintf(&b, "Update on transaction %s.", n.TransactionID)
	}
	return b.String()
}
