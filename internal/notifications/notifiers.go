package notifications

import (
	"context"
	"fmt"

	"github.com/nukemymac/nukemymac-server/internal/feedback"
	"github.com/nukemymac/nukemymac-server/internal/license"
)

// Enqueuer accepts jobs for asynchronous delivery.
type Enqueuer interface {
	Enqueue(job Job) error
}

// LicenseNotifier queues the license key email for a newly issued license.
type LicenseNotifier struct {
	queue    Enqueuer
	renderer *Renderer
}

var _ license.Notifier = (*LicenseNotifier)(nil)

// NewLicenseNotifier creates a notifier that renders with r and queues on q.
func NewLicenseNotifier(q Enqueuer, r *Renderer) *LicenseNotifier {
	return &LicenseNotifier{queue: q, renderer: r}
}

// LicenseIssued renders the key email and queues it for the buyer.
func (n *LicenseNotifier) LicenseIssued(_ context.Context, lic *license.License) error {
	data := LicenseKeyData{
		Key:            lic.Key,
		TierName:       lic.Tier.DisplayName(),
		ExpiryText:     expiryText(lic),
		MaxActivations: lic.MaxActivations,
		Year:           lic.CreatedAt.Year(),
	}

	html, err := n.renderer.render(templateLicenseKey, data)
	if err != nil {
		return err
	}

	return n.queue.Enqueue(Job{
		Kind: KindLicenseKey,
		Message: Message{
			To:      []string{lic.Email},
			Subject: fmt.Sprintf("Your NukeMyMac %s License Key", data.TierName),
			HTML:    html,
		},
	})
}

func expiryText(lic *license.License) string {
	if lic.ExpiresAt == nil {
		return "Your license never expires!"
	}
	return "Valid until: " + lic.ExpiresAt.UTC().Format("January 2, 2006")
}

// ContactNotifier forwards contact form submissions to the support inbox.
type ContactNotifier struct {
	queue     Enqueuer
	renderer  *Renderer
	recipient string
}

var _ feedback.Notifier = (*ContactNotifier)(nil)

// NewContactNotifier creates a notifier that sends submissions to recipient.
func NewContactNotifier(q Enqueuer, r *Renderer, recipient string) *ContactNotifier {
	return &ContactNotifier{queue: q, renderer: r, recipient: recipient}
}

// ContactReceived queues the submission with reply-to set to the sender.
func (n *ContactNotifier) ContactReceived(_ context.Context, s feedback.Submission) error {
	if n.recipient == "" {
		return fmt.Errorf("contact recipient is not configured")
	}

	html, err := n.renderer.render(templateContact, ContactData{
		Name:    s.Name,
		Email:   s.Email,
		Type:    string(s.Type),
		Subject: s.Subject,
		Message: s.Message,
	})
	if err != nil {
		return err
	}

	return n.queue.Enqueue(Job{
		Kind: KindContact,
		Message: Message{
			To:      []string{n.recipient},
			ReplyTo: s.Email,
			Subject: "[NukeMyMac Contact] " + s.Subject,
			HTML:    html,
		},
	})
}
