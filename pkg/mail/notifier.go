package mail

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const signature = `
Best regards,

eLibrary Developer
National Prayer Department
`

// Notifier renders library notifications and hands them to a Sender.
// Sending is best-effort: failures are logged and never returned.
type Notifier struct {
	sender      Sender
	siteName    string
	resetWindow time.Duration
}

// NewNotifier builds a notifier. resetWindow is quoted in reset mails.
func NewNotifier(sender Sender, siteName string, resetWindow time.Duration) *Notifier {
	if sender == nil {
		sender = LogSender{}
	}
	siteName = strings.TrimSpace(siteName)
	if siteName == "" {
		siteName = "NPD's eLibrary"
	}
	return &Notifier{sender: sender, siteName: siteName, resetWindow: resetWindow}
}

// Welcome greets a newly registered member.
func (n *Notifier) Welcome(ctx context.Context, to, name string) {
	n.deliver(ctx, "welcome", Email{
		To:      []string{to},
		Subject: fmt.Sprintf("Welcome to %s", n.siteName),
		Body: fmt.Sprintf(`Hello %s,

Thank you for signing up! You are now a registered member of %s.

Feel free to search the shelf, download books and recommend titles
you would like us to add to the collection.
%s`, name, n.siteName, signature),
	})
}

// AdminPromoted tells a user they were granted the admin role.
func (n *Notifier) AdminPromoted(ctx context.Context, to, name string) {
	n.deliver(ctx, "admin_promoted", Email{
		To:      []string{to},
		Subject: fmt.Sprintf("Your New Role as Admin in %s", n.siteName),
		Body: fmt.Sprintf(`Dear %s,

Congratulations! You have been appointed as an Admin of %s.

As an Admin you can add new books to the library, review recommended
titles from other members, grant admin privileges to others and remove
books when necessary.
%s`, name, n.siteName, signature),
	})
}

// AdminDemoted thanks a user whose admin role was removed.
func (n *Notifier) AdminDemoted(ctx context.Context, to, name string) {
	n.deliver(ctx, "admin_demoted", Email{
		To:      []string{to},
		Subject: fmt.Sprintf("Appreciation for Your Service to %s", n.siteName),
		Body: fmt.Sprintf(`Dear %s,

Thank you for the time you spent as an Admin of %s.
You no longer hold the Admin role, but your contributions were invaluable.

You are still a member: keep recommending books and exploring the collection.
%s`, name, n.siteName, signature),
	})
}

// PasswordReset sends the reset link.
func (n *Notifier) PasswordReset(ctx context.Context, to, link string) {
	n.deliver(ctx, "password_reset", Email{
		To:      []string{to},
		Subject: "Password Reset Request",
		Body: fmt.Sprintf(`Hello,

We received a request to reset the password of your %s account.
Open the link below to choose a new password:

%s

The link expires in %s. If you did not ask for a reset, ignore this email.
%s`, n.siteName, link, humanDuration(n.resetWindow), signature),
	})
}

func (n *Notifier) deliver(ctx context.Context, kind string, email Email) {
	if err := n.sender.Send(ctx, email); err != nil {
		slog.WarnContext(ctx, "mail_send_failed", "kind", kind, "to", email.To, "err", err)
		return
	}
	slog.DebugContext(ctx, "mail_sent", "kind", kind, "to", email.To)
}

func humanDuration(d time.Duration) string {
	switch {
	case d <= 0, d == time.Hour:
		return "one hour"
	case d%time.Hour == 0:
		return fmt.Sprintf("%d hours", int(d/time.Hour))
	case d%time.Minute == 0:
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	default:
		return d.String()
	}
}
