// Package email delivers outgoing mail for send tasks and builds the
// approval links embedded in approval requests.
package email

import (
	"context"
	"fmt"
	"strings"
)

// Message is one outgoing mail.
type Message struct {
	From    string
	To      string
	Subject string
	Body    string
	HTML    bool
}

// Mailer sends mail. Implementations must be safe for concurrent use.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// AddApprovalLinks appends approve/deny links for the given webhook routing
// pair to a mail body. HTML bodies get styled buttons, plain bodies get
// bare URLs.
func AddApprovalLinks(body, baseURL, messageRef, correlationKey string, html bool) string {
	base := strings.TrimRight(baseURL, "/")
	approveURL := fmt.Sprintf("%s/webhooks/approve/%s/%s", base, messageRef, correlationKey)
	denyURL := fmt.Sprintf("%s/webhooks/deny/%s/%s", base, messageRef, correlationKey)

	if html {
		return body + fmt.Sprintf(`
<div style="margin-top: 30px; padding: 20px; border-top: 2px solid #e0e0e0;">
    <p style="font-size: 16px; margin-bottom: 20px;">Please choose an action:</p>
    <table cellspacing="0" cellpadding="0" style="margin: 0;">
        <tr>
            <td style="padding-right: 10px;">
                <a href="%s"
                   style="display: inline-block; padding: 12px 30px; background-color: #28a745;
                          color: white; text-decoration: none; border-radius: 5px; font-weight: bold;">
                    Approve
                </a>
            </td>
            <td>
                <a href="%s"
                   style="display: inline-block; padding: 12px 30px; background-color: #dc3545;
                          color: white; text-decoration: none; border-radius: 5px; font-weight: bold;">
                    Deny
                </a>
            </td>
        </tr>
    </table>
    <p style="font-size: 12px; color: #666; margin-top: 20px;">
        Click a button above to submit your decision. This action will be recorded immediately.
    </p>
</div>
`, approveURL, denyURL)
	}

	return body + fmt.Sprintf(`

----------------------------------------
Please choose an action:

APPROVE: %s

DENY: %s

Click a link above to submit your decision.
----------------------------------------
`, approveURL, denyURL)
}
